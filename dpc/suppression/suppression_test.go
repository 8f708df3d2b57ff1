package suppression

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var suppressedQueryRegex = fmt.Sprintf("^%s$", regexp.QuoteMeta(`SELECT DISTINCT s.patient_id FROM (SELECT patient_id, MAX(effective_date) as max_date FROM suppressions WHERE effective_date BETWEEN NOW() - interval '30 days' AND NOW()  AND preference_indicator <> $1 GROUP BY patient_id) AS h JOIN suppressions s ON s.patient_id = h.patient_id AND s.effective_date = h.max_date WHERE preference_indicator = $2`))

func TestGetSuppressedPatients(t *testing.T) {
	tests := []struct {
		name   string
		rows   []string
		expErr error
	}{
		{"Suppressed patients", []string{"A", "C"}, nil},
		{"None", nil, nil},
		{"Query failure", nil, errors.New("relation does not exist")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() {
				assert.NoError(t, mock.ExpectationsWereMet())
				db.Close()
			}()

			query := mock.ExpectQuery(suppressedQueryRegex).WithArgs("", "N")
			if tt.expErr != nil {
				query.WillReturnError(tt.expErr)
			} else {
				rows := sqlmock.NewRows([]string{"patient_id"})
				for _, id := range tt.rows {
					rows.AddRow(id)
				}
				query.WillReturnRows(rows)
			}

			e := NewRepositoryEngine(db, Config{LookbackDays: 30, CacheTTL: time.Minute})
			patients, err := e.GetSuppressedPatients(context.Background())
			if tt.expErr != nil {
				assert.ErrorIs(t, err, tt.expErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.rows, patients)
		})
	}
}

func TestIsSuppressedCaches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	e := NewRepositoryEngine(db, Config{LookbackDays: 30, CacheTTL: time.Minute})
	e.now = func() time.Time { return now }

	mock.ExpectQuery(suppressedQueryRegex).WillReturnRows(sqlmock.NewRows([]string{"patient_id"}).AddRow("B"))

	suppressed, err := e.IsSuppressed(context.Background(), "B")
	assert.NoError(t, err)
	assert.True(t, suppressed)

	// Served from the cache
	suppressed, err = e.IsSuppressed(context.Background(), "A")
	assert.NoError(t, err)
	assert.False(t, suppressed)
	assert.NoError(t, mock.ExpectationsWereMet())

	// Expired cache reloads and surfaces failures
	now = now.Add(2 * time.Minute)
	mock.ExpectQuery(suppressedQueryRegex).WillReturnError(errors.New("timeout"))
	_, err = e.IsSuppressed(context.Background(), "B")
	assert.ErrorContains(t, err, "timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStaticEngine(t *testing.T) {
	e := NewStaticEngine("A")
	suppressed, err := e.IsSuppressed(context.Background(), "A")
	assert.NoError(t, err)
	assert.True(t, suppressed)

	suppressed, _ = e.IsSuppressed(context.Background(), "B")
	assert.False(t, suppressed)
}
