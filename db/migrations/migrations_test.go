package migrations

import (
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/huandu/go-sqlbuilder"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/CMSgov/dpc-app/conf"
)

const sqlFlavor = sqlbuilder.PostgreSQL

// These tests require a reachable postgres referenced by DATABASE_URL.
type MigrationTestSuite struct {
	suite.Suite

	db *sql.DB

	queueDB    string
	queueDBURL string
}

func (s *MigrationTestSuite) SetupSuite() {
	databaseURL := conf.GetEnv("DATABASE_URL")
	if databaseURL == "" {
		s.T().Skip("DATABASE_URL not set")
	}

	// We expect that the DB URL follows
	// postgres://<USER_NAME>:<PASSWORD>@<HOST>:<PORT>/<DB_NAME>?<OPTIONS>
	re := regexp.MustCompile(`(postgres(?:ql)?\:\/\/\S+\:\S+\@\S+\:\d+\/)([^?]*)(.*)`)

	var err error
	s.db, err = sql.Open("postgres", databaseURL)
	require.NoError(s.T(), err)

	s.queueDB = fmt.Sprintf("migrate_test_dpc_queue_%d", time.Now().Nanosecond())
	s.queueDBURL = re.ReplaceAllString(databaseURL, fmt.Sprintf("${1}%s${3}", s.queueDB))

	if _, err := s.db.Exec("CREATE DATABASE " + s.queueDB); err != nil {
		assert.FailNowf(s.T(), "Could not create dpc_queue db", err.Error())
	}
}

func (s *MigrationTestSuite) TearDownSuite() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("DROP DATABASE " + s.queueDB); err != nil {
		assert.FailNowf(s.T(), "Could not drop dpc_queue db", err.Error())
	}
	s.db.Close()
}

func TestMigrationTestSuite(t *testing.T) {
	suite.Run(t, new(MigrationTestSuite))
}

func (s *MigrationTestSuite) TestQueueMigration() {
	m, err := migrate.New("file://./dpc_queue/", s.queueDBURL)
	require.NoError(s.T(), err)
	defer m.Close()

	db, err := sql.Open("postgres", s.queueDBURL)
	require.NoError(s.T(), err)
	defer db.Close()

	migration1Tables := []string{"job_queue_batch", "job_queue_batch_file", "suppressions"}

	// Tests should begin with "up" migrations, in order, followed by "down" migrations in reverse order
	tests := []struct {
		name  string
		tFunc func(t *testing.T)
	}{
		{
			"Apply initial schema",
			func(t *testing.T) {
				runMigration(t, m, 1)
				for _, table := range migration1Tables {
					assertTableExists(t, true, db, table)
				}
				assertColumnExists(t, true, db, "job_queue_batch", "aggregator_id")
				assertColumnExists(t, true, db, "job_queue_batch_file", "checksum")
			},
		},
		{
			"Add que_jobs",
			func(t *testing.T) {
				runMigration(t, m, 2)
				assertTableExists(t, true, db, "que_jobs")
			},
		},
		{
			"Remove que_jobs",
			func(t *testing.T) {
				runMigration(t, m, 1)
				assertTableExists(t, false, db, "que_jobs")
			},
		},
		{
			"Revert initial schema",
			func(t *testing.T) {
				assert.NoError(t, m.Down())
				for _, table := range migration1Tables {
					assertTableExists(t, false, db, table)
				}
			},
		},
	}

	for _, tt := range tests {
		s.T().Run(tt.name, tt.tFunc)
	}
}

func runMigration(t *testing.T, m *migrate.Migrate, version uint) {
	if err := m.Migrate(version); err != nil {
		t.Errorf("Failed to run migration %s", err.Error())
	}

	actual, dirty, err := m.Version()
	assert.NoError(t, err)
	assert.Equal(t, version, actual)
	assert.False(t, dirty)
}

func assertColumnExists(t *testing.T, shouldExist bool, db *sql.DB, tableName, columnName string) {
	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(1)").From("information_schema.columns ")
	sb.Where(sb.Equal("table_name", tableName), sb.Equal("column_name", columnName))
	query, args := sb.Build()
	var count int
	assert.NoError(t, db.QueryRow(query, args...).Scan(&count))

	var expected int
	if shouldExist {
		expected = 1
	}
	assert.Equal(t, expected, count)
}

func assertTableExists(t *testing.T, shouldExist bool, db *sql.DB, tableName string) {
	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(1)").From("information_schema.tables ")
	sb.Where(sb.Equal("table_name", tableName))
	query, args := sb.Build()
	var count int
	assert.NoError(t, db.QueryRow(query, args...).Scan(&count))

	var expected int
	if shouldExist {
		expected = 1
	}
	assert.Equal(t, expected, count)
}
