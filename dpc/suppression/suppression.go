// Package suppression decides whether a patient has opted out of data sharing.
package suppression

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/CMSgov/dpc-app/log"
	"github.com/huandu/go-sqlbuilder"
	"github.com/pkg/errors"
)

const sqlFlavor = sqlbuilder.PostgreSQL

type Engine interface {
	IsSuppressed(ctx context.Context, patientID string) (bool, error)
}

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type Config struct {
	LookbackDays int           `conf:"DPC_SUPPRESSION_LOOKBACK_DAYS" conf_default:"540"`
	CacheTTL     time.Duration `conf:"DPC_SUPPRESSION_CACHE_TTL" conf_default:"5m"`
}

var _ Engine = &RepositoryEngine{}

// RepositoryEngine reads opt-outs from the suppressions table. The set of
// suppressed patients is cached for CacheTTL.
type RepositoryEngine struct {
	db  queryable
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	suppressed map[string]struct{}
	loadedAt   time.Time
}

func NewRepositoryEngine(db *sql.DB, cfg Config) *RepositoryEngine {
	return &RepositoryEngine{db: db, cfg: cfg, now: time.Now}
}

func (e *RepositoryEngine) IsSuppressed(ctx context.Context, patientID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.suppressed == nil || e.now().Sub(e.loadedAt) >= e.cfg.CacheTTL {
		ids, err := e.GetSuppressedPatients(ctx)
		if err != nil {
			return false, err
		}
		e.suppressed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			e.suppressed[id] = struct{}{}
		}
		e.loadedAt = e.now()
		log.Worker.Debugf("Loaded %d suppressed patients", len(ids))
	}

	_, ok := e.suppressed[patientID]
	return ok, nil
}

// GetSuppressedPatients returns the patients whose latest preference within
// the lookback window is an opt-out.
func (e *RepositoryEngine) GetSuppressedPatients(ctx context.Context) ([]string, error) {
	subSB := sqlFlavor.NewSelectBuilder()
	subSB.Select("patient_id", "MAX(effective_date) as max_date").From("suppressions")
	subSB.Where(
		subSB.Between("effective_date", sqlbuilder.Raw(fmt.Sprintf("NOW() - interval '%d days'", e.cfg.LookbackDays)), sqlbuilder.Raw("NOW()")),
		subSB.NotEqual("preference_indicator", ""),
	).GroupBy("patient_id")

	sb := sqlFlavor.NewSelectBuilder().Distinct().Select("s.patient_id")
	sb.From(sb.BuilderAs(subSB, "h")).Join("suppressions s", "s.patient_id = h.patient_id", "s.effective_date = h.max_date")
	sb.Where(sb.Equal("preference_indicator", "N"))

	query, args := sb.Build()
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query suppressions")
	}
	defer rows.Close()

	var patients []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		patients = append(patients, id)
	}
	return patients, rows.Err()
}

var _ Engine = StaticEngine{}

// StaticEngine suppresses a fixed set of patients.
type StaticEngine map[string]bool

func NewStaticEngine(patientIDs ...string) StaticEngine {
	e := StaticEngine{}
	for _, id := range patientIDs {
		e[id] = true
	}
	return e
}

func (e StaticEngine) IsSuppressed(ctx context.Context, patientID string) (bool, error) {
	return e[patientID], nil
}
