package postgres

import (
	"context"
	"database/sql"

	"github.com/CMSgov/dpc-app/dpcqueue/repository"
	"github.com/CMSgov/dpc-app/log"
	"github.com/pkg/errors"
)

var _ repository.Store = &Store{}

// Store is the transactional job queue store backed by Postgres.
type Store struct {
	*Repository
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{NewRepository(db), db}
}

func (s *Store) WithTx(ctx context.Context, fn func(repository.Repository) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}

	defer func() {
		if err != nil {
			if err1 := tx.Rollback(); err1 != nil {
				log.Queue.Warnf("Failed to rollback transaction %s", err1.Error())
			}
		}
	}()

	if err = fn(NewRepositoryTx(tx)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}
