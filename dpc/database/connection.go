package database

import (
	"database/sql"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Variable substitution to support testing.
var LogFatal = log.Fatal

// Connection opens a pool against databaseURL and verifies it with a ping.
// Failures are fatal.
func Connection(cfg *Config) *sql.DB {
	db, err := Open(cfg.DatabaseURL, cfg)
	if err != nil {
		LogFatal(err)
		return nil
	}
	if err := db.Ping(); err != nil {
		LogFatal(err)
		return nil
	}
	return db
}

func Open(databaseURL string, cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}
	configure(db, cfg)
	return db, nil
}

func configure(db *sql.DB, cfg *Config) {
	if cfg == nil {
		return
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMin) * time.Minute)
}

// Migrate applies every pending migration found at cfg.MigrationsPath.
// It is a no-op when the schema is already current.
func Migrate(cfg *Config) error {
	m, err := migrate.New(cfg.MigrationsPath, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "could not load migrations")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "could not apply migrations")
	}
	return nil
}
