package database

import (
	"errors"

	"github.com/CMSgov/dpc-app/conf"
	"github.com/CMSgov/dpc-app/log"
)

type Config struct {
	MaxOpenConns       int `conf:"DPC_DB_MAX_OPEN_CONNS" conf_default:"20"`
	MaxIdleConns       int `conf:"DPC_DB_MAX_IDLE_CONNS" conf_default:"10"`
	ConnMaxLifetimeMin int `conf:"DPC_DB_CONN_MAX_LIFETIME_MIN" conf_default:"5"`

	DatabaseURL      string `conf:"DATABASE_URL"`
	QueueDatabaseURL string `conf:"QUEUE_DATABASE_URL"`

	MigrationsPath string `conf:"DPC_MIGRATIONS_PATH" conf_default:"file://db/migrations/dpc_queue/"`
}

func LoadConfig() (cfg *Config, err error) {
	cfg = &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("invalid config, DatabaseURL must be set")
	}
	if cfg.QueueDatabaseURL == "" {
		cfg.QueueDatabaseURL = cfg.DatabaseURL
	}

	log.Queue.Info("Successfully loaded configuration for Database.")

	return cfg, nil
}
