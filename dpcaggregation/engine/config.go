package engine

import (
	"time"

	"github.com/CMSgov/dpc-app/conf"
	"github.com/pkg/errors"
)

// OperationsConfig controls how an Engine polls, retries and partitions output.
type OperationsConfig struct {
	ResourcesPerFile int           `conf:"DPC_RESOURCES_PER_FILE" conf_default:"1000"`
	RetryCount       int           `conf:"DPC_RETRY_COUNT" conf_default:"3"`
	RetryInterval    time.Duration `conf:"DPC_RETRY_INTERVAL" conf_default:"250ms"`
	PollingFrequency time.Duration `conf:"DPC_POLLING_FREQUENCY" conf_default:"500ms"`
	HealthFreshness  time.Duration `conf:"DPC_HEALTH_FRESHNESS" conf_default:"2m"`

	ExportPath     string `conf:"DPC_EXPORT_PATH" conf_default:"/tmp/dpc/export"`
	ExportS3Bucket string `conf:"DPC_EXPORT_S3_BUCKET"`

	// Non-empty values publish the queue size to CloudWatch.
	DeploymentTarget string `conf:"DEPLOYMENT_TARGET"`
}

func LoadConfig() (*OperationsConfig, error) {
	cfg := &OperationsConfig{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, errors.Wrap(err, "could not load operations config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *OperationsConfig) validate() error {
	switch {
	case c.ResourcesPerFile < 1:
		return errors.New("invalid config, DPC_RESOURCES_PER_FILE must be at least 1")
	case c.RetryCount < 0:
		return errors.New("invalid config, DPC_RETRY_COUNT must not be negative")
	case c.PollingFrequency <= 0:
		return errors.New("invalid config, DPC_POLLING_FREQUENCY must be positive")
	case c.HealthFreshness <= 0:
		return errors.New("invalid config, DPC_HEALTH_FRESHNESS must be positive")
	}
	return nil
}
