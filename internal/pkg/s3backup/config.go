package s3backup

import (
	"errors"
	"time"

	"github.com/ManuelReschke/PageBrief/internal/pkg/env"
)

// Config holds the ledger backup configuration.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Interval        time.Duration
	Enabled         bool
}

// LoadConfig reads the LEDGER_BACKUP_* variables. Backups are disabled when
// no bucket is configured.
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("LEDGER_BACKUP_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("LEDGER_BACKUP_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("LEDGER_BACKUP_REGION", "us-east-1"),
		BucketName:      env.GetEnv("LEDGER_BACKUP_BUCKET", ""),
		EndpointURL:     env.GetEnv("LEDGER_BACKUP_ENDPOINT_URL", ""),
		Prefix:          env.GetEnv("LEDGER_BACKUP_PREFIX", "ledger"),
		Interval:        env.GetEnvDuration("LEDGER_BACKUP_INTERVAL", 6*time.Hour),
	}
	config.Enabled = config.BucketName != ""

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("LEDGER_BACKUP_ACCESS_KEY_ID is required when LEDGER_BACKUP_BUCKET is set")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("LEDGER_BACKUP_SECRET_ACCESS_KEY is required when LEDGER_BACKUP_BUCKET is set")
		}
	}

	return config, nil
}

func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey returns <prefix>/YYYY/MM/DD/ledger-<unix>.json for a backup
// taken at t.
func (c *Config) ObjectKey(t time.Time) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "ledger"
	}
	t = t.UTC()
	return prefix + "/" + t.Format("2006/01/02") + "/ledger-" + t.Format("20060102T150405Z") + ".json"
}

// GetAppEnv returns the current application environment
func GetAppEnv() string {
	return env.GetEnv("APP_ENV", "dev")
}
