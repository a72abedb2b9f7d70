// Package config loads server configuration from 12-factor environment
// variables, optionally layered under a YAML file named by MOTIVATE_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Owner is the platform owner address that may claim stakes after a
	// promise's deadline.
	Owner           string
	VerifierCleanup string

	// Secret is the root secret token and webhook keys are derived from.
	Secret string

	DataDir          string
	DatabaseURL      string
	SnapshotBackend  string
	SnapshotInterval time.Duration
	SnapshotKeep     int
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3Prefix         string
	GCSBucket        string

	RedisURL     string
	PayoutURL    string
	PayoutToken  string
	OTLPEndpoint string

	ConfigFile string
	File       FileConfig
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:            getenv("PORT", "8080"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		Owner:           getenv("MOTIVATE_OWNER", "platform"),
		VerifierCleanup: getenv("MOTIVATE_VERIFIER_CLEANUP", "verifier"),
		Secret:          os.Getenv("MOTIVATE_SECRET"),
		DataDir:         getenv("DATA_DIR", "data"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SnapshotKeep:    getint("SNAPSHOT_KEEP", 20),
		S3Bucket:        os.Getenv("SNAPSHOT_S3_BUCKET"),
		S3Region:        getenv("SNAPSHOT_S3_REGION", getenv("AWS_REGION", "us-east-1")),
		S3Endpoint:      os.Getenv("SNAPSHOT_S3_ENDPOINT"),
		S3Prefix:        os.Getenv("SNAPSHOT_S3_PREFIX"),
		GCSBucket:       os.Getenv("SNAPSHOT_GCS_BUCKET"),
		RedisURL:        os.Getenv("REDIS_URL"),
		PayoutURL:       os.Getenv("PAYOUT_URL"),
		PayoutToken:     os.Getenv("PAYOUT_TOKEN"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ConfigFile:      os.Getenv("MOTIVATE_CONFIG"),
	}

	interval, err := time.ParseDuration(getenv("SNAPSHOT_INTERVAL", "30s"))
	if err != nil {
		interval = 30 * time.Second
	}
	cfg.SnapshotInterval = interval

	cfg.SnapshotBackend = os.Getenv("SNAPSHOT_BACKEND")
	if cfg.SnapshotBackend == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.SnapshotBackend = "postgres"
		case cfg.S3Bucket != "":
			cfg.SnapshotBackend = "s3"
		case cfg.GCSBucket != "":
			cfg.SnapshotBackend = "gcs"
		default:
			// Lite mode
			cfg.SnapshotBackend = "sqlite"
		}
	}

	cfg.File = defaultFileConfig()
	return cfg
}

// LoadAll loads the environment and, when MOTIVATE_CONFIG is set, the YAML
// file it names.
func LoadAll() (*Config, error) {
	cfg := Load()
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	fc, err := LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfg.File = *fc
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Owner == "" {
		return fmt.Errorf("MOTIVATE_OWNER must not be empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT %q: %w", c.Port, err)
	}
	if c.SnapshotBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for postgres snapshots")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
