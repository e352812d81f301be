// Package config provides configuration loading and management for the
// storage daemons. The provider daemon is configured from environment
// variables; the auto-sync supervisor reads a JSON config file kept next to
// the dashboard configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package
// initialization. godotenv.Load() does not override already-set variables,
// preserving OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds gitignored local overrides
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the storage provider
// daemon.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	DeviceID    string // This provider's device ID
	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory store
	NATSURL     string // NATS server URL
	StorageDir  string // Directory for on-disk replica files
	MetricsAddr string // Listen address for the metrics/health endpoint

	// S3-compatible replica blob store; empty endpoint selects disk storage
	S3Endpoint  string // S3 endpoint URL
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket for replica blobs
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	// Serve authorization
	ServeTokenSecret string // HS256 secret for serve tokens; empty disables auth

	// Registry sweep
	HeartbeatTimeoutMinutes int // Heartbeats older than this flip devices offline
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv              = "dev"
	defaultStorageDir       = ".sovereign_storage"
	defaultMetricsAddr      = ":9090"
	defaultS3Region         = "us-east-1"
	defaultHeartbeatTimeout = 5
)

// Load reads environment variables and produces a Config suitable for
// wiring the provider daemon. It returns an error if required parameters
// are missing.
func Load() (Config, error) {
	cfg := Config{
		Env:                     getEnv("STORAGE_ENV", defaultEnv),
		DeviceID:                os.Getenv("STORAGE_DEVICE_ID"),
		DatabaseDSN:             os.Getenv("STORAGE_DB_DSN"),
		NATSURL:                 os.Getenv("STORAGE_NATS_URL"),
		StorageDir:              getEnv("STORAGE_DIR", defaultStorageDir),
		MetricsAddr:             getEnv("STORAGE_METRICS_ADDR", defaultMetricsAddr),
		S3Endpoint:              os.Getenv("STORAGE_S3_ENDPOINT"),
		S3Region:                getEnv("STORAGE_S3_REGION", defaultS3Region),
		S3Bucket:                os.Getenv("STORAGE_S3_BUCKET"),
		S3AccessKey:             os.Getenv("STORAGE_S3_ACCESS_KEY"),
		S3SecretKey:             os.Getenv("STORAGE_S3_SECRET_KEY"),
		ServeTokenSecret:        os.Getenv("STORAGE_SERVE_TOKEN_SECRET"),
		HeartbeatTimeoutMinutes: defaultHeartbeatTimeout,
	}

	if v, exists := os.LookupEnv("STORAGE_HEARTBEAT_TIMEOUT_MINUTES"); exists {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("STORAGE_HEARTBEAT_TIMEOUT_MINUTES must be a positive integer, got %q", v)
		}
		cfg.HeartbeatTimeoutMinutes = n
	}

	if cfg.DeviceID == "" {
		return cfg, fmt.Errorf("STORAGE_DEVICE_ID is required")
	}
	if cfg.NATSURL == "" {
		return cfg, fmt.Errorf("STORAGE_NATS_URL is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if
// not set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// SyncConfig is the configuration surface consumed by the auto-sync
// supervisor. It mirrors the dashboard's sovereign-sync.json file.
type SyncConfig struct {
	Enabled             bool   `json:"enabled"`               // Hard stop when false: no connection attempted
	DatabasePath        string `json:"database_path"`         // Local store file to replicate
	DeviceID            string `json:"device_id"`             // This device's ID
	ProviderDeviceID    string `json:"provider_device_id"`    // Target storage provider device ID
	EncryptionPassword  string `json:"encryption_password"`   // Passphrase the symmetric key derives from
	SyncIntervalMinutes int    `json:"sync_interval_minutes"` // Interval between sync cycles
	NATSURL             string `json:"nats_url"`              // Channel URL
}

// DefaultSyncConfigPath is where the supervisor looks for its config when
// no path is given.
func DefaultSyncConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sovereign-sync.json"
	}
	return filepath.Join(home, ".config", "pcg-dashboard", "sovereign-sync.json")
}

// LoadSync reads the supervisor configuration from a JSON file. A missing
// file is reported as an error; the supervisor does not fabricate a config.
func LoadSync(path string) (SyncConfig, error) {
	var cfg SyncConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read sync config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse sync config: %w", err)
	}

	if cfg.SyncIntervalMinutes <= 0 {
		cfg.SyncIntervalMinutes = 5
	}
	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://127.0.0.1:4222"
	}

	return cfg, nil
}

// Validate checks that every field required for a sync run is present.
// Validation failures are reported before any network activity.
func (c SyncConfig) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("missing required config field: database_path")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("missing required config field: device_id")
	}
	if c.ProviderDeviceID == "" {
		return fmt.Errorf("missing required config field: provider_device_id")
	}
	if c.EncryptionPassword == "" {
		return fmt.Errorf("missing required config field: encryption_password")
	}
	if _, err := os.Stat(c.DatabasePath); err != nil {
		return fmt.Errorf("database not found: %s", c.DatabasePath)
	}
	return nil
}
