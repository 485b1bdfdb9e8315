package vitalsync

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures the vitalsync client.
type Config struct {
	// DBPath is the path to the local SQLite tracking database.
	DBPath string

	// CachePath is the path to the key-value cache database.
	// Defaults to cache.db next to DBPath.
	CachePath string

	// BaseURL is the URL of the tracking data service.
	// If empty, the client operates in offline-only mode.
	BaseURL string

	// APIKey authenticates with the tracking data service.
	APIKey string

	// Mode selects how connectivity is interpreted; strict requires
	// confirmed internet reachability. Defaults to strict.
	Mode ReachabilityMode

	// ProbeEndpoint is the generate-204 style reachability check target.
	ProbeEndpoint string

	// ProbeInterval is how often connectivity is re-checked.
	// Defaults to 15 seconds.
	ProbeInterval time.Duration

	// MaxRetries is the transient-failure budget per queue entry.
	// Defaults to 5.
	MaxRetries int

	// RetryBaseDelay seeds the exponential retry backoff. Defaults to 1s.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the retry backoff. Defaults to 1 minute.
	RetryMaxDelay time.Duration

	// BatchSize bounds entries drained between inter-batch pauses.
	// Defaults to 10.
	BatchSize int

	// BatchDelay is the pause between queue batches. Defaults to 200ms.
	BatchDelay time.Duration

	// SkipExpensiveSync defers automatic drains on metered connections.
	SkipExpensiveSync bool

	// RetentionWindow is the age past which synced records are purged.
	// Defaults to 90 days.
	RetentionWindow time.Duration

	// CleanupInterval is how often the retention job runs. Defaults to 24h.
	CleanupInterval time.Duration

	// SyncInterval is the background periodic drain cadence. Defaults to
	// 5 minutes.
	SyncInterval time.Duration

	// DisableAutoSync turns off the background periodic drain. Auto-sync
	// is on by default; one-shot hosts set this to skip the ticker.
	DisableAutoSync bool

	// Logger receives structured logs. Defaults to a discard logger so
	// library embedding stays quiet.
	Logger *logrus.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(defaultDataDir(), "vitalsync.db"),
		Mode:            ModeStrict,
		ProbeEndpoint:   "http://connectivitycheck.gstatic.com/generate_204",
		ProbeInterval:   15 * time.Second,
		MaxRetries:      5,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   time.Minute,
		BatchSize:       10,
		BatchDelay:      200 * time.Millisecond,
		RetentionWindow: 90 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
		SyncInterval:    5 * time.Minute,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	VITALSYNC_DB_PATH     → DBPath
//	VITALSYNC_CACHE_PATH  → CachePath
//	VITALSYNC_API_URL     → BaseURL
//	VITALSYNC_API_KEY     → APIKey
//	VITALSYNC_DEV_MODE    → Mode=development (any non-empty value)
func ConfigFromEnv() Config {
	cfg := Config{
		DBPath:    os.Getenv("VITALSYNC_DB_PATH"),
		CachePath: os.Getenv("VITALSYNC_CACHE_PATH"),
		BaseURL:   os.Getenv("VITALSYNC_API_URL"),
		APIKey:    os.Getenv("VITALSYNC_API_KEY"),
	}
	if os.Getenv("VITALSYNC_DEV_MODE") != "" {
		cfg.Mode = ModeDevelopment
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return &ValidationError{Field: "DBPath", Message: "required: path to SQLite database"}
	}
	if c.BaseURL != "" && c.APIKey == "" {
		return &ValidationError{Field: "APIKey", Message: "required when BaseURL is set"}
	}
	if c.MaxRetries < 0 {
		return &ValidationError{Field: "MaxRetries", Message: "must be non-negative"}
	}
	if c.RetentionWindow < 0 {
		return &ValidationError{Field: "RetentionWindow", Message: "must be non-negative"}
	}
	if c.Mode != "" && c.Mode != ModeStrict && c.Mode != ModeDevelopment {
		return &ValidationError{Field: "Mode", Message: "must be strict or development"}
	}
	return nil
}

// IsOffline returns true if the client operates in offline-only mode.
// Offline mode is determined by BaseURL being empty.
func (c *Config) IsOffline() bool {
	return c.BaseURL == ""
}

// WithDefaults fills in default values for unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.DBPath == "" {
		c.DBPath = defaults.DBPath
	}
	if c.CachePath == "" {
		c.CachePath = filepath.Join(filepath.Dir(c.DBPath), "cache.db")
	}
	if c.Mode == "" {
		c.Mode = defaults.Mode
	}
	if c.ProbeEndpoint == "" {
		c.ProbeEndpoint = defaults.ProbeEndpoint
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = defaults.ProbeInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = defaults.BatchDelay
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = defaults.RetentionWindow
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = defaults.CleanupInterval
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	return c
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, "data")
	}
	return filepath.Join(home, ".vitalsync")
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
