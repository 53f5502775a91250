package sandbox

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds sandbox provider and pool settings.
type Config struct {
	// ServerURL and APIKey address the sandbox provider API.
	ServerURL string
	APIKey    string

	// WebSnapshot and MobileSnapshot name the provider snapshots used to
	// create sandboxes per app type.
	WebSnapshot    string
	MobileSnapshot string

	// MinWarmPerType is the warm-pool floor maintained per app type.
	MinWarmPerType int

	// MaxTotal caps the total number of sandboxes this deployment manages.
	MaxTotal int

	// MaxIdleTime releases a user's sandbox after this long without use.
	MaxIdleTime time.Duration

	// MaxSessionTime bounds one continuous user session on a sandbox.
	MaxSessionTime time.Duration

	// CleanupInterval is the cadence of the background maintenance loop.
	CleanupInterval time.Duration

	// ScaleThreshold is the utilization above which the warm pool scales up.
	ScaleThreshold float64

	// CreateTimeout bounds one sandbox creation attempt.
	CreateTimeout time.Duration

	// ReadyTimeout bounds the readiness polling loop in EnsureRunning.
	ReadyTimeout time.Duration
}

// DefaultConfig returns the built-in pool defaults.
func DefaultConfig() Config {
	return Config{
		WebSnapshot:     "strand-web",
		MobileSnapshot:  "strand-mobile",
		MinWarmPerType:  2,
		MaxTotal:        50,
		MaxIdleTime:     30 * time.Minute,
		MaxSessionTime:  2 * time.Hour,
		CleanupInterval: 5 * time.Minute,
		ScaleThreshold:  0.8,
		CreateTimeout:   300 * time.Second,
		ReadyTimeout:    30 * time.Second,
	}
}

// LoadConfigFromEnv loads sandbox configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.ServerURL = os.Getenv("DAYTONA_SERVER_URL")
	if cfg.ServerURL == "" {
		return Config{}, fmt.Errorf("DAYTONA_SERVER_URL is required")
	}
	cfg.APIKey = os.Getenv("DAYTONA_API_KEY")
	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("DAYTONA_API_KEY is required")
	}

	if v := os.Getenv("SANDBOX_SNAPSHOT_NAME"); v != "" {
		cfg.WebSnapshot = v
	}
	if v := os.Getenv("MOBILE_SANDBOX_SNAPSHOT_NAME"); v != "" {
		cfg.MobileSnapshot = v
	}
	if v := os.Getenv("SANDBOX_MIN_WARM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SANDBOX_MIN_WARM: %w", err)
		}
		cfg.MinWarmPerType = n
	}
	if v := os.Getenv("SANDBOX_MAX_TOTAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SANDBOX_MAX_TOTAL: %w", err)
		}
		cfg.MaxTotal = n
	}
	if v := os.Getenv("SANDBOX_MAX_IDLE_TIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SANDBOX_MAX_IDLE_TIME: %w", err)
		}
		cfg.MaxIdleTime = d
	}
	if v := os.Getenv("SANDBOX_CLEANUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SANDBOX_CLEANUP_INTERVAL: %w", err)
		}
		cfg.CleanupInterval = d
	}

	return cfg, nil
}
