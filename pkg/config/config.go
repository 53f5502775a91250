// Package config holds application-level configuration loaded from the
// environment. Infrastructure packages (database, coordination, sandbox)
// own their connection configs; this package carries everything else.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object constructed once at startup
// and passed down the call graph.
type Config struct {
	// HTTPPort is the listen port for the API server.
	HTTPPort string

	// InstanceID identifies this replica in lock values, liveness keys and
	// instance-targeted control channels.
	InstanceID string

	// AdminAPIKey guards the admin endpoints. Empty disables them.
	AdminAPIKey string

	Queue  *QueueConfig
	Engine *EngineConfig
}

// Load reads the full application configuration from the environment.
func Load() (*Config, error) {
	queue, err := LoadQueueConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue config: %w", err)
	}
	engine, err := LoadEngineConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load engine config: %w", err)
	}
	return &Config{
		HTTPPort:    getEnvOrDefault("HTTP_PORT", "8080"),
		InstanceID:  resolveInstanceID(),
		AdminAPIKey: os.Getenv("ADMIN_API_KEY"),
		Queue:       queue,
		Engine:      engine,
	}, nil
}

// resolveInstanceID determines the replica identifier for multi-instance
// coordination. Priority: INSTANCE_ID env > HOSTNAME env > "local".
func resolveInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func readIntEnv(key string, dst *int) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func readDurationEnv(key string, dst *time.Duration) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
