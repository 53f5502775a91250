package coordination

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds coordination store connection settings.
type Config struct {
	// URL is the Redis connection string (redis://[:password@]host:port/db).
	URL string

	// KeyTTL is the default expiry applied to every key the core creates.
	KeyTTL time.Duration
}

// DefaultConfig returns the built-in coordination defaults.
func DefaultConfig() Config {
	return Config{
		KeyTTL: 24 * time.Hour,
	}
}

// LoadConfigFromEnv loads coordination store configuration from environment
// variables. REDIS_URL is required.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.URL = os.Getenv("REDIS_URL")
	if cfg.URL == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required")
	}

	if v := os.Getenv("REDIS_KEY_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_KEY_TTL: %w", err)
		}
		cfg.KeyTTL = ttl
	}

	return cfg, nil
}

// redisOptions parses the URL into go-redis options.
func (c Config) redisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return opts, nil
}
