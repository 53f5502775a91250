package config

import "time"

// QueueConfig contains dispatch queue and worker pool configuration.
// These values control how queued runs are consumed and executed.
type QueueConfig struct {
	// WorkerCount is the number of executor goroutines per replica.
	// Each worker independently consumes from the shared dispatch sink.
	WorkerCount int

	// StreamName is the dispatch stream carrying run work items.
	StreamName string

	// SinkName is the shared consumer group; every replica joins the same
	// sink so each work item is delivered to exactly one live worker.
	SinkName string

	// RunTimeout is the maximum wall-clock time one run may execute.
	RunTimeout time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight runs
	// to finish during shutdown.
	GracefulShutdownTimeout time.Duration

	// SweepInterval is how often the stuck-run sweeper scans for durable
	// rows left in running with no live lock.
	SweepInterval time.Duration

	// ActiveRunRefreshEvery is the stream-item cadence for refreshing the
	// active_run liveness key TTL.
	ActiveRunRefreshEvery int
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		StreamName:              "strand-dispatch",
		SinkName:                "workers",
		RunTimeout:              30 * time.Minute,
		GracefulShutdownTimeout: 10 * time.Minute,
		SweepInterval:           60 * time.Second,
		ActiveRunRefreshEvery:   50,
	}
}

// LoadQueueConfigFromEnv reads queue overrides from the environment on top
// of the defaults.
func LoadQueueConfigFromEnv() (*QueueConfig, error) {
	cfg := DefaultQueueConfig()
	if err := readIntEnv("WORKER_COUNT", &cfg.WorkerCount); err != nil {
		return nil, err
	}
	if err := readDurationEnv("RUN_TIMEOUT", &cfg.RunTimeout); err != nil {
		return nil, err
	}
	if err := readDurationEnv("GRACEFUL_SHUTDOWN_TIMEOUT", &cfg.GracefulShutdownTimeout); err != nil {
		return nil, err
	}
	if v := getEnvOrDefault("DISPATCH_STREAM", ""); v != "" {
		cfg.StreamName = v
	}
	return cfg, nil
}
