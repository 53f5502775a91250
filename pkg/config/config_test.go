package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadQueueConfigFromEnv(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		wantErr     bool
		errContains string
		check       func(t *testing.T, cfg *QueueConfig)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *QueueConfig) {
				assert.Equal(t, 5, cfg.WorkerCount)
				assert.Equal(t, "strand-dispatch", cfg.StreamName)
				assert.Equal(t, "workers", cfg.SinkName)
				assert.Equal(t, 60*time.Second, cfg.SweepInterval)
				assert.Equal(t, 50, cfg.ActiveRunRefreshEvery)
			},
		},
		{
			name: "custom values",
			envVars: map[string]string{
				"WORKER_COUNT":    "12",
				"RUN_TIMEOUT":     "1h",
				"DISPATCH_STREAM": "dispatch-test",
			},
			check: func(t *testing.T, cfg *QueueConfig) {
				assert.Equal(t, 12, cfg.WorkerCount)
				assert.Equal(t, time.Hour, cfg.RunTimeout)
				assert.Equal(t, "dispatch-test", cfg.StreamName)
			},
		},
		{
			name:        "invalid WORKER_COUNT",
			envVars:     map[string]string{"WORKER_COUNT": "lots"},
			wantErr:     true,
			errContains: "invalid WORKER_COUNT",
		},
		{
			name:        "invalid RUN_TIMEOUT",
			envVars:     map[string]string{"RUN_TIMEOUT": "soon"},
			wantErr:     true,
			errContains: "invalid RUN_TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, val := range tt.envVars {
				t.Setenv(key, val)
			}

			cfg, err := LoadQueueConfigFromEnv()
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadEngineConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadEngineConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "https://openrouter.ai/api/v1", cfg.OpenRouterBaseURL)
		assert.Equal(t, 15, cfg.MaxIterations)
		assert.NotEmpty(t, cfg.DefaultModel)
	})

	t.Run("model override", func(t *testing.T) {
		t.Setenv("MODEL_TO_USE", "openai/gpt-4o")
		cfg, err := LoadEngineConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "openai/gpt-4o", cfg.DefaultModel)
	})

	t.Run("rejects non-positive iterations", func(t *testing.T) {
		t.Setenv("AGENT_MAX_ITERATIONS", "0")
		_, err := LoadEngineConfigFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AGENT_MAX_ITERATIONS")
	})
}

func TestResolveInstanceID(t *testing.T) {
	t.Setenv("INSTANCE_ID", "replica-7")
	t.Setenv("HOSTNAME", "pod-abc")
	assert.Equal(t, "replica-7", resolveInstanceID())

	t.Setenv("INSTANCE_ID", "")
	assert.Equal(t, "pod-abc", resolveInstanceID())

	t.Setenv("HOSTNAME", "")
	assert.Equal(t, "local", resolveInstanceID())
}
