package config

import (
	"fmt"
	"os"
)

// EngineConfig configures the agent engine's LLM access.
type EngineConfig struct {
	// OpenRouterAPIKey is the system key used for non-BYOK accounts.
	OpenRouterAPIKey string

	// OpenRouterBaseURL is the OpenAI-compatible endpoint.
	OpenRouterBaseURL string

	// DefaultModel is used when a start request names no model.
	DefaultModel string

	// MaxIterations bounds the LLM/tool loop per run.
	MaxIterations int
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		OpenRouterBaseURL: "https://openrouter.ai/api/v1",
		DefaultModel:      "anthropic/claude-3.5-sonnet",
		MaxIterations:     15,
	}
}

// LoadEngineConfigFromEnv reads engine overrides from the environment.
// OPENROUTER_API_KEY may be empty when every account brings its own key;
// the resolver fails per-request in that case rather than at startup.
func LoadEngineConfigFromEnv() (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	cfg.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" {
		cfg.OpenRouterBaseURL = v
	}
	if v := os.Getenv("MODEL_TO_USE"); v != "" {
		cfg.DefaultModel = v
	}
	if err := readIntEnv("AGENT_MAX_ITERATIONS", &cfg.MaxIterations); err != nil {
		return nil, err
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("invalid AGENT_MAX_ITERATIONS: must be >= 1")
	}
	return cfg, nil
}
