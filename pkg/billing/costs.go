package billing

import (
	"math"
	"strings"
)

// ModelCost is the built-in price per 1K tokens in USD, used when no real
// upstream price is known.
type ModelCost struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// defaultModelCost applies to models absent from the table.
var defaultModelCost = ModelCost{PromptPer1K: 0.002, CompletionPer1K: 0.006}

var modelCosts = map[string]ModelCost{
	"gemini-2.5-pro":    {PromptPer1K: 0.0025, CompletionPer1K: 0.0075},
	"claude-3.5-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"gpt-4o":            {PromptPer1K: 0.005, CompletionPer1K: 0.015},
}

// modelAliases normalizes the model names clients send (provider-prefixed or
// versioned) onto cost-table keys.
var modelAliases = map[string]string{
	"google/gemini-2.5-pro":          "gemini-2.5-pro",
	"google/gemini-2.5-pro-preview":  "gemini-2.5-pro",
	"anthropic/claude-3.5-sonnet":    "claude-3.5-sonnet",
	"anthropic/claude-3-5-sonnet":    "claude-3.5-sonnet",
	"claude-3-5-sonnet-20241022":     "claude-3.5-sonnet",
	"openai/gpt-4o":                  "gpt-4o",
	"openai/gpt-4o-2024-08-06":       "gpt-4o",
}

// NormalizeModel maps a client-supplied model name onto a cost-table key.
// Unrecognized names pass through unchanged (they fall back to the default
// cost entry).
func NormalizeModel(model string) string {
	if alias, ok := modelAliases[model]; ok {
		return alias
	}
	// Strip a provider prefix and retry, so new provider routes of known
	// models still price correctly.
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		if _, ok := modelCosts[model[idx+1:]]; ok {
			return model[idx+1:]
		}
	}
	return model
}

// EstimateCost computes the estimated USD cost of one invocation from the
// built-in table, rounded to 6 decimals.
func EstimateCost(model string, promptTokens, completionTokens int64) float64 {
	cost, ok := modelCosts[NormalizeModel(model)]
	if !ok {
		cost = defaultModelCost
	}
	usd := float64(promptTokens)/1000*cost.PromptPer1K +
		float64(completionTokens)/1000*cost.CompletionPer1K
	return math.Round(usd*1e6) / 1e6
}
