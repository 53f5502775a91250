package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "anthropic/claude-3.5-sonnet", want: "claude-3.5-sonnet"},
		{in: "claude-3-5-sonnet-20241022", want: "claude-3.5-sonnet"},
		{in: "openai/gpt-4o", want: "gpt-4o"},
		{in: "google/gemini-2.5-pro", want: "gemini-2.5-pro"},
		{in: "someprovider/gpt-4o", want: "gpt-4o"},
		{in: "unknown/mystery-model", want: "unknown/mystery-model"},
		{in: "gpt-4o", want: "gpt-4o"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeModel(tt.in))
		})
	}
}

func TestEstimateCost(t *testing.T) {
	// 1000 prompt + 1000 completion tokens of claude-3.5-sonnet:
	// 0.003 + 0.015 = 0.018 USD.
	assert.InDelta(t, 0.018, EstimateCost("anthropic/claude-3.5-sonnet", 1000, 1000), 1e-9)

	// Unknown models fall back to the default entry: 0.002 + 0.006.
	assert.InDelta(t, 0.008, EstimateCost("mystery", 1000, 1000), 1e-9)

	// Rounded to 6 decimals.
	assert.Equal(t, 0.000021, EstimateCost("anthropic/claude-3.5-sonnet", 7, 0))
}

func TestEstimateCostZeroTokens(t *testing.T) {
	assert.Zero(t, EstimateCost("gpt-4o", 0, 0))
}
