package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCounterCount(t *testing.T) {
	var c TokenCounter
	assert.Zero(t, c.Count(""))
	assert.Positive(t, c.Count("build me a landing page with a hero section"))
}

func TestValidateMessageSize(t *testing.T) {
	var c TokenCounter

	require.NoError(t, c.ValidateMessageSize("short prompt"))

	// Far over the limit under either the real encoding or the fallback
	// estimate.
	huge := strings.Repeat("lorem ipsum dolor sit amet ", 10000)
	err := c.ValidateMessageSize(huge)
	require.ErrorContains(t, err, "too long")
}
