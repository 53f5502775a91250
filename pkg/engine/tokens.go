package engine

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/strandlabs/strand/pkg/billing"
)

// TokenCounter counts message tokens with the cl100k_base encoding. The
// encoding load is expensive, so it is done once and shared.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// Count returns the token count of a text. A counter that failed to load its
// encoding falls back to a bytes/4 estimate rather than blocking runs.
func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
	})
	if c.err != nil || c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// ValidateMessageSize rejects messages over the per-message token ceiling.
func (c *TokenCounter) ValidateMessageSize(text string) error {
	if n := c.Count(text); n > billing.MaxTokensPerMessage {
		return fmt.Errorf("message is too long: %d tokens exceeds the %d token limit", n, billing.MaxTokensPerMessage)
	}
	return nil
}
