// Package engine drives one agent run: it streams chat completions from
// OpenRouter, executes the closed tool set against the run's sandbox, and
// emits stream items for the executor to fan out.
package engine

import (
	"context"

	"github.com/strandlabs/strand/pkg/billing"
	"github.com/strandlabs/strand/pkg/models"
)

// RunInput is everything a runner needs to drive one run.
type RunInput struct {
	RunID           string
	ThreadID        string
	ProjectID       string
	AccountID       string
	SandboxID       string
	AppType         models.AppType
	Model           string
	EnableThinking  bool
	ReasoningEffort string
}

// Runner produces the stream of items for one run. The channel is closed when
// the run is finished; cancelling ctx stops the runner. The executor treats
// the runner as a generator and never blocks it on delivery.
type Runner interface {
	Run(ctx context.Context, input RunInput) (<-chan models.StreamItem, error)
}

// MessageStore is the slice of the message service the runner depends on.
type MessageStore interface {
	CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error)
	ListThreadMessages(ctx context.Context, threadID string, llmOnly bool) ([]*models.Message, error)
}

// UsageLedger debits actual LLM usage after each completion.
type UsageLedger interface {
	ConsumeTokens(ctx context.Context, req billing.ConsumeRequest) (*billing.ConsumeResult, error)
}

// KeyResolver resolves the upstream API key for an account and reacts to
// upstream auth failures on BYOK keys.
type KeyResolver interface {
	ResolveAPIKey(ctx context.Context, accountID string) (key string, isBYOK bool, err error)
	HandleUpstreamAuthFailure(ctx context.Context, accountID string) error
}
