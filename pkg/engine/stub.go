package engine

import (
	"context"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// StubRunner emits a scripted item sequence. Used by executor and dispatcher
// tests to exercise streaming semantics without an LLM.
type StubRunner struct {
	// Items are emitted in order.
	Items []models.StreamItem

	// Delay, when set, is slept before each item.
	Delay time.Duration

	// BlockAfter, when >= 0, blocks after emitting that many items until ctx
	// is cancelled. Models a hung upstream.
	BlockAfter int

	// Err, when set, is returned from Run immediately.
	Err error
}

// NewStubRunner returns a runner that emits the given items and finishes.
func NewStubRunner(items ...models.StreamItem) *StubRunner {
	return &StubRunner{Items: items, BlockAfter: -1}
}

// Run implements Runner.
func (s *StubRunner) Run(ctx context.Context, _ RunInput) (<-chan models.StreamItem, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(chan models.StreamItem)
	go func() {
		defer close(out)
		for i, item := range s.Items {
			if s.BlockAfter >= 0 && i == s.BlockAfter {
				<-ctx.Done()
				return
			}
			if s.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.Delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- item:
			}
		}
		if s.BlockAfter >= 0 && s.BlockAfter >= len(s.Items) {
			<-ctx.Done()
		}
	}()
	return out, nil
}
