package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEscalator struct {
	mu      sync.Mutex
	failed  map[string]string
	stuck   bool
	lastErr error
}

func (s *stubEscalator) FailStuckRun(_ context.Context, runID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = make(map[string]string)
	}
	s.failed[runID] = reason
	return s.stuck, s.lastErr
}

func TestJanitorReapsStaleLocks(t *testing.T) {
	client, mr := newTestClient(t)
	esc := &stubEscalator{stuck: true}
	j := NewJanitor(client, esc)

	// One stale lock (acquired 10 minutes ago) and one fresh lock.
	mr.Set(RunLockKey("stale-run"), FormatLockValue("worker-dead", time.Now().Add(-10*time.Minute)))
	mr.Set(RunLockKey("fresh-run"), FormatLockValue("worker-live", time.Now()))

	j.sweep(context.Background())

	assert.False(t, mr.Exists(RunLockKey("stale-run")))
	assert.True(t, mr.Exists(RunLockKey("fresh-run")))

	esc.mu.Lock()
	defer esc.mu.Unlock()
	require.Contains(t, esc.failed, "stale-run")
	assert.NotContains(t, esc.failed, "fresh-run")
}

func TestJanitorSkipsUnparseableLocks(t *testing.T) {
	client, mr := newTestClient(t)
	esc := &stubEscalator{}
	j := NewJanitor(client, esc)

	mr.Set(RunLockKey("weird-run"), "not-a-lock-value")

	j.sweep(context.Background())

	// Unparseable values are left alone rather than guessed at.
	assert.True(t, mr.Exists(RunLockKey("weird-run")))
}

func TestJanitorStopsOnContextCancel(t *testing.T) {
	client, _ := newTestClient(t)
	j := NewJanitor(client, &stubEscalator{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop on context cancel")
	}
}
