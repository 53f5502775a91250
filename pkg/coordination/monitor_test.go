package coordination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockMonitorTracksHeldLocks(t *testing.T) {
	m := NewLockMonitor()
	m.RecordAcquired("agent_run_lock:r1", "worker-a", 0)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "agent_run_lock:r1", snap[0].Key)
	assert.Equal(t, "worker-a", snap[0].Owner)
	assert.Equal(t, int64(1), snap[0].Acquisitions)

	m.RecordReleased("agent_run_lock:r1", "worker-a")
	snap = m.Snapshot()
	require.Len(t, snap, 1)
	assert.Empty(t, snap[0].Owner)
}

func TestLockMonitorReleaseByNonOwnerIgnored(t *testing.T) {
	m := NewLockMonitor()
	m.RecordAcquired("agent_run_lock:r1", "worker-a", 0)
	m.RecordReleased("agent_run_lock:r1", "worker-b")

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "worker-a", snap[0].Owner)
}

func TestLockMonitorFailureRate(t *testing.T) {
	m := NewLockMonitor()
	for i := 0; i < 4; i++ {
		m.RecordAcquired("sandbox_state_lock:s1", "worker-a", 0)
		m.RecordReleased("sandbox_state_lock:s1", "worker-a")
	}
	for i := 0; i < 6; i++ {
		m.RecordFailure("sandbox_state_lock:s1", "worker-b")
	}

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(4), snap[0].Acquisitions)
	assert.Equal(t, int64(6), snap[0].Failures)
	assert.InDelta(t, 0.6, snap[0].FailureRate, 0.001)
}

func TestLockMonitorFlagsPossibleDeadlock(t *testing.T) {
	m := NewLockMonitor()
	m.RecordAcquired("agent_run_lock:r1", "worker-a", 0)

	// Backdate the acquisition past the deadlock threshold.
	m.mu.Lock()
	h := m.held["agent_run_lock:r1"]
	h.acquiredAt = time.Now().Add(-2 * time.Minute)
	m.held["agent_run_lock:r1"] = h
	m.mu.Unlock()

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].PossibleDeadlock)
}
