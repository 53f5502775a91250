package coordination

import (
	"log/slog"
	"sync"
	"time"
)

// Lock hold thresholds. Holds past the warn threshold are logged; holds past
// the deadlock threshold are flagged in the snapshot.
const (
	lockHoldWarnThreshold     = 30 * time.Second
	lockHoldDeadlockThreshold = 60 * time.Second
	lockFailureRateWarn       = 0.5
)

// LockMonitor records every lock acquisition, release and failure so that
// long-held or contended locks surface in the health endpoint.
type LockMonitor struct {
	mu    sync.Mutex
	held  map[string]heldLock
	stats map[string]*lockStats
}

type heldLock struct {
	owner      string
	acquiredAt time.Time
}

type lockStats struct {
	acquisitions int64
	failures     int64
}

// LockSnapshot is one entry of the monitor's health report.
type LockSnapshot struct {
	Key              string  `json:"key"`
	Owner            string  `json:"owner,omitempty"`
	HeldSeconds      float64 `json:"held_seconds,omitempty"`
	PossibleDeadlock bool    `json:"possible_deadlock,omitempty"`
	Acquisitions     int64   `json:"acquisitions"`
	Failures         int64   `json:"failures"`
	FailureRate      float64 `json:"failure_rate"`
}

// NewLockMonitor constructs an empty monitor.
func NewLockMonitor() *LockMonitor {
	return &LockMonitor{
		held:  make(map[string]heldLock),
		stats: make(map[string]*lockStats),
	}
}

// RecordAcquired notes a successful acquisition and its wait duration.
func (m *LockMonitor) RecordAcquired(key, owner string, waited time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key] = heldLock{owner: owner, acquiredAt: time.Now()}
	m.statsFor(key).acquisitions++
	if waited > time.Second {
		slog.Warn("Slow lock acquisition", "key", key, "owner", owner, "waited", waited)
	}
}

// RecordReleased notes a release and warns on long holds.
func (m *LockMonitor) RecordReleased(key, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.held[key]; ok && h.owner == owner {
		held := time.Since(h.acquiredAt)
		delete(m.held, key)
		if held > lockHoldWarnThreshold {
			slog.Warn("Long lock hold released", "key", key, "owner", owner, "held", held)
		}
	}
}

// RecordFailure notes a failed acquisition attempt.
func (m *LockMonitor) RecordFailure(key, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor(key)
	s.failures++
	total := s.acquisitions + s.failures
	if total >= 10 && float64(s.failures)/float64(total) > lockFailureRateWarn {
		slog.Warn("High lock failure rate", "key", key, "owner", owner,
			"failures", s.failures, "attempts", total)
	}
}

// Snapshot reports currently held locks and per-key statistics.
func (m *LockMonitor) Snapshot() []LockSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LockSnapshot, 0, len(m.stats))
	for key, s := range m.stats {
		entry := LockSnapshot{
			Key:          key,
			Acquisitions: s.acquisitions,
			Failures:     s.failures,
		}
		if total := s.acquisitions + s.failures; total > 0 {
			entry.FailureRate = float64(s.failures) / float64(total)
		}
		if h, ok := m.held[key]; ok {
			held := time.Since(h.acquiredAt)
			entry.Owner = h.owner
			entry.HeldSeconds = held.Seconds()
			entry.PossibleDeadlock = held > lockHoldDeadlockThreshold
		}
		out = append(out, entry)
	}
	return out
}

func (m *LockMonitor) statsFor(key string) *lockStats {
	s, ok := m.stats[key]
	if !ok {
		s = &lockStats{}
		m.stats[key] = s
	}
	return s
}
