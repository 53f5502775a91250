package coordination

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// Janitor cadence and the age past which a run lock is considered abandoned.
const (
	DefaultSweepInterval = 60 * time.Second
	StaleLockAge         = 300 * time.Second
)

// RunEscalator escalates the durable record of a run whose lock went stale.
// Implemented by the agent run service.
type RunEscalator interface {
	// FailStuckRun marks the run failed iff it is still recorded as running.
	FailStuckRun(ctx context.Context, runID, reason string) (bool, error)
}

// Janitor sweeps stale run locks left behind by crashed workers: the lock is
// removed so another worker can take the run over, and the durable row is
// escalated to failed if nobody does.
type Janitor struct {
	client    *Client
	escalator RunEscalator
	interval  time.Duration
	staleAge  time.Duration
	logger    *slog.Logger
}

// NewJanitor constructs a janitor with the default cadence.
func NewJanitor(client *Client, escalator RunEscalator) *Janitor {
	return &Janitor{
		client:    client,
		escalator: escalator,
		interval:  DefaultSweepInterval,
		staleAge:  StaleLockAge,
		logger:    slog.With("component", "lock-janitor"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("Stale-lock janitor started", "interval", j.interval, "stale_age", j.staleAge)

	j.sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Stale-lock janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep scans all run locks and reaps the ones older than the stale age.
func (j *Janitor) sweep(ctx context.Context) {
	keys, err := j.client.ScanKeys(ctx, "agent_run_lock:*")
	if err != nil {
		j.logger.Error("Failed to scan run locks", "error", err)
		return
	}

	for _, key := range keys {
		runID := strings.TrimPrefix(key, "agent_run_lock:")
		value, err := j.client.rdb.Get(ctx, key).Result()
		if err != nil {
			continue // lock vanished between scan and read
		}
		owner, acquiredAt, ok := ParseLockValue(value)
		if !ok {
			j.logger.Warn("Unparseable run lock value, skipping", "key", key, "value", value)
			continue
		}
		age := time.Since(acquiredAt)
		if age < j.staleAge {
			continue
		}

		j.logger.Warn("Reaping stale run lock",
			"run_id", runID, "owner", owner, "age", age)

		// Compare-and-delete on the exact value: if the owner revived and
		// refreshed in the meantime the delete is a no-op.
		if _, err := compareDeleteScript.Run(ctx, j.client.rdb, []string{key}, value).Int(); err != nil {
			j.logger.Error("Failed to delete stale run lock", "run_id", runID, "error", err)
			continue
		}

		escalated, err := j.escalator.FailStuckRun(ctx, runID,
			"run abandoned: executor lock went stale")
		if err != nil {
			j.logger.Error("Failed to escalate abandoned run", "run_id", runID, "error", err)
			continue
		}
		if escalated {
			j.logger.Info("Escalated abandoned run to failed", "run_id", runID, "previous_owner", owner)
			// Let any attached subscribers terminate.
			if err := j.client.PublishControl(ctx, runID, models.ControlError); err != nil {
				j.logger.Error("Failed to publish ERROR for abandoned run", "run_id", runID, "error", err)
			}
		}
	}
}
