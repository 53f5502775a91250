// Package executor runs dispatched agent runs: each work item is executed
// under a distributed run lock, its stream items are appended to the
// coordination store and fanned out to subscribers, and the durable row is
// finalized exactly once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/engine"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/services"
)

// RunStore is the slice of the run service the executor depends on.
type RunStore interface {
	FinalizeRun(ctx context.Context, runID string, status models.RunStatus, errMsg string, responses []models.StreamItem) error
	FailStuckRun(ctx context.Context, runID, reason string) (bool, error)
	ListStaleRunning(ctx context.Context, olderThan time.Duration) ([]*models.AgentRun, error)
}

// Executor drives one run through its five phases: lock, listen, stream,
// finalize, cleanup. Finalize and cleanup always run, even on panic.
type Executor struct {
	coord      *coordination.Client
	runs       RunStore
	runner     engine.Runner
	cfg        *config.QueueConfig
	instanceID string
	logger     *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(coord *coordination.Client, runs RunStore, runner engine.Runner, cfg *config.QueueConfig, instanceID string) *Executor {
	return &Executor{
		coord:      coord,
		runs:       runs,
		runner:     runner,
		cfg:        cfg,
		instanceID: instanceID,
		logger:     slog.With("component", "executor", "instance_id", instanceID),
	}
}

// Execute processes one work item end to end. Duplicate deliveries exit
// silently at the lock; every acquired run reaches a terminal state.
func (e *Executor) Execute(ctx context.Context, item models.RunWorkItem) {
	logger := e.logger.With("run_id", item.RunID)

	// Phase 1: execution ownership.
	if !e.acquireOwnership(ctx, item.RunID, logger) {
		return
	}

	// Phase 2: control listener. The pubsub session is opened before the
	// stream starts so a STOP published at any point is observed.
	pubsub := e.coord.SubscribeControl(ctx, item.RunID, e.instanceID)
	var stopFlag atomic.Bool
	listenerCtx, cancelListener := context.WithCancel(ctx)
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		ch := pubsub.Channel()
		for {
			select {
			case <-listenerCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == models.ControlStop {
					logger.Info("Received stop signal")
					stopFlag.Store(true)
				}
			}
		}
	}()

	// Phase 3: drive the generator. Panics become a failed run with the
	// stack preserved; phases 4 and 5 still execute.
	var (
		status    models.RunStatus
		errMsg    string
		responses []models.StreamItem
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				status = models.RunStatusFailed
				errMsg = fmt.Sprintf("executor panic: %v\n%s", r, debug.Stack())
				logger.Error("Recovered panic during run execution", "panic", r)
			}
		}()
		status, errMsg, responses = e.drive(ctx, item, &stopFlag, logger)
	}()

	// Phase 4: durable finalization. The caller's context may already be
	// cancelled; finalization gets its own.
	e.finalize(item.RunID, status, errMsg, responses, logger)

	// Phase 5: cleanup, always.
	e.cleanup(item, cancelListener, listenerDone, pubsub, logger)
}

// acquireOwnership takes the run lock, reclaiming stale ones. Returns false
// when another live instance owns the run.
func (e *Executor) acquireOwnership(ctx context.Context, runID string, logger *slog.Logger) bool {
	acquired, current, err := e.coord.AcquireRunLock(ctx, runID, e.instanceID)
	if err != nil {
		logger.Error("Failed to acquire run lock", "error", err)
		return false
	}
	if acquired {
		return true
	}
	if current == "" {
		return false
	}
	_, acquiredAt, ok := coordination.ParseLockValue(current)
	if !ok || time.Since(acquiredAt) <= e.coord.KeyTTL()/2 {
		// Healthy holder; this is a duplicate delivery.
		return false
	}
	reclaimed, err := e.coord.ReclaimRunLock(ctx, runID, e.instanceID, current)
	if err != nil {
		logger.Error("Failed to reclaim stale run lock", "error", err)
		return false
	}
	if reclaimed {
		logger.Warn("Reclaimed stale run lock", "previous", current)
	}
	return reclaimed
}

// drive consumes the runner's stream: append, publish, honor stop, refresh
// liveness. Returns the terminal status for phase 4.
func (e *Executor) drive(ctx context.Context, item models.RunWorkItem, stopFlag *atomic.Bool, logger *slog.Logger) (models.RunStatus, string, []models.StreamItem) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	_ = e.coord.SetTaskStatus(runCtx, models.TaskStatus{RunID: item.RunID, Status: models.RunStatusRunning, UpdatedAt: time.Now().UTC()})

	stream, err := e.runner.Run(runCtx, engine.RunInput{
		RunID:           item.RunID,
		ThreadID:        item.ThreadID,
		ProjectID:       item.ProjectID,
		AccountID:       item.AccountID,
		SandboxID:       item.SandboxID,
		AppType:         item.AppType,
		Model:           item.Model,
		EnableThinking:  item.EnableThinking,
		ReasoningEffort: item.ReasoningEffort,
	})
	if err != nil {
		logger.Error("Failed to start agent runner", "error", err)
		return models.RunStatusFailed, err.Error(), nil
	}

	var (
		responses []models.StreamItem
		count     int
	)
	// Appends outlive stop and timeout: the terminal item must still reach
	// the response log after the run context dies.
	pushCtx := context.WithoutCancel(ctx)
	appendItem := func(it models.StreamItem) {
		if pushErr := e.coord.PushResponse(pushCtx, item.RunID, it.Marshal()); pushErr != nil {
			logger.Error("Failed to append response", "error", pushErr)
		}
		if pubErr := e.coord.PublishNewResponse(pushCtx, item.RunID); pubErr != nil {
			logger.Warn("Failed to publish new-response signal", "error", pubErr)
		}
		responses = append(responses, it)
	}

	for it := range stream {
		if stopFlag.Load() {
			cancel()
			stopped := models.StatusItem(models.RunStatusStopped, "Agent run stopped by user")
			appendItem(stopped)
			return models.RunStatusStopped, "", responses
		}

		appendItem(it)
		if it.IsTerminalStatus() {
			if it.Status == models.RunStatusFailed {
				return models.RunStatusFailed, it.Message, responses
			}
			return it.Status, "", responses
		}

		count++
		if e.cfg.ActiveRunRefreshEvery > 0 && count%e.cfg.ActiveRunRefreshEvery == 0 {
			if refreshErr := e.coord.RefreshActiveRun(runCtx, item.InstanceID, item.RunID); refreshErr != nil {
				logger.Warn("Failed to refresh liveness marker", "error", refreshErr)
			}
		}
	}

	if stopFlag.Load() {
		stopped := models.StatusItem(models.RunStatusStopped, "Agent run stopped by user")
		appendItem(stopped)
		return models.RunStatusStopped, "", responses
	}
	switch err := runCtx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		timedOut := models.StatusItem(models.RunStatusFailed, "Agent run timed out")
		appendItem(timedOut)
		return models.RunStatusFailed, "run timed out", responses
	case errors.Is(err, context.Canceled):
		cancelled := models.StatusItem(models.RunStatusStopped, "Agent run cancelled")
		appendItem(cancelled)
		return models.RunStatusStopped, "", responses
	}

	// Generator exhausted without a terminal item.
	done := models.StatusItem(models.RunStatusCompleted, "Agent run completed successfully")
	appendItem(done)
	return models.RunStatusCompleted, "", responses
}

// finalize writes the terminal row, publishes the end-of-stream control
// signal and records the transient status. Uses a fresh context: the run's
// context may be cancelled or expired by now.
func (e *Executor) finalize(runID string, status models.RunStatus, errMsg string, responses []models.StreamItem, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.runs.FinalizeRun(ctx, runID, status, errMsg, responses); err != nil {
		if errors.Is(err, services.ErrTerminalRun) {
			logger.Info("Run already finalized elsewhere", "status", status)
		} else {
			logger.Error("Failed to finalize run", "status", status, "error", err)
		}
	}

	signal := models.ControlEndStream
	switch status {
	case models.RunStatusFailed:
		signal = models.ControlError
	case models.RunStatusStopped:
		signal = models.ControlStop
	}
	if err := e.coord.PublishControl(ctx, runID, signal); err != nil {
		logger.Warn("Failed to publish terminal control signal", "signal", signal, "error", err)
	}

	if err := e.coord.SetTaskStatus(ctx, models.TaskStatus{
		RunID:     runID,
		Status:    status,
		Error:     errMsg,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		logger.Warn("Failed to write task status", "error", err)
	}
}

// cleanup tears down the listener, the pubsub session and the transient keys.
// Each action retries independently; errors are logged, never propagated.
func (e *Executor) cleanup(item models.RunWorkItem, cancelListener context.CancelFunc, listenerDone <-chan struct{}, pubsub interface{ Close() error }, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runID := item.RunID
	// The liveness marker was registered by the dispatching replica, which is
	// not necessarily this one.
	dispatchInstance := item.InstanceID
	if dispatchInstance == "" {
		dispatchInstance = e.instanceID
	}

	cancelListener()
	select {
	case <-listenerDone:
	case <-time.After(5 * time.Second):
		logger.Warn("Control listener did not exit in time")
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if err := pubsub.Close(); err == nil {
			break
		} else if attempt == 3 {
			logger.Warn("Failed to close control pubsub", "error", err)
		} else {
			time.Sleep(time.Second)
		}
	}

	actions := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"expire responses", func(c context.Context) error {
			return e.coord.ExpireResponses(c, runID, e.coord.KeyTTL())
		}},
		{"remove active run", func(c context.Context) error {
			return e.coord.RemoveActiveRun(c, dispatchInstance, runID)
		}},
		{"release run lock", func(c context.Context) error {
			return e.coord.ReleaseRunLock(c, runID, e.instanceID)
		}},
	}

	var wg sync.WaitGroup
	for _, action := range actions {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			var lastErr error
			for attempt := 0; attempt < 3; attempt++ {
				if lastErr = fn(ctx); lastErr == nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			logger.Warn("Cleanup action failed", "action", name, "error", lastErr)
		}(action.name, action.fn)
	}
	wg.Wait()
}
