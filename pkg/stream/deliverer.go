// Package stream delivers a run's response stream to HTTP clients over
// server-sent events: full replay from the coordination store, then live
// tailing via pub/sub, terminated by the run's control signal.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/models"
)

// RunStore is the durable-row slice the deliverer depends on.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*models.AgentRun, error)
}

// Deliverer streams run responses to one subscriber. Every subscriber gets
// its own pub/sub sessions; concurrent subscribers never share state.
type Deliverer struct {
	coord  *coordination.Client
	runs   RunStore
	logger *slog.Logger

	// pingInterval is the keep-alive cadence while the stream is quiet.
	pingInterval time.Duration

	// failureCap bounds recoverable listener failures before giving up.
	failureCap int
}

// NewDeliverer creates a deliverer.
func NewDeliverer(coord *coordination.Client, runs RunStore) *Deliverer {
	return &Deliverer{
		coord:        coord,
		runs:         runs,
		logger:       slog.With("component", "stream"),
		pingInterval: 30 * time.Second,
		failureCap:   3,
	}
}

// Stream writes the run's stream to w until the run terminates or ctx is
// cancelled (client disconnect). Replay is complete and ordered: every item
// appended before the subscription is delivered exactly once, in order.
func (d *Deliverer) Stream(ctx context.Context, w http.ResponseWriter, runID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}
	logger := d.logger.With("run_id", runID)

	// Full replay first.
	replayed, err := d.coord.ResponseRange(ctx, runID, 0, -1)
	if err != nil {
		return err
	}
	lastIndex := int64(len(replayed)) - 1
	for _, payload := range replayed {
		if err := writeEvent(w, flusher, payload); err != nil {
			return err
		}
		if isTerminalPayload(payload) {
			return nil
		}
	}

	// Durable check: a finished run needs no live tail.
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return writeItem(w, flusher, models.StatusItem(run.Status, ""))
	}

	// Live tail: fresh sessions for both channels.
	newResp := d.coord.Subscribe(ctx, coordination.NewResponseChannel(runID))
	control := d.coord.Subscribe(ctx, coordination.ControlChannel(runID))
	defer func() {
		if err := newResp.Close(); err != nil {
			logger.Warn("Failed to close new-response subscription", "error", err)
		}
	}()
	defer func() {
		if err := control.Close(); err != nil {
			logger.Warn("Failed to close control subscription", "error", err)
		}
	}()

	newCh := newResp.Channel()
	controlCh := control.Channel()
	failures := 0
	ping := time.NewTicker(d.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ping.C:
			if err := writeItem(w, flusher, models.StreamItem{Type: models.ItemTypePing}); err != nil {
				return err
			}

		case _, ok := <-newCh:
			if !ok {
				failures++
				if failures > d.failureCap {
					return fmt.Errorf("stream listener failed %d times", failures)
				}
				_ = writeItem(w, flusher, models.StreamItem{Type: models.ItemTypeWarning, Message: "stream connection interrupted, retrying"})
				_ = newResp.Close()
				newResp = d.coord.Subscribe(ctx, coordination.NewResponseChannel(runID))
				newCh = newResp.Channel()
				continue
			}
			done, emitErr := d.emitNew(ctx, w, flusher, runID, &lastIndex)
			if emitErr != nil {
				return emitErr
			}
			if done {
				return nil
			}

		case msg, ok := <-controlCh:
			if !ok {
				failures++
				if failures > d.failureCap {
					return fmt.Errorf("stream listener failed %d times", failures)
				}
				_ = writeItem(w, flusher, models.StreamItem{Type: models.ItemTypeWarning, Message: "control connection interrupted, retrying"})
				_ = control.Close()
				control = d.coord.Subscribe(ctx, coordination.ControlChannel(runID))
				controlCh = control.Channel()
				continue
			}
			// Drain anything appended between the last emit and the signal.
			if done, emitErr := d.emitNew(ctx, w, flusher, runID, &lastIndex); emitErr != nil || done {
				return emitErr
			}
			status := models.RunStatus(strings.ToLower(msg.Payload))
			return writeItem(w, flusher, models.StreamItem{Type: models.ItemTypeStatus, Status: status})
		}
	}
}

// emitNew delivers items appended after lastIndex. Returns done when a
// terminal item was emitted.
func (d *Deliverer) emitNew(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string, lastIndex *int64) (bool, error) {
	items, err := d.coord.ResponseRange(ctx, runID, *lastIndex+1, -1)
	if err != nil {
		return false, err
	}
	for _, payload := range items {
		*lastIndex++
		if err := writeEvent(w, flusher, payload); err != nil {
			return false, err
		}
		if isTerminalPayload(payload) {
			return true, nil
		}
	}
	return false, nil
}

// writeEvent writes one pre-serialized item as an SSE data frame.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, payload string) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeItem serializes and writes one item.
func writeItem(w http.ResponseWriter, flusher http.Flusher, item models.StreamItem) error {
	return writeEvent(w, flusher, item.Marshal())
}

// isTerminalPayload inspects a serialized item for a terminal status without
// re-serializing it.
func isTerminalPayload(payload string) bool {
	var item models.StreamItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return false
	}
	return item.IsTerminalStatus()
}

// SetSSEHeaders applies the headers required for unbuffered event delivery.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
