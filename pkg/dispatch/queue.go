package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/models"
)

// RunEventName is the pulse event name carrying run work items.
const RunEventName = "run"

// Queue is the dispatch queue: a pulse stream shared by every replica. The
// executor pool joins one shared sink, so each enqueued run is delivered to
// exactly one live worker; the run lock deduplicates redeliveries.
type Queue struct {
	stream *streaming.Stream
	cfg    *config.QueueConfig
}

// NewQueue opens the dispatch stream.
func NewQueue(rdb *redis.Client, cfg *config.QueueConfig) (*Queue, error) {
	stream, err := streaming.NewStream(cfg.StreamName, rdb)
	if err != nil {
		return nil, fmt.Errorf("failed to open dispatch stream %s: %w", cfg.StreamName, err)
	}
	return &Queue{stream: stream, cfg: cfg}, nil
}

// Enqueue publishes one work item and returns its event ID.
func (q *Queue) Enqueue(ctx context.Context, item models.RunWorkItem) (string, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to serialize work item for run %s: %w", item.RunID, err)
	}
	id, err := q.stream.Add(ctx, RunEventName, payload)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue run %s: %w", item.RunID, err)
	}
	return id, nil
}

// NewSink joins the shared consumer group. Events published before any sink
// existed are still delivered.
func (q *Queue) NewSink(ctx context.Context) (*streaming.Sink, error) {
	sink, err := q.stream.NewSink(ctx, q.cfg.SinkName, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("failed to join sink %s: %w", q.cfg.SinkName, err)
	}
	return sink, nil
}

// DecodeWorkItem parses the payload of one dispatch event.
func DecodeWorkItem(payload []byte) (models.RunWorkItem, error) {
	var item models.RunWorkItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return models.RunWorkItem{}, fmt.Errorf("failed to decode work item: %w", err)
	}
	if item.RunID == "" {
		return models.RunWorkItem{}, fmt.Errorf("work item has no run_id")
	}
	return item, nil
}
