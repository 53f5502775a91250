package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"goa.design/pulse/streaming"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/models"
)

// Sink is the consumer-group surface the pool reads from. Satisfied by a
// pulse sink through NewPulseSink.
type Sink interface {
	Subscribe() <-chan *streaming.Event
	Ack(ctx context.Context, ev *streaming.Event) error
	Close(ctx context.Context)
}

// pulseSink adapts *streaming.Sink to the Sink interface.
type pulseSink struct {
	sink *streaming.Sink
}

// NewPulseSink wraps a pulse sink for pool consumption.
func NewPulseSink(sink *streaming.Sink) Sink {
	return pulseSink{sink: sink}
}

func (s pulseSink) Subscribe() <-chan *streaming.Event { return s.sink.Subscribe() }

func (s pulseSink) Ack(ctx context.Context, ev *streaming.Event) error {
	return s.sink.Ack(ctx, ev)
}

func (s pulseSink) Close(ctx context.Context) { s.sink.Close(ctx) }

// Pool is the executor worker pool: N workers consume the shared dispatch
// sink, and a sweeper escalates runs abandoned by dead instances.
type Pool struct {
	executor   *Executor
	coord      *coordination.Client
	runs       RunStore
	cfg        *config.QueueConfig
	instanceID string
	logger     *slog.Logger

	mu         sync.Mutex
	activeRuns map[string]context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PoolHealth is the monitoring snapshot of the pool.
type PoolHealth struct {
	Workers    int      `json:"workers"`
	ActiveRuns []string `json:"active_runs"`
}

// NewPool creates the worker pool.
func NewPool(executor *Executor, coord *coordination.Client, runs RunStore, cfg *config.QueueConfig, instanceID string) *Pool {
	return &Pool{
		executor:   executor,
		coord:      coord,
		runs:       runs,
		cfg:        cfg,
		instanceID: instanceID,
		logger:     slog.With("component", "executor-pool", "instance_id", instanceID),
		activeRuns: make(map[string]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}
}

// Run starts the workers and the stuck-run sweeper, then blocks until ctx is
// cancelled or Stop is called. The sink is closed on the way out.
func (p *Pool) Run(ctx context.Context, sink Sink) {
	p.logger.Info("Starting executor pool", "workers", p.cfg.WorkerCount)
	events := sink.Subscribe()

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, sink, events)
	}

	p.wg.Add(1)
	go p.sweeper(ctx)

	select {
	case <-ctx.Done():
	case <-p.stopCh:
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sink.Close(closeCtx)

	p.wg.Wait()
	p.logger.Info("Executor pool stopped")
}

// Stop initiates shutdown. In-flight runs keep their contexts; callers bound
// the wait with GracefulShutdownTimeout.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// CancelRun cancels an in-flight run on this instance, if present.
func (p *Pool) CancelRun(runID string) bool {
	p.mu.Lock()
	cancel, ok := p.activeRuns[runID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Health returns the monitoring snapshot.
func (p *Pool) Health() PoolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	runs := make([]string, 0, len(p.activeRuns))
	for runID := range p.activeRuns {
		runs = append(runs, runID)
	}
	return PoolHealth{Workers: p.cfg.WorkerCount, ActiveRuns: runs}
}

func (p *Pool) worker(ctx context.Context, id int, sink Sink, events <-chan *streaming.Event) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handle(ctx, sink, ev, logger)
		}
	}
}

func (p *Pool) handle(ctx context.Context, sink Sink, ev *streaming.Event, logger *slog.Logger) {
	item, err := dispatch.DecodeWorkItem(ev.Payload)
	if err != nil {
		// Undecodable items are acked so they do not redeliver forever.
		logger.Error("Discarding malformed work item", "error", err)
		_ = sink.Ack(ctx, ev)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.register(item.RunID, cancel)
	defer func() {
		p.unregister(item.RunID)
		cancel()
	}()

	p.executor.Execute(runCtx, item)

	if err := sink.Ack(ctx, ev); err != nil {
		// Redelivery is safe: the run lock makes Execute idempotent.
		logger.Warn("Failed to ack work item", "run_id", item.RunID, "error", err)
	}
}

func (p *Pool) register(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.activeRuns[runID] = cancel
	p.mu.Unlock()
}

func (p *Pool) unregister(runID string) {
	p.mu.Lock()
	delete(p.activeRuns, runID)
	p.mu.Unlock()
}

// sweeper escalates durable running rows with no live lock to failed. Runs
// once at startup and then every sweep interval.
func (p *Pool) sweeper(ctx context.Context) {
	defer p.wg.Done()
	p.sweep(ctx)

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	stale, err := p.runs.ListStaleRunning(ctx, p.cfg.SweepInterval)
	if err != nil {
		p.logger.Warn("Stuck-run sweep failed", "error", err)
		return
	}
	for _, run := range stale {
		value, err := p.coord.RunLockValue(ctx, run.RunID)
		if err != nil {
			p.logger.Warn("Failed to check run lock", "run_id", run.RunID, "error", err)
			continue
		}
		if value != "" {
			// A live executor still owns it.
			continue
		}
		escalated, err := p.runs.FailStuckRun(ctx, run.RunID, "executor lost: no live lock for running run")
		if err != nil {
			p.logger.Error("Failed to escalate stuck run", "run_id", run.RunID, "error", err)
			continue
		}
		if escalated {
			p.logger.Warn("Escalated orphaned run to failed", "run_id", run.RunID)
			_ = p.coord.PublishControl(ctx, run.RunID, models.ControlError)
		}
	}
}
