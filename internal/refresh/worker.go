package refresh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const triggerQueueSize = 16

// Notifier observes completed refresh runs.
type Notifier interface {
	RunCompleted(stats RunStats)
}

// Worker serializes refresh runs on a single goroutine. Triggers are queued
// messages; callers never block on a running refresh.
type Worker struct {
	orchestrator *Orchestrator
	requests     chan Request
	interval     time.Duration
	notifier     Notifier
	logger       *zap.Logger

	mu      sync.RWMutex
	lastRun *RunStats
}

// NewWorker builds a worker. A non-positive interval disables the periodic
// full refresh; a nil notifier disables completion events.
func NewWorker(orchestrator *Orchestrator, interval time.Duration, notifier Notifier, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		orchestrator: orchestrator,
		requests:     make(chan Request, triggerQueueSize),
		interval:     interval,
		notifier:     notifier,
		logger:       logger,
	}
}

// Trigger queues a refresh request without blocking. It reports false when
// the queue is full, which callers treat as "a refresh is already pending".
func (w *Worker) Trigger(request Request) bool {
	select {
	case w.requests <- request:
		return true
	default:
		w.logger.Warn("refresh trigger dropped, queue full", zap.String("reason", request.Reason))
		return false
	}
}

// Run consumes triggers and the periodic timer until the context ends. Run
// errors are logged, never propagated: recovery relies on the next periodic
// or manual refresh.
func (w *Worker) Run(ctx context.Context) {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if w.interval > 0 {
		ticker = time.NewTicker(w.interval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case request := <-w.requests:
			w.execute(ctx, request)
		case <-tick:
			w.execute(ctx, Request{Reason: "periodic"})
		}
	}
}

func (w *Worker) execute(ctx context.Context, request Request) {
	stats, err := w.orchestrator.Run(ctx, request)
	if err != nil {
		w.logger.Error("async refresh failed",
			zap.String("reason", request.Reason),
			zap.Error(err))
	}
	if stats.Skipped {
		return
	}
	w.mu.Lock()
	w.lastRun = &stats
	w.mu.Unlock()
	if err == nil && w.notifier != nil {
		w.notifier.RunCompleted(stats)
	}
}

// LastRun reports the most recent non-skipped run, if any.
func (w *Worker) LastRun() (RunStats, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastRun == nil {
		return RunStats{}, false
	}
	return *w.lastRun, true
}
