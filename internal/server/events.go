package server

import (
	"context"
	"sync"
	"time"

	"github.com/basecache/basecache/internal/refresh"
)

// RefreshEvent is pushed to event-stream subscribers when a refresh run
// completes successfully.
type RefreshEvent struct {
	RunID       string    `json:"run_id"`
	Type        string    `json:"type"`
	Reason      string    `json:"reason"`
	Records     int       `json:"records"`
	Deleted     int       `json:"deleted"`
	ActiveLabel string    `json:"active_label"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventBus fans refresh completion events out to stream subscribers. Slow
// subscribers drop events rather than blocking the refresh worker.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int64]chan RefreshEvent
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

// NewEventBus builds an event bus with a small per-subscriber buffer.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[int64]chan RefreshEvent),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream until the context ends.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan RefreshEvent, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	stream := make(chan RefreshEvent, b.bufferSize)
	b.subscribers[id] = stream
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers an event to every subscriber without blocking.
func (b *EventBus) Publish(event RefreshEvent) {
	b.mu.RLock()
	streams := make([]chan RefreshEvent, 0, len(b.subscribers))
	for _, stream := range b.subscribers {
		streams = append(streams, stream)
	}
	b.mu.RUnlock()
	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

// RunCompleted adapts completed refresh runs into bus events, satisfying the
// refresh worker's Notifier.
func (b *EventBus) RunCompleted(stats refresh.RunStats) {
	b.Publish(RefreshEvent{
		RunID:       stats.RunID,
		Type:        stats.Type,
		Reason:      stats.Reason,
		Records:     stats.Records,
		Deleted:     stats.Deleted,
		ActiveLabel: string(stats.ActiveLabel),
		Timestamp:   b.clock().UTC(),
	})
}
