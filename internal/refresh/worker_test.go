package refresh

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type channelNotifier struct {
	completed chan RunStats
}

func (n *channelNotifier) RunCompleted(stats RunStats) {
	n.completed <- stats
}

func TestWorkerTriggerReportsQueueFull(t *testing.T) {
	worker := NewWorker(nil, 0, nil, nil)

	for i := 0; i < triggerQueueSize; i++ {
		if !worker.Trigger(Request{Reason: "manual"}) {
			t.Fatalf("trigger %d should have been queued", i)
		}
	}
	if worker.Trigger(Request{Reason: "manual"}) {
		t.Fatalf("expected trigger beyond queue capacity to be dropped")
	}
}

func TestWorkerLastRunEmptyBeforeAnyRun(t *testing.T) {
	worker := NewWorker(nil, 0, nil, nil)
	if _, ok := worker.LastRun(); ok {
		t.Fatalf("expected no last run before the worker executes")
	}
}

func TestWorkerRunsTriggeredRefreshAndNotifies(t *testing.T) {
	upstream := &fakeUpstream{
		tables: []Table{{ID: "tbl1", Name: "Tasks"}},
		recordsByTable: map[string][]UpstreamRecord{
			"tbl1": {{ID: "rec1", Fields: json.RawMessage(`{}`)}},
		},
	}
	harness := newTestOrchestrator(t, upstream)
	notifier := &channelNotifier{completed: make(chan RunStats, 1)}
	worker := NewWorker(harness.orchestrator, 0, notifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	if !worker.Trigger(Request{Reason: "manual"}) {
		t.Fatalf("trigger should have been queued")
	}

	select {
	case stats := <-notifier.completed:
		if stats.Type != TypeFull || stats.Records != 1 {
			t.Fatalf("unexpected completed run: %+v", stats)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the refresh to complete")
	}

	lastRun, ok := worker.LastRun()
	if !ok || lastRun.Type != TypeFull {
		t.Fatalf("expected last run recorded, got ok=%v stats=%+v", ok, lastRun)
	}
}
