package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}
	return log
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectTaskStateChanged, func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("task.state_changed", "task-service", map[string]any{"taskId": "t-1"})
	if err := b.Publish(context.Background(), SubjectTaskStateChanged, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event %s, got %s", event.ID, e.ID)
		}
		if e.Data["taskId"] != "t-1" {
			t.Errorf("data did not survive delivery: %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	sub, err := b.Subscribe("agent.started", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := NewEvent("agent.started", "orchestrator", nil)
	if err := b.Publish(ctx, "agent.started", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription should be invalid after unsubscribe")
	}

	if err := b.Publish(ctx, "agent.started", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestMemoryBusSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	sub, err := b.Subscribe("agent.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for _, subject := range []string{SubjectAgentStarted, SubjectAgentCompleted, SubjectAgentFailed} {
		if err := b.Publish(ctx, subject, NewEvent(subject, "orchestrator", nil)); err != nil {
			t.Fatalf("publish %s: %v", subject, err)
		}
	}
	// A dotted tail must not match a single-token wildcard.
	if err := b.Publish(ctx, "agent.run.retry", NewEvent("agent.run.retry", "orchestrator", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("expected 3 deliveries, got %d", got)
	}
}

func TestMemoryBusMultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	sub, err := b.Subscribe("agent.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for _, subject := range []string{"agent.started", "agent.run.retry", "agent.run.retry.final"} {
		if err := b.Publish(ctx, subject, NewEvent(subject, "orchestrator", nil)); err != nil {
			t.Fatalf("publish %s: %v", subject, err)
		}
	}
	if err := b.Publish(ctx, "task.state_changed", NewEvent("task.state_changed", "task-service", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("expected 3 deliveries, got %d", got)
	}
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.QueueSubscribe(SubjectTaskStateChanged, "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("queue subscribe %d: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	for i := 0; i < 6; i++ {
		if err := b.Publish(ctx, SubjectTaskStateChanged, NewEvent("task.state_changed", "task-service", nil)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	// One member of the group per event, regardless of group size.
	if got := atomic.LoadInt32(&count); got != 6 {
		t.Errorf("expected 6 deliveries across the group, got %d", got)
	}
}

func TestMemoryBusRequestReply(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe("task.query", func(ctx context.Context, event *Event) error {
		reply, _ := event.Data["_reply"].(string)
		if reply == "" {
			t.Error("request event missing reply subject")
			return nil
		}
		return b.Publish(ctx, reply, NewEvent("task.query.result", "task-service", map[string]any{"state": "in_progress"}))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	resp, err := b.Request(ctx, "task.query", NewEvent("task.query", "httpapi", map[string]any{"taskId": "t-1"}), time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Data["state"] != "in_progress" {
		t.Errorf("unexpected reply payload: %v", resp.Data)
	}
}

func TestMemoryBusRequestTimeout(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "task.query", NewEvent("task.query", "httpapi", nil), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))

	sub, err := b.Subscribe(SubjectSessionClosed, func(ctx context.Context, event *Event) error { return nil })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Close()

	if b.IsConnected() {
		t.Error("bus should report disconnected after close")
	}
	if sub.IsValid() {
		t.Error("subscription should be invalid after close")
	}
	if err := b.Publish(context.Background(), SubjectSessionClosed, NewEvent("session.closed", "session", nil)); err == nil {
		t.Error("publish after close should fail")
	}
	if _, err := b.Subscribe(SubjectSessionClosed, func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("subscribe after close should fail")
	}
}
