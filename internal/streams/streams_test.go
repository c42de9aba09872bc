package streams

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}
	return New(NewMemoryStore(), log)
}

// collect reads n events from the subscription, failing the test on timeout.
func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	deadline := time.After(5 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d/%d events (err=%v)", len(events), n, sub.Err())
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out after %d/%d events", len(events), n)
		}
	}
	return events
}

func TestCreateStreamIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("second create should be a no-op success: %v", err)
	}
	if !s.HasStream("s-1") {
		t.Error("stream should exist")
	}
}

func TestPublishToMissingStream(t *testing.T) {
	s := newTestService(t)
	_, err := s.Publish(context.Background(), "nope", "container-agent:token", nil)
	if !apperrors.HasCode(err, apperrors.ErrCodeStreamNotFound) {
		t.Errorf("expected STREAM_NOT_FOUND, got %v", err)
	}
}

func TestPublishThenSubscribeReplays(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	off, err := s.Publish(ctx, "s-1", "container-agent:started", map[string]any{"model": "m"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if off != 0 {
		t.Errorf("first offset should be 0, got %d", off)
	}

	sub, err := s.Subscribe(ctx, "s-1", SubscribeOptions{FromOffset: 0})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	events := collect(t, sub, 1)
	if events[0].Offset != 0 || events[0].Type != "container-agent:started" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
}

func TestOffsetsAreDense(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 10; i++ {
		off, err := s.Publish(ctx, "s-1", "container-agent:token", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if off != int64(i) {
			t.Errorf("publish %d assigned offset %d", i, off)
		}
	}
}

func TestConcurrentPublishOrdering(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := s.Subscribe(ctx, "s-1", SubscribeOptions{FromOffset: 0, BufferSize: 256})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Publish(ctx, "s-1", "container-agent:token", map[string]any{"text": fmt.Sprintf("%d", i)}); err != nil {
				t.Errorf("publish %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	events := collect(t, sub, n)
	seenText := make(map[string]bool, n)
	for i, ev := range events {
		if ev.Offset != int64(i) {
			t.Fatalf("event %d has offset %d; offsets must be dense and ordered", i, ev.Offset)
		}
		text, _ := ev.Data["text"].(string)
		if seenText[text] {
			t.Errorf("text %q delivered twice", text)
		}
		seenText[text] = true
	}
	if len(seenText) != n {
		t.Errorf("expected %d distinct payloads, got %d", n, len(seenText))
	}
}

func TestLateSubscriberSeesSameSuffix(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	early, err := s.Subscribe(ctx, "s-1", SubscribeOptions{FromOffset: 0})
	if err != nil {
		t.Fatalf("early subscribe: %v", err)
	}
	defer early.Close()

	for i := 0; i < 20; i++ {
		if _, err := s.Publish(ctx, "s-1", "container-agent:token", map[string]any{"i": i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	late, err := s.Subscribe(ctx, "s-1", SubscribeOptions{FromOffset: 5})
	if err != nil {
		t.Fatalf("late subscribe: %v", err)
	}
	defer late.Close()

	earlyEvents := collect(t, early, 20)
	lateEvents := collect(t, late, 15)

	for i, ev := range lateEvents {
		want := earlyEvents[i+5]
		if ev.Offset != want.Offset || ev.Type != want.Type {
			t.Errorf("late subscriber diverged at %d: got %+v want %+v", i, ev, want)
		}
	}
}

func TestSubscribeFromFutureOffset(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := s.Subscribe(ctx, "s-1", SubscribeOptions{FromOffset: 3})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Give the pump time to register before publishing.
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if _, err := s.Publish(ctx, "s-1", "container-agent:token", map[string]any{"i": i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	events := collect(t, sub, 2)
	if events[0].Offset != 3 || events[1].Offset != 4 {
		t.Errorf("expected offsets 3,4; got %d,%d", events[0].Offset, events[1].Offset)
	}
}

func TestSubscribeToMissingStream(t *testing.T) {
	s := newTestService(t)
	_, err := s.Subscribe(context.Background(), "nope", SubscribeOptions{})
	if !apperrors.HasCode(err, apperrors.ErrCodeStreamNotFound) {
		t.Errorf("expected STREAM_NOT_FOUND, got %v", err)
	}
}

func TestDeleteStreamCompletesSubscribers(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := s.Subscribe(ctx, "s-1", SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := s.Publish(ctx, "s-1", "container-agent:token", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	collect(t, sub, 1)

	existed, err := s.DeleteStream(ctx, "s-1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed {
		t.Error("delete should report the stream existed")
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected channel close after delete")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not complete after delete")
	}
	if sub.Err() != nil {
		t.Errorf("delete is a clean completion, got err %v", sub.Err())
	}

	existed, err = s.DeleteStream(ctx, "s-1")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if existed {
		t.Error("second delete should report the stream missing")
	}

	if _, err := s.Publish(ctx, "s-1", "container-agent:token", nil); !apperrors.HasCode(err, apperrors.ErrCodeStreamNotFound) {
		t.Errorf("publish after delete should fail with STREAM_NOT_FOUND, got %v", err)
	}
}

func TestSlowSubscriberOverruns(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := s.Subscribe(ctx, "s-1", SubscribeOptions{BufferSize: 2})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Let the pump register, then flood without consuming. The pump can
	// hold at most one event in flight; a buffer of 2 overflows quickly.
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 16; i++ {
		if _, err := s.Publish(ctx, "s-1", "container-agent:token", map[string]any{"i": i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				if !apperrors.HasCode(sub.Err(), apperrors.ErrCodeSubscriberOverrun) {
					t.Errorf("expected SUBSCRIBER_OVERRUN, got %v", sub.Err())
				}
				// Publishers must be unaffected by the dead subscriber.
				if _, err := s.Publish(ctx, "s-1", "container-agent:token", nil); err != nil {
					t.Errorf("publish after overrun: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription never terminated with overrun")
		}
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := s.Subscribe(ctx, "s-1", SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}
}

func TestGetEventsSnapshot(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.CreateStream(ctx, "s-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Publish(ctx, "s-1", "container-agent:token", map[string]any{"i": i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	events, err := s.GetEvents(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Offset != int64(i) {
			t.Errorf("snapshot out of order at %d: offset %d", i, ev.Offset)
		}
	}

	if _, err := s.GetEvents(ctx, "missing"); !apperrors.HasCode(err, apperrors.ErrCodeStreamNotFound) {
		t.Errorf("expected STREAM_NOT_FOUND, got %v", err)
	}
}
