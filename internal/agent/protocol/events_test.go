package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	events := []*WireEvent{
		NewWireEvent(EventStarted, "t-1", "s-1", map[string]any{"model": "m", "maxTurns": float64(50)}),
		NewWireEvent(EventToken, "t-1", "s-1", map[string]any{"text": "hello"}),
		NewWireEvent(EventTurn, "t-1", "s-1", map[string]any{"turn": float64(1), "maxTurns": float64(50), "remaining": float64(49)}),
		NewWireEvent(EventToolStart, "t-1", "s-1", map[string]any{"toolName": "Read", "toolId": "tool-1", "input": map[string]any{"path": "a.go"}}),
		NewWireEvent(EventToolResult, "t-1", "s-1", map[string]any{"toolName": "Read", "toolId": "tool-1", "output": "ok"}),
		NewWireEvent(EventMessage, "t-1", "s-1", map[string]any{"role": "assistant", "content": "done"}),
		NewWireEvent(EventPlanReady, "t-1", "s-1", map[string]any{"plan": "P", "turnCount": float64(2), "sdkSessionId": "sdk-1"}),
		NewWireEvent(EventComplete, "t-1", "s-1", map[string]any{"status": "completed", "turnCount": float64(3)}),
		NewWireEvent(EventError, "t-1", "s-1", map[string]any{"error": "boom", "turnCount": float64(2)}),
		NewWireEvent(EventCancelled, "t-1", "s-1", map[string]any{"turnCount": float64(1)}),
		NewWireEvent(EventFileChanged, "t-1", "s-1", map[string]any{"path": "a.go", "action": "modify", "toolName": "Edit"}),
	}

	for _, e := range events {
		raw, err := e.Marshal()
		if err != nil {
			t.Fatalf("marshal %s: %v", e.Type, err)
		}
		parsed, err := Parse(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", e.Type, err)
		}
		if !reflect.DeepEqual(e, parsed) {
			t.Errorf("round-trip mismatch for %s:\n  in:  %+v\n  out: %+v", e.Type, e, parsed)
		}
	}
}

func TestParseRejectsNonJSON(t *testing.T) {
	_, err := Parse([]byte("make: *** [all] Error 2"))
	if !errors.Is(err, ErrMalformedLine) {
		t.Errorf("expected ErrMalformedLine, got %v", err)
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	cases := []string{
		`{"timestamp": 100, "taskId": "t", "sessionId": "s"}`,
		`{"type": "agent:token", "taskId": "t", "sessionId": "s"}`,
		`{"type": "agent:token", "timestamp": 100, "sessionId": "s"}`,
		`{"type": "agent:token", "timestamp": 100, "taskId": "t"}`,
	}
	for _, line := range cases {
		if _, err := Parse([]byte(line)); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent for %s, got %v", line, err)
		}
	}
}

func TestParseAcceptsZeroTimestamp(t *testing.T) {
	e, err := Parse([]byte(`{"type": "agent:token", "timestamp": 0, "taskId": "t", "sessionId": "s"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Timestamp != 0 {
		t.Errorf("expected timestamp 0, got %d", e.Timestamp)
	}
}

func TestParseDefaultsMissingData(t *testing.T) {
	e, err := Parse([]byte(`{"type": "agent:token", "timestamp": 100, "taskId": "t", "sessionId": "s"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Data == nil || len(e.Data) != 0 {
		t.Errorf("expected empty data map, got %v", e.Data)
	}
}

func TestStreamTypeMapping(t *testing.T) {
	cases := map[string]string{
		EventStarted:     StreamStarted,
		EventToken:       StreamToken,
		EventTurn:        StreamTurn,
		EventToolStart:   StreamToolStart,
		EventToolResult:  StreamToolResult,
		EventMessage:     StreamMessage,
		EventComplete:    StreamComplete,
		EventError:       StreamError,
		EventCancelled:   StreamCancelled,
		EventFileChanged: StreamFileChanged,
	}
	for wire, want := range cases {
		got, ok := StreamType(wire)
		if !ok || got != want {
			t.Errorf("StreamType(%s) = %s, %v; want %s, true", wire, got, ok, want)
		}
	}

	if _, ok := StreamType(EventPlanReady); ok {
		t.Error("plan_ready must not map to a stream event")
	}
	if _, ok := StreamType("agent:unknown"); ok {
		t.Error("unknown types must not map to a stream event")
	}
}

func TestStreamPayloadAugmentation(t *testing.T) {
	e := NewWireEvent(EventToken, "t-1", "s-1", map[string]any{"text": "hi"})
	payload := StreamPayload(e, "p-1")

	if payload["text"] != "hi" {
		t.Error("original data should be preserved")
	}
	if payload["taskId"] != "t-1" || payload["sessionId"] != "s-1" || payload["projectId"] != "p-1" {
		t.Errorf("expected id augmentation, got %v", payload)
	}
	if _, ok := e.Data["projectId"]; ok {
		t.Error("augmentation must not mutate the source event")
	}
}

func TestDecodeTypedPayloads(t *testing.T) {
	e := NewWireEvent(EventPlanReady, "t-1", "s-1", map[string]any{
		"plan":         "do things",
		"turnCount":    3,
		"sdkSessionId": "sdk-9",
		"allowedPrompts": []map[string]any{
			{"tool": "Bash", "prompt": "run tests"},
		},
	})
	plan, err := e.PlanReady()
	if err != nil {
		t.Fatalf("PlanReady: %v", err)
	}
	if plan.Plan != "do things" || plan.TurnCount != 3 || plan.SDKSessionID != "sdk-9" {
		t.Errorf("unexpected plan payload: %+v", plan)
	}
	if len(plan.AllowedPrompts) != 1 || plan.AllowedPrompts[0].Tool != "Bash" {
		t.Errorf("unexpected allowed prompts: %+v", plan.AllowedPrompts)
	}

	ce := NewWireEvent(EventComplete, "t-1", "s-1", map[string]any{"status": StatusTurnLimit, "turnCount": 50})
	comp, err := ce.Complete()
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Status != StatusTurnLimit || comp.TurnCount != 50 {
		t.Errorf("unexpected complete payload: %+v", comp)
	}

	ee := NewWireEvent(EventError, "t-1", "s-1", map[string]any{"error": "Rate limit exceeded", "turnCount": 3})
	ep, err := ee.ErrorDetail()
	if err != nil {
		t.Fatalf("ErrorDetail: %v", err)
	}
	if ep.Error != "Rate limit exceeded" || ep.TurnCount != 3 {
		t.Errorf("unexpected error payload: %+v", ep)
	}
}
