package main

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/taskforge/taskforge/internal/agent/protocol"
)

func testConfig() runConfig {
	return runConfig{
		taskID:    "task-1",
		sessionID: "sess-1",
		projectID: "proj-1",
		prompt:    "fix the login bug",
		phase:     protocol.PhasePlan,
		model:     "mock-model",
		maxTurns:  5,
		turnDelay: 0,
	}
}

// parseLines decodes every emitted line through the real wire parser.
func parseLines(t *testing.T, out []byte) []*protocol.WireEvent {
	t.Helper()
	var events []*protocol.WireEvent
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		ev, err := protocol.Parse(scanner.Bytes())
		if err != nil {
			t.Fatalf("line %q did not parse: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []*protocol.WireEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestPlanPhaseEndsWithPlanReady(t *testing.T) {
	var out bytes.Buffer
	code := run(testConfig(), &out)
	if code != 0 {
		t.Fatalf("run returned %d, want 0", code)
	}

	events := parseLines(t, out.Bytes())
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	if events[0].Type != protocol.EventStarted {
		t.Errorf("first event = %s, want %s", events[0].Type, protocol.EventStarted)
	}

	last := events[len(events)-1]
	if last.Type != protocol.EventPlanReady {
		t.Fatalf("last event = %s, want %s", last.Type, protocol.EventPlanReady)
	}
	payload, err := last.PlanReady()
	if err != nil {
		t.Fatal(err)
	}
	if payload.Plan == "" || payload.SDKSessionID != "mock-sdk-sess-1" {
		t.Errorf("unexpected plan payload: %+v", payload)
	}
	if payload.TurnCount != 3 {
		t.Errorf("turnCount = %d, want 3", payload.TurnCount)
	}

	for _, ev := range events {
		if ev.TaskID != "task-1" || ev.SessionID != "sess-1" {
			t.Errorf("event %s carries wrong identifiers: %+v", ev.Type, ev)
		}
	}
}

func TestExecutePhaseEndsWithComplete(t *testing.T) {
	cfg := testConfig()
	cfg.phase = protocol.PhaseExecute
	cfg.resumeSession = "mock-sdk-sess-1"

	var out bytes.Buffer
	if code := run(cfg, &out); code != 0 {
		t.Fatalf("run returned %d, want 0", code)
	}

	events := parseLines(t, out.Bytes())
	last := events[len(events)-1]
	if last.Type != protocol.EventComplete {
		t.Fatalf("last event = %s, want %s", last.Type, protocol.EventComplete)
	}
	payload, err := last.Complete()
	if err != nil {
		t.Fatal(err)
	}
	if payload.Status != protocol.StatusCompleted {
		t.Errorf("status = %s, want %s", payload.Status, protocol.StatusCompleted)
	}

	// The resume session appears in the first assistant message.
	sawResume := false
	sawFileChanged := false
	for _, ev := range events {
		if ev.Type == protocol.EventMessage {
			sawResume = true
		}
		if ev.Type == protocol.EventFileChanged {
			sawFileChanged = true
		}
	}
	if !sawResume {
		t.Error("no resume acknowledgment message emitted")
	}
	if !sawFileChanged {
		t.Error("no file_changed events emitted")
	}
}

func TestStopFileCancelsRun(t *testing.T) {
	cfg := testConfig()
	cfg.stopFile = filepath.Join(t.TempDir(), "stop")
	if err := os.WriteFile(cfg.stopFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if code := run(cfg, &out); code != 0 {
		t.Fatalf("run returned %d, want 0", code)
	}

	events := parseLines(t, out.Bytes())
	last := events[len(events)-1]
	if last.Type != protocol.EventCancelled {
		t.Fatalf("last event = %s, want %s (got sequence %v)",
			last.Type, protocol.EventCancelled, eventTypes(events))
	}
}

func TestScenarioPlayback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	scenario := `
steps:
  - event: "agent:started"
    data: {model: "mock-model", maxTurns: 5}
  - event: "agent:turn"
    turnBoundary: true
    data: {turn: 1, maxTurns: 5, remaining: 4}
  - event: "agent:error"
    data: {error: "rate limit exceeded", turnCount: 1}
exitCode: 1
`
	if err := os.WriteFile(path, []byte(scenario), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.scenarioPath = path

	var out bytes.Buffer
	if code := run(cfg, &out); code != 1 {
		t.Fatalf("run returned %d, want scripted exit code 1", code)
	}

	events := parseLines(t, out.Bytes())
	want := []string{protocol.EventStarted, protocol.EventTurn, protocol.EventError}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event sequence = %v, want %v", got, want)
		}
	}

	payload, err := events[2].ErrorDetail()
	if err != nil {
		t.Fatal(err)
	}
	if payload.Error != "rate limit exceeded" {
		t.Errorf("error payload = %+v", payload)
	}
}

func TestScenarioStopAtTurnBoundary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	scenario := `
steps:
  - event: "agent:started"
  - event: "agent:turn"
    turnBoundary: true
    data: {turn: 1, maxTurns: 5, remaining: 4}
  - event: "agent:complete"
    data: {status: "completed", turnCount: 1}
`
	if err := os.WriteFile(path, []byte(scenario), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.scenarioPath = path
	cfg.stopFile = filepath.Join(dir, "stop")
	if err := os.WriteFile(cfg.stopFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if code := run(cfg, &out); code != 0 {
		t.Fatalf("run returned %d, want 0", code)
	}

	events := parseLines(t, out.Bytes())
	got := eventTypes(events)
	if len(got) != 2 || got[1] != protocol.EventCancelled {
		t.Fatalf("event sequence = %v, want started then cancelled", got)
	}
}

func TestLoadScenarioRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(path, []byte("steps: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadScenario(path); err == nil {
		t.Error("expected error for scenario with no steps")
	}
}
