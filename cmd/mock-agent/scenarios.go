package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/internal/agent/protocol"
)

// Scenario is a YAML-scripted event sequence for deterministic tests. The
// file replaces the built-in phase behavior entirely: every step is emitted
// in order, with the stop-file polled before each step marked as a turn
// boundary.
//
//	steps:
//	  - event: "agent:started"
//	    data: {model: "mock-model", maxTurns: 5}
//	  - event: "agent:turn"
//	    turnBoundary: true
//	    delayMs: 20
//	    data: {turn: 1, maxTurns: 5, remaining: 4}
//	  - event: "agent:error"
//	    data: {error: "rate limit exceeded", turnCount: 1}
//	exitCode: 1
type Scenario struct {
	Steps    []Step `yaml:"steps"`
	ExitCode int    `yaml:"exitCode"`
}

// Step is one wire event in a scenario.
type Step struct {
	Event        string         `yaml:"event"`
	Data         map[string]any `yaml:"data"`
	DelayMs      int            `yaml:"delayMs"`
	TurnBoundary bool           `yaml:"turnBoundary"`
}

// loadScenario parses a scenario file.
func loadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario %s has no steps", path)
	}
	for i, step := range s.Steps {
		if step.Event == "" {
			return nil, fmt.Errorf("scenario %s: step %d is missing an event type", path, i)
		}
	}
	return &s, nil
}

// playScenario emits the scripted steps and returns the scripted exit code.
// A stop-file observed at a turn boundary short-circuits to agent:cancelled
// with exit 0, matching the cooperative-stop contract.
func playScenario(cfg runConfig, e *emitter, s *Scenario) int {
	turns := 0
	for _, step := range s.Steps {
		if step.TurnBoundary {
			if stopRequested(cfg) {
				e.emitJSON(protocol.EventCancelled, protocol.CancelledPayload{TurnCount: turns})
				return 0
			}
			turns++
		}
		if step.DelayMs > 0 {
			time.Sleep(time.Duration(step.DelayMs) * time.Millisecond)
		}
		e.emit(step.Event, step.Data)
	}
	return s.ExitCode
}
