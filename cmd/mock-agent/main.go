// Package main implements a mock agent binary that speaks the taskforge
// wire protocol on stdout. The orchestrator launches it inside a sandbox
// exec exactly like the real agent, which makes it the workhorse for
// integration and e2e testing: it honors the full environment contract,
// polls the stop-file at turn boundaries, and can replay YAML-scripted
// scenarios for deterministic assertions.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/agent/protocol"
)

// runConfig is the environment contract read at startup.
type runConfig struct {
	taskID        string
	sessionID     string
	projectID     string
	prompt        string
	phase         string
	model         string
	maxTurns      int
	stopFile      string
	resumeSession string
	scenarioPath  string
	turnDelay     time.Duration
}

func main() {
	cfg, err := configFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(2)
	}
	os.Exit(run(cfg, os.Stdout))
}

// configFromEnv reads the injected environment. TASK_ID and SESSION_ID are
// mandatory; everything else has a usable default.
func configFromEnv() (runConfig, error) {
	cfg := runConfig{
		taskID:        os.Getenv(protocol.EnvTaskID),
		sessionID:     os.Getenv(protocol.EnvSessionID),
		projectID:     os.Getenv(protocol.EnvProjectID),
		prompt:        os.Getenv(protocol.EnvPrompt),
		phase:         os.Getenv(protocol.EnvPhase),
		model:         os.Getenv(protocol.EnvModel),
		stopFile:      os.Getenv(protocol.EnvStopFile),
		resumeSession: os.Getenv(protocol.EnvResumeSession),
		scenarioPath:  os.Getenv("MOCK_AGENT_SCENARIO"),
		maxTurns:      5,
		turnDelay:     10 * time.Millisecond,
	}
	if cfg.taskID == "" || cfg.sessionID == "" {
		return cfg, fmt.Errorf("%s and %s are required", protocol.EnvTaskID, protocol.EnvSessionID)
	}
	if cfg.phase == "" {
		cfg.phase = protocol.PhasePlan
	}
	if cfg.model == "" {
		cfg.model = "mock-model"
	}
	if raw := os.Getenv(protocol.EnvMaxTurns); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.maxTurns = n
		}
	}
	if raw := os.Getenv("MOCK_AGENT_TURN_DELAY"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.turnDelay = d
		}
	}
	return cfg, nil
}

// emitter writes LF-framed wire events.
type emitter struct {
	cfg runConfig
	w   *bufio.Writer
}

func newEmitter(cfg runConfig, out io.Writer) *emitter {
	return &emitter{cfg: cfg, w: bufio.NewWriter(out)}
}

func (e *emitter) emit(eventType string, data map[string]any) {
	ev := protocol.NewWireEvent(eventType, e.cfg.taskID, e.cfg.sessionID, data)
	line, err := ev.Marshal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encoding %s: %v\n", eventType, err)
		return
	}
	e.w.Write(line)
	e.w.WriteByte('\n')
	e.w.Flush()
}

func (e *emitter) emitJSON(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encoding %s: %v\n", eventType, err)
		return
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encoding %s: %v\n", eventType, err)
		return
	}
	e.emit(eventType, data)
}

// stopRequested reports whether the orchestrator has written the stop-file.
func stopRequested(cfg runConfig) bool {
	if cfg.stopFile == "" {
		return false
	}
	_, err := os.Stat(cfg.stopFile)
	return err == nil
}

// run emits the scripted or built-in event sequence and returns the process
// exit code.
func run(cfg runConfig, out io.Writer) int {
	e := newEmitter(cfg, out)

	if cfg.scenarioPath != "" {
		scenario, err := loadScenario(cfg.scenarioPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
			return 2
		}
		return playScenario(cfg, e, scenario)
	}

	switch cfg.phase {
	case protocol.PhaseExecute:
		return runExecute(cfg, e)
	default:
		return runPlan(cfg, e)
	}
}

// runPlan simulates the planning conversation: a few turns of reading and
// thinking, then agent:plan_ready and a clean exit. The session the real
// SDK would keep open is represented by a fabricated SDK session id so the
// execute phase can prove resume plumbing.
func runPlan(cfg runConfig, e *emitter) int {
	e.emitJSON(protocol.EventStarted, protocol.StartedPayload{Model: cfg.model, MaxTurns: cfg.maxTurns})

	turns := min(3, cfg.maxTurns)
	for turn := 1; turn <= turns; turn++ {
		if stopRequested(cfg) {
			e.emitJSON(protocol.EventCancelled, protocol.CancelledPayload{TurnCount: turn - 1})
			return 0
		}
		time.Sleep(cfg.turnDelay)
		e.emitJSON(protocol.EventTurn, protocol.TurnPayload{
			Turn: turn, MaxTurns: cfg.maxTurns, Remaining: cfg.maxTurns - turn,
		})
		toolID := fmt.Sprintf("tool-%d", turn)
		e.emitJSON(protocol.EventToolStart, protocol.ToolStartPayload{
			ToolName: "Read", ToolID: toolID,
			Input: map[string]any{"path": fmt.Sprintf("src/file%d.go", turn)},
		})
		e.emitJSON(protocol.EventToolResult, protocol.ToolResultPayload{
			ToolName: "Read", ToolID: toolID, Output: "package main",
		})
		e.emitJSON(protocol.EventToken, protocol.TokenPayload{Text: fmt.Sprintf("analyzing step %d... ", turn)})
	}

	e.emitJSON(protocol.EventPlanReady, protocol.PlanReadyPayload{
		Plan:         planText(cfg.prompt),
		TurnCount:    turns,
		SDKSessionID: "mock-sdk-" + cfg.sessionID,
		AllowedPrompts: []protocol.AllowedPrompt{
			{Tool: "Bash", Prompt: "run the test suite"},
		},
	})
	return 0
}

// runExecute simulates plan execution: edits with file_changed events,
// then agent:complete. A resume session id is acknowledged in the first
// message so tests can assert the conversation carried over.
func runExecute(cfg runConfig, e *emitter) int {
	e.emitJSON(protocol.EventStarted, protocol.StartedPayload{Model: cfg.model, MaxTurns: cfg.maxTurns})
	if cfg.resumeSession != "" {
		e.emitJSON(protocol.EventMessage, protocol.MessagePayload{
			Role: "assistant", Content: "resuming session " + cfg.resumeSession,
		})
	}

	turns := min(4, cfg.maxTurns)
	for turn := 1; turn <= turns; turn++ {
		if stopRequested(cfg) {
			e.emitJSON(protocol.EventCancelled, protocol.CancelledPayload{TurnCount: turn - 1})
			return 0
		}
		time.Sleep(cfg.turnDelay)
		e.emitJSON(protocol.EventTurn, protocol.TurnPayload{
			Turn: turn, MaxTurns: cfg.maxTurns, Remaining: cfg.maxTurns - turn,
		})
		toolID := fmt.Sprintf("tool-%d", turn)
		path := fmt.Sprintf("src/file%d.go", turn)
		e.emitJSON(protocol.EventToolStart, protocol.ToolStartPayload{
			ToolName: "Edit", ToolID: toolID, Input: map[string]any{"path": path},
		})
		e.emitJSON(protocol.EventToolResult, protocol.ToolResultPayload{
			ToolName: "Edit", ToolID: toolID, Output: "ok",
		})
		e.emitJSON(protocol.EventFileChanged, protocol.FileChangedPayload{
			Path: path, Action: "modify", ToolName: "Edit", Additions: 4, Deletions: 1,
		})
	}

	e.emitJSON(protocol.EventComplete, protocol.CompletePayload{
		Status:    protocol.StatusCompleted,
		TurnCount: turns,
		Result:    "changes applied",
	})
	return 0
}

// planText produces a plausible plan body echoing the prompt.
func planText(prompt string) string {
	summary := strings.TrimSpace(prompt)
	if summary == "" {
		summary = "the requested change"
	}
	return fmt.Sprintf("## Plan\n\n1. Investigate %s\n2. Apply the change\n3. Run the test suite", summary)
}
