// Package bridge connects a sandbox exec's stdout to the durable stream
// layer. It reads LF-framed JSON events, validates them against the run's
// identifiers, publishes recognized events onto the run's session stream,
// and hands terminal events to the orchestrator as typed notices on a
// channel.
//
// Interleaved non-JSON output from ordinary tools is expected and ignored.
// agent:plan_ready is neither an error nor a completion: it is delivered as
// a notice only and never published, so a clean exit after plan_ready does
// not look like a failure.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/agent/protocol"
	"github.com/taskforge/taskforge/internal/common/logger"
)

// maxLineSize bounds one stdout line. Agent token events stay well under
// this; anything larger is tool noise that gets dropped by the scanner.
const maxLineSize = 1024 * 1024

// noticeBuffer sizes the notice channel. Terminal notices are rare (one or
// two per exec), turn notices arrive at human cadence.
const noticeBuffer = 16

// NoticeKind discriminates the notices a run loop consumes.
type NoticeKind int

const (
	// NoticePlanReady carries the proposed plan from a plan-phase run.
	NoticePlanReady NoticeKind = iota + 1
	// NoticeTurn reports one completed agent turn.
	NoticeTurn
	// NoticeComplete reports a terminal agent:complete event.
	NoticeComplete
	// NoticeError reports a terminal agent:error event.
	NoticeError
	// NoticeCancelled reports cooperative stop acknowledgement.
	NoticeCancelled
)

// Notice is one typed event delivered to the orchestrator's run loop.
// Exactly the fields for its kind are populated.
type Notice struct {
	Kind NoticeKind

	PlanReady protocol.PlanReadyPayload // NoticePlanReady
	Turn      protocol.TurnPayload      // NoticeTurn

	// Status is the completion status for NoticeComplete.
	Status string

	// ErrorMessage is the agent-reported error for NoticeError.
	ErrorMessage string

	// TurnCount is the turn the run had reached when the notice fired.
	TurnCount int
}

// Publisher is the slice of the session service the bridge publishes
// through.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventType string, data map[string]any) (int64, error)
}

// Config binds a bridge to one run.
type Config struct {
	TaskID    string
	SessionID string
	ProjectID string
	Publisher Publisher
	Logger    *logger.Logger
}

// Bridge parses one exec's stdout. Create with New, drive with Run.
type Bridge struct {
	taskID    string
	sessionID string
	projectID string
	publisher Publisher
	logger    *logger.Logger

	notices chan Notice

	stopOnce  sync.Once
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a bridge for one agent exec.
func New(cfg Config) *Bridge {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{
		taskID:    cfg.TaskID,
		sessionID: cfg.SessionID,
		projectID: cfg.ProjectID,
		publisher: cfg.Publisher,
		logger: log.WithFields(
			zap.String("component", "bridge"),
			zap.String("task_id", cfg.TaskID),
			zap.String("session_id", cfg.SessionID)),
		notices: make(chan Notice, noticeBuffer),
		stopped: make(chan struct{}),
	}
}

// Notices returns the typed event channel. It closes when the stdout
// stream ends or the bridge is stopped.
func (b *Bridge) Notices() <-chan Notice {
	return b.notices
}

// Stop halts further processing. Idempotent; safe to call concurrently
// with Run.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopped) })
}

// Run consumes stdout until EOF, Stop, or context cancellation, then
// closes the notice channel. Call it in its own goroutine; the read loop
// never blocks on publish, so slow stream consumers cannot stall agent
// stdout.
func (b *Bridge) Run(ctx context.Context, stdout io.Reader) {
	defer b.closeOnce.Do(func() { close(b.notices) })

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-b.stopped:
			return
		case <-ctx.Done():
			return
		default:
		}

		line := bytes.TrimSuffix(scanner.Bytes(), []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		b.handleLine(ctx, line)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		// The pipe closing under a kill surfaces here; the run loop
		// decides what the exec's exit means.
		b.logger.Debug("stdout read ended", zap.Error(err))
	}
}

func (b *Bridge) handleLine(ctx context.Context, line []byte) {
	event, err := protocol.Parse(line)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedLine) {
			// Plain tool output interleaves with events.
			b.logger.Debug("ignoring non-event line", zap.Int("bytes", len(line)))
		} else {
			b.logger.Warn("dropping invalid event", zap.Error(err))
		}
		return
	}

	if event.TaskID != b.taskID || event.SessionID != b.sessionID {
		b.logger.Warn("dropping event with mismatched identifiers",
			zap.String("event_type", event.Type),
			zap.String("event_task_id", event.TaskID),
			zap.String("event_session_id", event.SessionID))
		return
	}

	if streamType, ok := protocol.StreamType(event.Type); ok {
		if _, err := b.publisher.Publish(ctx, b.sessionID, streamType, protocol.StreamPayload(event, b.projectID)); err != nil {
			// Publish failures never terminate the bridge; the agent run
			// continues and later events may still land.
			b.logger.Warn("failed to publish stream event",
				zap.String("event_type", streamType), zap.Error(err))
		}
	} else if event.Type != protocol.EventPlanReady {
		b.logger.Debug("unrecognized event type", zap.String("event_type", event.Type))
		return
	}

	b.notify(event)
}

// notify translates routed events into notices. Non-terminal stream-only
// events (tokens, tool traffic, messages) produce none.
func (b *Bridge) notify(event *protocol.WireEvent) {
	var notice Notice
	switch event.Type {
	case protocol.EventPlanReady:
		payload, err := event.PlanReady()
		if err != nil {
			b.logger.Warn("dropping malformed plan_ready payload", zap.Error(err))
			return
		}
		notice = Notice{Kind: NoticePlanReady, PlanReady: payload, TurnCount: payload.TurnCount}

	case protocol.EventTurn:
		payload, err := event.TurnInfo()
		if err != nil {
			b.logger.Debug("malformed turn payload", zap.Error(err))
			return
		}
		notice = Notice{Kind: NoticeTurn, Turn: payload, TurnCount: payload.Turn}

	case protocol.EventComplete:
		payload, err := event.Complete()
		if err != nil {
			b.logger.Warn("malformed complete payload", zap.Error(err))
			payload.Status = protocol.StatusCompleted
		}
		notice = Notice{Kind: NoticeComplete, Status: payload.Status, TurnCount: payload.TurnCount}

	case protocol.EventError:
		payload, err := event.ErrorDetail()
		if err != nil {
			b.logger.Warn("malformed error payload", zap.Error(err))
			payload.Error = "agent reported an error"
		}
		notice = Notice{Kind: NoticeError, ErrorMessage: payload.Error, TurnCount: payload.TurnCount}

	case protocol.EventCancelled:
		payload, _ := event.Cancelled()
		notice = Notice{Kind: NoticeCancelled, TurnCount: payload.TurnCount}

	default:
		return
	}

	select {
	case b.notices <- notice:
	case <-b.stopped:
	}
}
