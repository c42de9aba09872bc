package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire event type constants emitted by the agent binary.
const (
	EventStarted     = "agent:started"
	EventToken       = "agent:token"
	EventTurn        = "agent:turn"
	EventToolStart   = "agent:tool:start"
	EventToolResult  = "agent:tool:result"
	EventMessage     = "agent:message"
	EventPlanReady   = "agent:plan_ready"
	EventComplete    = "agent:complete"
	EventError       = "agent:error"
	EventCancelled   = "agent:cancelled"
	EventFileChanged = "agent:file_changed"
)

// Turn limiter event types, published directly to the session stream by the
// limiter rather than through the bridge.
const (
	EventWarning   = "agent:warning"
	EventTurnLimit = "agent:turn_limit"
)

// StreamEventPrefix is prepended to forwarded event types on durable streams.
const StreamEventPrefix = "container-agent:"

// Stream event type constants for events the bridge publishes.
const (
	StreamStarted     = StreamEventPrefix + "started"
	StreamToken       = StreamEventPrefix + "token"
	StreamTurn        = StreamEventPrefix + "turn"
	StreamToolStart   = StreamEventPrefix + "tool:start"
	StreamToolResult  = StreamEventPrefix + "tool:result"
	StreamMessage     = StreamEventPrefix + "message"
	StreamComplete    = StreamEventPrefix + "complete"
	StreamError       = StreamEventPrefix + "error"
	StreamCancelled   = StreamEventPrefix + "cancelled"
	StreamFileChanged = StreamEventPrefix + "file_changed"

	// StreamStatus carries orchestrator stage messages (retry notices, etc.).
	StreamStatus = StreamEventPrefix + "status"
)

// Run completion statuses reported in agent:complete payloads.
const (
	StatusCompleted = "completed"
	StatusTurnLimit = "turn_limit"
	StatusCancelled = "cancelled"
)

// Parse failure sentinels. The bridge logs ErrMalformedLine at debug (plain
// tool output interleaves with events) and ErrInvalidEvent at warn.
var (
	ErrMalformedLine = errors.New("line is not valid JSON")
	ErrInvalidEvent  = errors.New("event is missing required fields")
)

// WireEvent is the envelope for every line the agent binary emits.
type WireEvent struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"` // ms since epoch
	TaskID    string         `json:"taskId"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
}

// NewWireEvent builds an event stamped with the current time.
func NewWireEvent(eventType, taskID, sessionID string, data map[string]any) *WireEvent {
	if data == nil {
		data = map[string]any{}
	}
	return &WireEvent{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		TaskID:    taskID,
		SessionID: sessionID,
		Data:      data,
	}
}

// Parse decodes one stdout line into a WireEvent. It returns
// ErrMalformedLine for non-JSON input and ErrInvalidEvent when the envelope
// is missing type, timestamp, taskId, or sessionId. Timestamp presence is
// checked, not its value; zero is a valid (if odd) epoch. A missing data
// object defaults to an empty map.
func Parse(line []byte) (*WireEvent, error) {
	var raw struct {
		Type      string         `json:"type"`
		Timestamp *int64         `json:"timestamp"`
		TaskID    string         `json:"taskId"`
		SessionID string         `json:"sessionId"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if raw.Type == "" || raw.Timestamp == nil || raw.TaskID == "" || raw.SessionID == "" {
		return nil, fmt.Errorf("%w: type=%q taskId=%q sessionId=%q hasTs=%t",
			ErrInvalidEvent, raw.Type, raw.TaskID, raw.SessionID, raw.Timestamp != nil)
	}
	e := WireEvent{
		Type:      raw.Type,
		Timestamp: *raw.Timestamp,
		TaskID:    raw.TaskID,
		SessionID: raw.SessionID,
		Data:      raw.Data,
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return &e, nil
}

// Marshal encodes the event as a single JSON line without the trailing LF.
func (e *WireEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// StreamType maps a wire event type onto its durable-stream event type.
// It returns false for agent:plan_ready (callback-only) and for types the
// bridge does not recognize.
func StreamType(wireType string) (string, bool) {
	switch wireType {
	case EventStarted:
		return StreamStarted, true
	case EventToken:
		return StreamToken, true
	case EventTurn:
		return StreamTurn, true
	case EventToolStart:
		return StreamToolStart, true
	case EventToolResult:
		return StreamToolResult, true
	case EventMessage:
		return StreamMessage, true
	case EventComplete:
		return StreamComplete, true
	case EventError:
		return StreamError, true
	case EventCancelled:
		return StreamCancelled, true
	case EventFileChanged:
		return StreamFileChanged, true
	default:
		return "", false
	}
}

// StreamPayload returns the event data augmented with the run identifiers,
// as required for every event published onto a durable stream.
func StreamPayload(e *WireEvent, projectID string) map[string]any {
	payload := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		payload[k] = v
	}
	payload["taskId"] = e.TaskID
	payload["sessionId"] = e.SessionID
	payload["projectId"] = projectID
	return payload
}
