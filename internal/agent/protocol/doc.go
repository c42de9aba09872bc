// Package protocol defines the wire contract between the agent binary and
// the backend container bridge.
//
// The agent binary writes line-delimited JSON to stdout, UTF-8, one event
// per line, LF-terminated (CRLF tolerated). Every line carries the envelope:
//
//	{ "type": "...", "timestamp": <ms-since-epoch>,
//	  "taskId": "...", "sessionId": "...", "data": { ... } }
//
// Event types (use Event* constants):
//   - agent:started: run accepted, reports model and turn budget
//   - agent:token: streaming text content
//   - agent:turn: turn boundary with remaining budget
//   - agent:tool:start / agent:tool:result: tool invocation lifecycle
//   - agent:message: full role/content message
//   - agent:plan_ready: plan phase produced a plan awaiting approval
//   - agent:complete: run finished (completed, turn_limit, or cancelled)
//   - agent:error: run failed with an error message
//   - agent:cancelled: cooperative stop honored
//   - agent:file_changed: workspace file mutation notice
//
// Events forwarded onto a session's durable stream are re-typed under the
// "container-agent:" prefix and their payloads augmented with
// {taskId, sessionId, projectId}. agent:plan_ready is never forwarded; it is
// delivered to the orchestrator callback only.
//
// The cooperative-stop contract: the backend writes a stop-file into the
// sandbox and the agent polls for it at turn boundaries; on detection it
// emits agent:cancelled and exits zero.
package protocol
