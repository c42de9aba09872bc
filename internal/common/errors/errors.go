// Package errors provides custom error types for the Taskforge application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Generic error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Admission error codes, returned synchronously from orchestrator operations.
const (
	ErrCodeAgentAlreadyRunning = "AGENT_ALREADY_RUNNING"
	ErrCodeConcurrencyLimit    = "CONCURRENCY_LIMIT"
	ErrCodePlanNotPending      = "PLAN_NOT_PENDING"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
)

// Dependency error codes, raised while assembling a run.
const (
	ErrCodeAPIKeyNotConfigured  = "API_KEY_NOT_CONFIGURED"
	ErrCodeWorktreeCreateFailed = "WORKTREE_CREATE_FAILED"
	ErrCodeSandboxUnavailable   = "SANDBOX_UNAVAILABLE"
	ErrCodeStreamNotFound       = "STREAM_NOT_FOUND"
)

// Runtime error codes, raised during a live run.
const (
	ErrCodeExecStreamFailed        = "EXEC_STREAM_FAILED"
	ErrCodeSubscriberOverrun       = "SUBSCRIBER_OVERRUN"
	ErrCodePlanToolInputParse      = "PLAN_TOOL_INPUT_PARSE_ERROR"
	ErrCodePlanCredentialsNotFound = "PLAN_CREDENTIALS_NOT_FOUND"
	ErrCodePlanCredentialsExpired  = "PLAN_CREDENTIALS_EXPIRED"
	ErrCodePlanAPIError            = "PLAN_API_ERROR"
)

// Policy error codes.
const (
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"
	ErrCodeTurnLimitReached = "TURN_LIMIT_REACHED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// AgentAlreadyRunning indicates a task already has a live agent run.
func AgentAlreadyRunning(taskID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentAlreadyRunning,
		Message:    fmt.Sprintf("an agent is already running for task '%s'", taskID),
		HTTPStatus: http.StatusConflict,
	}
}

// ConcurrencyLimit indicates the project's concurrent-agent gate denied admission.
func ConcurrencyLimit(projectID string, limit int) *AppError {
	return &AppError{
		Code:       ErrCodeConcurrencyLimit,
		Message:    fmt.Sprintf("project '%s' already has %d agents running", projectID, limit),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// PlanNotPending indicates an approve/reject arrived without a pending plan.
func PlanNotPending(taskID string) *AppError {
	return &AppError{
		Code:       ErrCodePlanNotPending,
		Message:    fmt.Sprintf("task '%s' has no plan awaiting a decision", taskID),
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidTransition indicates a task column move the state machine forbids.
func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("cannot move task from '%s' to '%s'", from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// APIKeyNotConfigured indicates no agent credential could be resolved.
func APIKeyNotConfigured() *AppError {
	return &AppError{
		Code:       ErrCodeAPIKeyNotConfigured,
		Message:    "no API key is configured for the agent provider",
		HTTPStatus: http.StatusPreconditionFailed,
	}
}

// WorktreeCreateFailed wraps a worktree provisioning failure.
func WorktreeCreateFailed(err error) *AppError {
	return &AppError{
		Code:       ErrCodeWorktreeCreateFailed,
		Message:    "failed to create task worktree",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SandboxUnavailable indicates the project sandbox is missing or not running.
func SandboxUnavailable(projectID string) *AppError {
	return &AppError{
		Code:       ErrCodeSandboxUnavailable,
		Message:    fmt.Sprintf("sandbox for project '%s' is not available", projectID),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// StreamNotFound indicates a publish or subscribe against a stream that was
// never created (or was deleted).
func StreamNotFound(streamID string) *AppError {
	return &AppError{
		Code:       ErrCodeStreamNotFound,
		Message:    fmt.Sprintf("stream '%s' not found", streamID),
		HTTPStatus: http.StatusNotFound,
	}
}

// ExecStreamFailed wraps a failure to launch the agent exec inside the sandbox.
func ExecStreamFailed(err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecStreamFailed,
		Message:    "failed to start agent exec stream",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SubscriberOverrun indicates a stream subscriber fell too far behind and was
// terminated rather than back-pressuring publishers.
func SubscriberOverrun(streamID string) *AppError {
	return &AppError{
		Code:       ErrCodeSubscriberOverrun,
		Message:    fmt.Sprintf("subscriber on stream '%s' overran its buffer", streamID),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// PlanToolInputParseError wraps a malformed plan tool payload.
func PlanToolInputParseError(err error) *AppError {
	return &AppError{
		Code:       ErrCodePlanToolInputParse,
		Message:    "failed to parse plan tool input",
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

// PlanCredentialsNotFound indicates plan generation found no usable credential.
func PlanCredentialsNotFound() *AppError {
	return &AppError{
		Code:       ErrCodePlanCredentialsNotFound,
		Message:    "no credentials found for plan generation",
		HTTPStatus: http.StatusPreconditionFailed,
	}
}

// PlanCredentialsExpired indicates the stored credential is past its expiry.
func PlanCredentialsExpired() *AppError {
	return &AppError{
		Code:       ErrCodePlanCredentialsExpired,
		Message:    "credentials for plan generation have expired",
		HTTPStatus: http.StatusPreconditionFailed,
	}
}

// PlanAPIError wraps an upstream model API failure during plan generation.
func PlanAPIError(err error) *AppError {
	return &AppError{
		Code:       ErrCodePlanAPIError,
		Message:    "plan generation API request failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// RetryExhausted wraps the last error after the retry budget ran out.
func RetryExhausted(attempts int, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRetryExhausted,
		Message:    fmt.Sprintf("operation failed after %d attempts", attempts),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// TurnLimitReached indicates the run consumed its full turn budget.
func TurnLimitReached(turn int) *AppError {
	return &AppError{
		Code:       ErrCodeTurnLimitReached,
		Message:    fmt.Sprintf("agent reached the turn limit at turn %d", turn),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound) || HasCode(err, ErrCodeStreamNotFound)
}

// HasCode reports whether err carries the given application error code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetCode returns the application error code for an error, or
// INTERNAL_ERROR if the error is not an AppError.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
