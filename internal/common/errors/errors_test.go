package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorFormatting(t *testing.T) {
	err := AgentAlreadyRunning("task-1")
	want := "AGENT_ALREADY_RUNNING: an agent is already running for task 'task-1'"
	if err.Error() != want {
		t.Errorf("unexpected message: %q", err.Error())
	}

	wrapped := ExecStreamFailed(fmt.Errorf("boom"))
	if wrapped.Error() != "EXEC_STREAM_FAILED: failed to start agent exec stream: boom" {
		t.Errorf("unexpected wrapped message: %q", wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	inner := fmt.Errorf("dial tcp: connection refused")
	err := WorktreeCreateFailed(inner)
	if !stderrors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	base := StreamNotFound("s-1")
	wrapped := Wrap(base, "publishing event")
	if wrapped.Code != ErrCodeStreamNotFound {
		t.Errorf("expected code preserved, got %s", wrapped.Code)
	}
	if wrapped.HTTPStatus != http.StatusNotFound {
		t.Errorf("expected status preserved, got %d", wrapped.HTTPStatus)
	}

	plain := Wrap(fmt.Errorf("oops"), "doing work")
	if plain.Code != ErrCodeInternalError {
		t.Errorf("expected internal error code, got %s", plain.Code)
	}

	if Wrap(nil, "noop") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestHasCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", ConcurrencyLimit("p-1", 2))
	if !HasCode(err, ErrCodeConcurrencyLimit) {
		t.Error("expected HasCode to see through fmt wrapping")
	}
	if HasCode(err, ErrCodeAgentAlreadyRunning) {
		t.Error("unexpected code match")
	}
	if HasCode(nil, ErrCodeConcurrencyLimit) {
		t.Error("nil error should not match")
	}
}

func TestGetCodeAndStatus(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{AgentAlreadyRunning("t"), ErrCodeAgentAlreadyRunning, http.StatusConflict},
		{ConcurrencyLimit("p", 2), ErrCodeConcurrencyLimit, http.StatusTooManyRequests},
		{PlanNotPending("t"), ErrCodePlanNotPending, http.StatusConflict},
		{InvalidTransition("backlog", "verified"), ErrCodeInvalidTransition, http.StatusConflict},
		{APIKeyNotConfigured(), ErrCodeAPIKeyNotConfigured, http.StatusPreconditionFailed},
		{SandboxUnavailable("p"), ErrCodeSandboxUnavailable, http.StatusServiceUnavailable},
		{StreamNotFound("s"), ErrCodeStreamNotFound, http.StatusNotFound},
		{SubscriberOverrun("s"), ErrCodeSubscriberOverrun, http.StatusInternalServerError},
		{RetryExhausted(3, fmt.Errorf("x")), ErrCodeRetryExhausted, http.StatusInternalServerError},
		{TurnLimitReached(50), ErrCodeTurnLimitReached, http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		if got := GetCode(tc.err); got != tc.code {
			t.Errorf("GetCode(%v) = %s, want %s", tc.err, got, tc.code)
		}
		if got := GetHTTPStatus(tc.err); got != tc.status {
			t.Errorf("GetHTTPStatus(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}

	if GetCode(fmt.Errorf("plain")) != ErrCodeInternalError {
		t.Error("plain errors should map to INTERNAL_ERROR")
	}
	if GetHTTPStatus(fmt.Errorf("plain")) != http.StatusInternalServerError {
		t.Error("plain errors should map to 500")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NotFound("task", "t-1")) {
		t.Error("NotFound should be IsNotFound")
	}
	if !IsNotFound(StreamNotFound("s-1")) {
		t.Error("StreamNotFound should be IsNotFound")
	}
	if IsNotFound(Conflict("nope")) {
		t.Error("Conflict should not be IsNotFound")
	}
}
