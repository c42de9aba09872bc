// Package recovery classifies agent and transport failures and applies the
// retry policy for live runs.
package recovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
)

// Class is the retryability classification of an error.
type Class int

const (
	// Fatal — the error is not recoverable; surface it to the caller.
	Fatal Class = iota
	// Retryable — transient failure; the operation may be retried with backoff.
	Retryable
)

// Action is the recovery decision for an in-run agent error.
type Action string

const (
	// ActionPause — stop driving the run; a retry may follow later.
	ActionPause Action = "pause"
	// ActionRetry — restart the exec, resuming the session when possible.
	ActionRetry Action = "retry"
	// ActionFail — terminal failure; publish the error and close the run.
	ActionFail Action = "fail"
)

// Decision is the outcome of HandleAgentError.
type Decision struct {
	Action      Action
	ShouldRetry bool
	Message     string
}

// RetryOptions configures WithRetry.
type RetryOptions struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryOptions returns the standard backoff schedule: three retries
// starting at one second, doubling, capped at thirty seconds.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
	}
}

var rateLimitIndicators = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"overloaded",
	"529",
}

var timeoutIndicators = []string{
	"request timeout",
	"timed out",
	"timeout",
}

var connectionIndicators = []string{
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"broken pipe",
}

var unavailableIndicators = []string{
	"503",
	"service unavailable",
}

var contextLengthIndicators = []string{
	"context length",
	"context_length",
	"prompt is too long",
	"maximum context",
}

func containsAny(msg string, indicators []string) bool {
	lower := strings.ToLower(msg)
	for _, ind := range indicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// isRateLimitMessage reports whether the message is in the rate-limit family.
func isRateLimitMessage(msg string) bool {
	return containsAny(msg, rateLimitIndicators)
}

// isNetworkMessage reports whether the message indicates a transient
// transport or availability failure.
func isNetworkMessage(msg string) bool {
	return containsAny(msg, timeoutIndicators) ||
		containsAny(msg, connectionIndicators) ||
		containsAny(msg, unavailableIndicators)
}

// isContextLengthMessage reports whether the message indicates the model
// context window was exceeded.
func isContextLengthMessage(msg string) bool {
	return containsAny(msg, contextLengthIndicators)
}

// IsRetryableMessage reports whether an agent-reported error message is
// worth retrying: rate limits, request timeouts, connection resets and
// refusals, 503/529 responses, and overload notices.
func IsRetryableMessage(msg string) bool {
	return isRateLimitMessage(msg) || isNetworkMessage(msg)
}

// Classify determines whether an error is retryable.
// Context cancellation is always fatal: the caller gave up.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	if IsRetryableMessage(err.Error()) {
		return Retryable
	}
	return Fatal
}

// WithRetry runs op, retrying retryable failures with exponential backoff.
// It returns nil on the first success, the error itself on a fatal failure,
// and RETRY_EXHAUSTED wrapping the last error once the budget runs out.
// The backoff sleep is cancelable through ctx.
func WithRetry(ctx context.Context, opts RetryOptions, op func(ctx context.Context) error) error {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 2
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}

	var lastErr error
	delay := opts.InitialDelay

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * opts.BackoffFactor)
			if delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) == Fatal {
			return lastErr
		}
	}

	return apperrors.RetryExhausted(opts.MaxRetries+1, lastErr)
}

// HandleAgentError decides how the orchestrator should react to an
// agent:error event reported at currentTurn of a maxTurns budget.
func HandleAgentError(message string, currentTurn, maxTurns int) Decision {
	if maxTurns > 0 && currentTurn >= maxTurns {
		return Decision{
			Action:      ActionPause,
			ShouldRetry: false,
			Message:     "turn limit reached; pausing run",
		}
	}

	if isRateLimitMessage(message) {
		return Decision{
			Action:      ActionPause,
			ShouldRetry: true,
			Message:     "rate limited; will retry after backoff",
		}
	}

	if isContextLengthMessage(message) {
		// The caller is expected to summarize the session before retrying.
		return Decision{
			Action:      ActionRetry,
			ShouldRetry: true,
			Message:     "context window exceeded; retrying",
		}
	}

	if isNetworkMessage(message) {
		return Decision{
			Action:      ActionRetry,
			ShouldRetry: true,
			Message:     "transient network error; retrying",
		}
	}

	return Decision{
		Action:      ActionFail,
		ShouldRetry: false,
		Message:     message,
	}
}
