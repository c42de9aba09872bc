// Package turns bounds how many turns an agent run may consume. The
// limiter warns once near the budget and stops the run at it; turn counts
// carry across exec restarts within the same run, so a retried agent cannot
// reset its budget.
package turns

import (
	"context"
	"math"
	"sync"
)

// DefaultWarningThreshold is the fraction of maxTurns at which the warning
// fires.
const DefaultWarningThreshold = 0.8

// Result reports the outcome of one turn increment.
type Result struct {
	CanContinue bool
	Warning     bool
	CurrentTurn int
}

// WarningFunc is invoked exactly once, on the turn that crosses the
// warning threshold.
type WarningFunc func(ctx context.Context, currentTurn, maxTurns int)

// LimitFunc is invoked when the run consumes its final turn.
type LimitFunc func(ctx context.Context, currentTurn int)

// Limiter tracks turn consumption for one agent run.
type Limiter struct {
	mu               sync.Mutex
	currentTurn      int
	maxTurns         int
	warningThreshold float64

	onWarning      WarningFunc
	onLimitReached LimitFunc
}

// NewLimiter creates a limiter. A non-positive maxTurns disables the limit.
// A threshold outside (0,1] falls back to DefaultWarningThreshold.
func NewLimiter(maxTurns int, warningThreshold float64) *Limiter {
	if warningThreshold <= 0 || warningThreshold > 1 {
		warningThreshold = DefaultWarningThreshold
	}
	return &Limiter{
		maxTurns:         maxTurns,
		warningThreshold: warningThreshold,
	}
}

// OnWarning registers the warning callback.
func (l *Limiter) OnWarning(fn WarningFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWarning = fn
}

// OnLimitReached registers the limit callback.
func (l *Limiter) OnLimitReached(fn LimitFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLimitReached = fn
}

// IncrementTurn consumes one turn. The warning fires on the turn equal to
// ceil(maxTurns * warningThreshold); the limit fires on the turn that
// reaches maxTurns. Both can fire on the same increment when the threshold
// is 1.
func (l *Limiter) IncrementTurn(ctx context.Context) Result {
	l.mu.Lock()
	l.currentTurn++
	turn := l.currentTurn
	max := l.maxTurns
	warnAt := int(math.Ceil(float64(max) * l.warningThreshold))
	onWarning := l.onWarning
	onLimit := l.onLimitReached
	l.mu.Unlock()

	res := Result{CanContinue: true, CurrentTurn: turn}
	if max <= 0 {
		return res
	}

	if turn == warnAt {
		res.Warning = true
		if onWarning != nil {
			onWarning(ctx, turn, max)
		}
	}
	if turn >= max {
		res.CanContinue = false
		if onLimit != nil {
			onLimit(ctx, turn)
		}
	}
	return res
}

// CurrentTurn returns the number of turns consumed.
func (l *Limiter) CurrentTurn() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTurn
}

// MaxTurns returns the budget, 0 meaning unlimited.
func (l *Limiter) MaxTurns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxTurns
}

// Remaining returns how many turns are left, or -1 when unlimited.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxTurns <= 0 {
		return -1
	}
	if rem := l.maxTurns - l.currentTurn; rem > 0 {
		return rem
	}
	return 0
}
