package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/agent/bridge"
	"github.com/taskforge/taskforge/internal/agent/protocol"
	"github.com/taskforge/taskforge/internal/agent/turns"
	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/recovery"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/service"
)

// maxExecRetries bounds restart attempts for retryable in-run errors.
const maxExecRetries = 3

// outcomeKind is the terminal state of one exec attempt.
type outcomeKind int

const (
	outcomeSilentExit outcomeKind = iota // stdout closed with no terminal event
	outcomePlanReady
	outcomeComplete
	outcomeError
	outcomeCancelled
)

// execOutcome is what drive observed from one exec attempt.
type execOutcome struct {
	kind      outcomeKind
	planReady protocol.PlanReadyPayload
	status    string // agent:complete status
	errMsg    string // agent:error message
	turnCount int
	exitCode  int

	// ackCancelled is set when the agent emitted agent:cancelled itself, in
	// which case the bridge already published the stream event.
	ackCancelled bool
}

// runLoop supervises one logical agent run across exec attempts. It is the
// only goroutine that finalizes the run's task state, which keeps stop,
// retry, and completion from racing each other.
func (s *Service) runLoop(ctx context.Context, run *agentRun) {
	defer close(run.done)
	defer s.unregister(run)
	defer run.cancel()

	log := s.logger.WithFields(
		zap.String("task_id", run.taskID),
		zap.String("session_id", run.sessionID),
		zap.String("phase", run.phase))

	limiter := turns.NewStreamLimiter(s.sessions, run.taskID, run.sessionID, run.projectID,
		run.maxTurns, s.agentCfg.WarningThreshold, s.logger)

	retryOpts := s.retry
	attempt := 0
	for {
		outcome := s.drive(ctx, run, limiter)

		if outcome.kind == outcomeError && !run.stopRequested.Load() {
			decision := recovery.HandleAgentError(outcome.errMsg, outcome.turnCount, run.maxTurns)
			if decision.ShouldRetry && attempt < maxExecRetries {
				attempt++
				delay := retryDelay(retryOpts, attempt, decision.Action)
				log.Warn("agent error, retrying exec",
					zap.String("error", outcome.errMsg),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay))
				s.publishStatus(ctx, run, fmt.Sprintf("retrying after error (attempt %d/%d)", attempt, maxExecRetries),
					map[string]any{"attempt": attempt, "maxAttempts": maxExecRetries, "delay": delay.String()})

				select {
				case <-time.After(delay):
				case <-ctx.Done():
					s.finalize(ctx, run, execOutcome{kind: outcomeCancelled, turnCount: outcome.turnCount}, log)
					return
				}
				if run.stopRequested.Load() {
					s.finalize(ctx, run, execOutcome{kind: outcomeCancelled, turnCount: outcome.turnCount}, log)
					return
				}
				if err := s.launchExec(ctx, run); err != nil {
					log.Error("exec restart failed", zap.Error(err))
					s.publishError(ctx, run, fmt.Sprintf("restart failed: %v", err), outcome.turnCount)
					s.finalize(ctx, run, outcome, log)
					return
				}
				continue
			}
		}

		s.finalize(ctx, run, outcome, log)
		return
	}
}

// retryDelay is the backoff before a restart. Rate-limit style pauses jump
// straight to the cap.
func retryDelay(opts recovery.RetryOptions, attempt int, action recovery.Action) time.Duration {
	if action == recovery.ActionPause {
		return opts.MaxDelay
	}
	delay := opts.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * opts.BackoffFactor)
	}
	if delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	return delay
}

// drive consumes one exec attempt's notices until the bridge closes its
// channel, then reaps the process. Turn notices feed the limiter; crossing
// the limit writes the stop-file so the agent winds down cooperatively.
func (s *Service) drive(ctx context.Context, run *agentRun, limiter *turns.Limiter) execOutcome {
	handle, br := run.execState()
	outcome := execOutcome{kind: outcomeSilentExit}

	for notice := range br.Notices() {
		switch notice.Kind {
		case bridge.NoticeTurn:
			result := limiter.IncrementTurn(ctx)
			if !result.CanContinue {
				run.limitStopped.Store(true)
				if err := run.sb.WriteFile(ctx, run.stopFile, []byte("turn limit")); err != nil {
					s.logger.Warn("failed to write stop-file at turn limit",
						zap.String("task_id", run.taskID), zap.Error(err))
				}
			}
		case bridge.NoticePlanReady:
			// plan_ready belongs to the plan phase. An execute run
			// emitting one is a misbehaving agent; it must not push the
			// task back into approval.
			if run.phase == protocol.PhaseExecute {
				s.logger.Warn("ignoring plan_ready from execute-phase run",
					zap.String("task_id", run.taskID))
				continue
			}
			outcome = execOutcome{kind: outcomePlanReady, planReady: notice.PlanReady, turnCount: notice.TurnCount}
		case bridge.NoticeComplete:
			outcome = execOutcome{kind: outcomeComplete, status: notice.Status, turnCount: notice.TurnCount}
		case bridge.NoticeError:
			outcome = execOutcome{kind: outcomeError, errMsg: notice.ErrorMessage, turnCount: notice.TurnCount}
		case bridge.NoticeCancelled:
			outcome = execOutcome{kind: outcomeCancelled, turnCount: notice.TurnCount, ackCancelled: true}
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	exitCode, err := handle.Wait(waitCtx)
	if err != nil {
		s.logger.Debug("exec wait failed",
			zap.String("task_id", run.taskID), zap.Error(err))
	}
	outcome.exitCode = exitCode

	// agent:complete with a cancelled status is the cooperative-stop ack.
	if outcome.kind == outcomeComplete && outcome.status == protocol.StatusCancelled {
		outcome.kind = outcomeCancelled
	}
	// A process that died without a terminal event after a stop request is
	// treated as cancelled, not crashed.
	if outcome.kind == outcomeSilentExit && run.stopRequested.Load() {
		outcome.kind = outcomeCancelled
	}
	// A cancel ack after the limiter wrote the stop-file is the turn limit
	// winding down, not a user cancel: the column must not revert.
	if outcome.kind == outcomeCancelled && run.limitStopped.Load() && !run.stopRequested.Load() {
		outcome.kind = outcomeComplete
		outcome.status = protocol.StatusTurnLimit
	}
	return outcome
}

// finalize records the run's terminal state on the task board and releases
// the run's resources. Exactly one finalize happens per logical run.
func (s *Service) finalize(ctx context.Context, run *agentRun, outcome execOutcome, log *logger.Logger) {
	switch outcome.kind {
	case outcomePlanReady:
		s.finalizePlanReady(ctx, run, outcome, log)

	case outcomeComplete:
		s.finalizeComplete(ctx, run, outcome, log)

	case outcomeCancelled:
		if !outcome.ackCancelled {
			s.publishCancelled(ctx, run, outcome.turnCount)
		}
		if _, err := s.tasks.MarkRunCancelled(ctx, run.taskID, run.prevColumn); err != nil {
			log.Error("failed to record cancelled run", zap.Error(err))
		}
		s.closeSession(ctx, run, log)
		s.updateAgentStatus(ctx, run.agentID, models.AgentStatusIdle, true)
		s.publishBus(ctx, bus.SubjectAgentCompleted, map[string]any{
			"taskId": run.taskID, "projectId": run.projectID, "status": "cancelled",
		})
		log.Info("agent run cancelled", zap.Int("turns", outcome.turnCount))

	case outcomeError:
		if err := s.tasks.MarkRunError(ctx, run.taskID); err != nil {
			log.Error("failed to record failed run", zap.Error(err))
		}
		s.closeSession(ctx, run, log)
		s.updateAgentStatus(ctx, run.agentID, models.AgentStatusError, true)
		s.publishBus(ctx, bus.SubjectAgentFailed, map[string]any{
			"taskId": run.taskID, "projectId": run.projectID, "error": outcome.errMsg,
		})
		log.Warn("agent run failed", zap.String("error", outcome.errMsg))

	case outcomeSilentExit:
		msg := fmt.Sprintf("agent exited unexpectedly (exit code %d)", outcome.exitCode)
		s.publishError(ctx, run, msg, outcome.turnCount)
		if err := s.tasks.MarkRunError(ctx, run.taskID); err != nil {
			log.Error("failed to record failed run", zap.Error(err))
		}
		s.closeSession(ctx, run, log)
		s.updateAgentStatus(ctx, run.agentID, models.AgentStatusError, true)
		s.publishBus(ctx, bus.SubjectAgentFailed, map[string]any{
			"taskId": run.taskID, "projectId": run.projectID, "error": msg,
		})
		log.Error("agent exited without terminal event", zap.Int("exit_code", outcome.exitCode))
	}
}

// finalizePlanReady persists the proposed plan and parks it for approval.
// The session stays open so the execute phase can continue on it.
func (s *Service) finalizePlanReady(ctx context.Context, run *agentRun, outcome execOutcome, log *logger.Logger) {
	prompts := make([]string, 0, len(outcome.planReady.AllowedPrompts))
	for _, p := range outcome.planReady.AllowedPrompts {
		prompts = append(prompts, p.Prompt)
	}

	_, err := s.tasks.PersistPlan(ctx, run.taskID, service.PlanUpdate{
		Plan: outcome.planReady.Plan,
		Options: &models.PlanOptions{
			SDKSessionID:   outcome.planReady.SDKSessionID,
			AllowedPrompts: prompts,
		},
		SessionID: run.sessionID,
		TurnCount: outcome.planReady.TurnCount,
	})
	if err != nil {
		log.Error("failed to persist plan", zap.Error(err))
		s.publishError(ctx, run, fmt.Sprintf("failed to record plan: %v", err), outcome.turnCount)
		if markErr := s.tasks.MarkRunError(ctx, run.taskID); markErr != nil {
			log.Error("failed to record failed run", zap.Error(markErr))
		}
		s.closeSession(ctx, run, log)
		s.updateAgentStatus(ctx, run.agentID, models.AgentStatusError, true)
		return
	}

	s.mu.Lock()
	s.pendingPlans[run.taskID] = outcome.planReady
	s.mu.Unlock()

	s.updateAgentStatus(ctx, run.agentID, models.AgentStatusIdle, false)
	s.publishBus(ctx, bus.SubjectAgentCompleted, map[string]any{
		"taskId": run.taskID, "projectId": run.projectID, "status": "plan_ready",
	})
	log.Info("plan ready, awaiting approval",
		zap.Int("turns", outcome.planReady.TurnCount),
		zap.String("sdk_session_id", outcome.planReady.SDKSessionID))
}

func (s *Service) finalizeComplete(ctx context.Context, run *agentRun, outcome execOutcome, log *logger.Logger) {
	switch outcome.status {
	case protocol.StatusTurnLimit:
		// The run burned its budget; surface it as an error on the task so
		// the board shows the stall, keeping whatever column it was in.
		limitErr := apperrors.TurnLimitReached(outcome.turnCount)
		if err := s.tasks.MarkRunError(ctx, run.taskID); err != nil {
			log.Error("failed to record turn-limited run", zap.Error(err))
		}
		s.closeSession(ctx, run, log)
		s.updateAgentStatus(ctx, run.agentID, models.AgentStatusError, true)
		s.publishBus(ctx, bus.SubjectAgentFailed, map[string]any{
			"taskId": run.taskID, "projectId": run.projectID,
			"error": limitErr.Message, "code": limitErr.Code,
		})
		log.Warn("agent run hit turn limit", zap.Int("turns", outcome.turnCount))

	default:
		toWaitingApproval := run.phase == protocol.PhaseExecute
		if _, err := s.tasks.MarkRunCompleted(ctx, run.taskID, models.RunStatusCompleted, toWaitingApproval); err != nil {
			log.Error("failed to record completed run", zap.Error(err))
		}
		s.closeSession(ctx, run, log)
		s.updateAgentStatus(ctx, run.agentID, models.AgentStatusCompleted, true)
		s.publishBus(ctx, bus.SubjectAgentCompleted, map[string]any{
			"taskId": run.taskID, "projectId": run.projectID, "status": outcome.status,
		})
		log.Info("agent run completed", zap.Int("turns", outcome.turnCount))
	}
}

func (s *Service) closeSession(ctx context.Context, run *agentRun, log *logger.Logger) {
	if _, err := s.sessions.Close(ctx, run.sessionID); err != nil {
		log.Warn("failed to close session", zap.Error(err))
	}
}

// publishStatus emits an orchestrator stage message onto the session stream.
func (s *Service) publishStatus(ctx context.Context, run *agentRun, message string, extra map[string]any) {
	data := map[string]any{
		"message":   message,
		"taskId":    run.taskID,
		"sessionId": run.sessionID,
		"projectId": run.projectID,
	}
	for k, v := range extra {
		data[k] = v
	}
	if _, err := s.sessions.Publish(ctx, run.sessionID, protocol.StreamStatus, data); err != nil {
		s.logger.Debug("failed to publish status event",
			zap.String("task_id", run.taskID), zap.Error(err))
	}
}

// publishError emits a synthesized container-agent:error for failures the
// agent itself never reported.
func (s *Service) publishError(ctx context.Context, run *agentRun, message string, turnCount int) {
	data := map[string]any{
		"error":     message,
		"turnCount": turnCount,
		"taskId":    run.taskID,
		"sessionId": run.sessionID,
		"projectId": run.projectID,
	}
	if _, err := s.sessions.Publish(ctx, run.sessionID, protocol.StreamError, data); err != nil {
		s.logger.Debug("failed to publish error event",
			zap.String("task_id", run.taskID), zap.Error(err))
	}
}

// publishCancelled emits a synthesized container-agent:cancelled when the
// exec was killed before it could acknowledge the stop.
func (s *Service) publishCancelled(ctx context.Context, run *agentRun, turnCount int) {
	data := map[string]any{
		"turnCount": turnCount,
		"taskId":    run.taskID,
		"sessionId": run.sessionID,
		"projectId": run.projectID,
	}
	if _, err := s.sessions.Publish(ctx, run.sessionID, protocol.StreamCancelled, data); err != nil {
		s.logger.Debug("failed to publish cancelled event",
			zap.String("task_id", run.taskID), zap.Error(err))
	}
}
