package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/agent/protocol"
	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/models"
)

// pendingPlan returns the parked plan payload for a task, reconstructing it
// from the persisted task row when the process restarted since plan_ready.
func (s *Service) pendingPlan(task *models.Task) (protocol.PlanReadyPayload, bool) {
	s.mu.Lock()
	payload, ok := s.pendingPlans[task.ID]
	s.mu.Unlock()
	if ok {
		return payload, true
	}

	if task.Column != models.ColumnWaitingApproval || !task.HasPlan() {
		return protocol.PlanReadyPayload{}, false
	}
	payload = protocol.PlanReadyPayload{Plan: task.Plan}
	if task.PlanOptions != nil {
		payload.SDKSessionID = task.PlanOptions.SDKSessionID
		for _, p := range task.PlanOptions.AllowedPrompts {
			payload.AllowedPrompts = append(payload.AllowedPrompts, protocol.AllowedPrompt{Prompt: p})
		}
	}
	return payload, true
}

// ApprovePlan approves the task's pending plan and launches the execute
// phase, resuming the plan conversation when the SDK session survived.
func (s *Service) ApprovePlan(ctx context.Context, taskID, actor string) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	if s.IsAgentRunning(taskID) {
		return apperrors.AgentAlreadyRunning(taskID)
	}

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	payload, ok := s.pendingPlan(task)
	if !ok {
		return apperrors.PlanNotPending(taskID)
	}

	approved, err := s.tasks.MarkPlanApproved(ctx, taskID, actor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.pendingPlans, taskID)
	s.mu.Unlock()

	prompts := make([]string, 0, len(payload.AllowedPrompts))
	for _, p := range payload.AllowedPrompts {
		prompts = append(prompts, p.Prompt)
	}
	err = s.startLocked(ctx, approved, protocol.PhaseExecute, resumeInfo{
		SDKSessionID:   payload.SDKSessionID,
		AllowedPrompts: prompts,
		SessionID:      approved.SessionID,
	})
	if err != nil {
		// Park the plan again and put the task back in front of the
		// approver; the approval can be retried once the launch failure
		// clears.
		s.mu.Lock()
		s.pendingPlans[taskID] = payload
		s.mu.Unlock()
		if revertErr := s.tasks.RevertRunStart(ctx, taskID, models.ColumnWaitingApproval, models.RunStatusPlanning, false); revertErr != nil {
			s.logger.Error("failed to revert approval after launch failure",
				zap.String("task_id", taskID), zap.Error(revertErr))
		}
		return err
	}

	s.logger.Info("plan approved, execute phase started",
		zap.String("task_id", taskID),
		zap.String("actor", actor),
		zap.String("sdk_session_id", payload.SDKSessionID))
	return nil
}

// RejectPlan discards the pending plan and returns the task to backlog. The
// worktree is kept so a later plan run starts from the same checkout.
func (s *Service) RejectPlan(ctx context.Context, taskID, actor string) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	if s.IsAgentRunning(taskID) {
		return apperrors.AgentAlreadyRunning(taskID)
	}

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	sessionID := task.SessionID

	if _, err := s.tasks.MarkPlanRejected(ctx, taskID, actor); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.pendingPlans, taskID)
	s.mu.Unlock()

	if sessionID != "" {
		if _, err := s.sessions.Close(ctx, sessionID); err != nil {
			s.logger.Warn("failed to close plan session after rejection",
				zap.String("task_id", taskID),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}

	s.logger.Info("plan rejected",
		zap.String("task_id", taskID),
		zap.String("actor", actor))
	return nil
}
