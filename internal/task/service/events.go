package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/task/models"
)

// publishTaskEvent emits a task.state_changed event on the bus. Failures are
// logged and never surfaced; event delivery is best-effort.
func (s *Service) publishTaskEvent(ctx context.Context, task *models.Task, from, to models.Column, trigger string) {
	if s.bus == nil {
		return
	}

	event := bus.NewEvent(bus.SubjectTaskStateChanged, "task-service", map[string]any{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"from":       string(from),
		"to":         string(to),
		"trigger":    trigger,
		"column":     string(task.Column),
	})
	if err := s.bus.Publish(ctx, bus.SubjectTaskStateChanged, event); err != nil {
		s.logger.Warn("failed to publish task event",
			zap.String("task_id", task.ID),
			zap.String("trigger", trigger),
			zap.Error(err))
	}
}

// audit records an audit log entry. Failures are logged and swallowed so that
// auditing never blocks the operation being audited.
func (s *Service) audit(ctx context.Context, entityType, entityID, action, actor string, details map[string]any) {
	entry := &models.AuditLog{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Details:    details,
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.String("action", action),
			zap.Error(err))
	}
}

// resolveLatestPlanSession marks the most recent pending plan session for a
// task as approved or rejected. Missing sessions are tolerated; the task row
// is the source of truth for plan state.
func (s *Service) resolveLatestPlanSession(ctx context.Context, taskID string, status models.PlanSessionStatus, actor string) {
	sessions, err := s.repo.ListPlanSessionsByTask(ctx, taskID)
	if err != nil {
		s.logger.Warn("failed to list plan sessions",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}

	var latest *models.PlanSession
	for _, ps := range sessions {
		if ps.Status == models.PlanSessionPending {
			latest = ps
		}
	}
	if latest == nil {
		return
	}

	if err := s.repo.ResolvePlanSession(ctx, latest.ID, status, actor); err != nil {
		s.logger.Warn("failed to resolve plan session",
			zap.String("task_id", taskID),
			zap.String("plan_session_id", latest.ID),
			zap.Error(err))
	}
}
