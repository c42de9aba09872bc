package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/models"
)

// Task operations

// CreateTask creates a task in the backlog column and publishes a
// task.state_changed event.
func (s *Service) CreateTask(ctx context.Context, req *CreateTaskRequest) (*models.Task, error) {
	if req.Title == "" {
		return nil, apperrors.ValidationError("title", "title is required")
	}
	if _, err := s.repo.GetProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}

	task := &models.Task{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Column:      models.ColumnBacklog,
		Labels:      req.Labels,
	}
	if req.Position != nil {
		task.Position = *req.Position
	} else {
		existing, err := s.repo.ListTasksByColumn(ctx, req.ProjectID, models.ColumnBacklog)
		if err == nil {
			task.Position = len(existing)
		}
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		s.logger.Error("failed to create task", zap.Error(err))
		return nil, err
	}

	s.audit(ctx, "task", task.ID, "created", "", map[string]any{"title": task.Title})
	s.publishTaskEvent(ctx, task, "", task.Column, "created")
	s.logger.Info("task created", zap.String("task_id", task.ID), zap.String("title", task.Title))
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// ListTasks returns all tasks for a project ordered by position.
func (s *Service) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, projectID)
}

// ListTasksByColumn returns a project's tasks in one column.
func (s *Service) ListTasksByColumn(ctx context.Context, projectID string, column models.Column) ([]*models.Task, error) {
	if !column.Valid() {
		return nil, apperrors.ValidationError("column", "unknown column")
	}
	return s.repo.ListTasksByColumn(ctx, projectID, column)
}

// UpdateTask applies a partial update. Column moves are rejected here; they
// go through MoveColumn so the state machine stays authoritative.
func (s *Service) UpdateTask(ctx context.Context, id string, req *UpdateTaskRequest) (*models.Task, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Labels != nil {
		task.Labels = req.Labels
	}
	if req.Position != nil {
		task.Position = *req.Position
	}

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		s.logger.Error("failed to update task", zap.String("task_id", id), zap.Error(err))
		return nil, err
	}
	return task, nil
}

// DeleteTask stops any live agent run, then deletes the task.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}

	if s.runner != nil && s.runner.IsAgentRunning(id) {
		if err := s.runner.StopAgent(ctx, id); err != nil {
			s.logger.Warn("failed to stop agent for task delete",
				zap.String("task_id", id), zap.Error(err))
		}
	}

	if err := s.repo.DeleteTask(ctx, id); err != nil {
		return err
	}

	s.audit(ctx, "task", id, "deleted", "", map[string]any{"title": task.Title})
	s.logger.Info("task deleted", zap.String("task_id", id))
	return nil
}

// MoveColumn validates a column move, triggers the agent side effect it
// implies, and applies the move. Same-column calls reorder only.
//
// Side effects by transition: backlog→in_progress starts a plan-phase run;
// waiting_approval→in_progress approves the plan and starts execution;
// waiting_approval→backlog rejects the plan; in_progress→backlog cancels the
// run. in_progress→waiting_approval is system-driven (plan_ready or execute
// completion) and cannot be requested here.
func (s *Service) MoveColumn(ctx context.Context, taskID string, target models.Column, opts MoveOptions) (*models.Task, error) {
	if !target.Valid() {
		return nil, apperrors.InvalidTransition("", string(target))
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Column == target {
		if opts.Position == nil {
			return task, nil
		}
		return s.UpdateTask(ctx, taskID, &UpdateTaskRequest{Position: opts.Position})
	}

	trigger, ok := transitionTrigger(task.Column, target)
	if !ok || trigger == triggerHandoff {
		return nil, apperrors.InvalidTransition(string(task.Column), string(target))
	}

	switch trigger {
	case triggerStart:
		if s.runner == nil {
			return nil, apperrors.ServiceUnavailable("agent runner")
		}
		// The runner applies the move via MarkRunStarted before the exec
		// launches, so agent output never races the column change. An
		// admission denial (already running, concurrency limit, missing
		// credential) leaves the task in backlog.
		if err := s.runner.StartPlanning(ctx, task); err != nil {
			return nil, err
		}
		return s.repo.GetTask(ctx, taskID)

	case triggerApprove:
		if s.runner == nil {
			return nil, apperrors.ServiceUnavailable("agent runner")
		}
		if err := s.runner.ApprovePlan(ctx, taskID, opts.Actor); err != nil {
			return nil, err
		}
		return s.repo.GetTask(ctx, taskID)

	case triggerReject:
		if s.runner == nil {
			return nil, apperrors.ServiceUnavailable("agent runner")
		}
		if err := s.runner.RejectPlan(ctx, taskID, opts.Actor); err != nil {
			return nil, err
		}
		return s.repo.GetTask(ctx, taskID)

	case triggerCancel:
		if s.runner != nil {
			if err := s.runner.StopAgent(ctx, taskID); err != nil {
				return nil, err
			}
		}
		return s.CancelToBacklog(ctx, taskID)

	case triggerVerify:
		return s.applyColumn(ctx, taskID, target, trigger, opts)
	}

	return nil, apperrors.InvalidTransition(string(task.Column), string(target))
}

// applyColumn commits a validated column move under the row lock,
// re-checking the transition against the current row.
func (s *Service) applyColumn(ctx context.Context, taskID string, target models.Column, trigger moveTrigger, opts MoveOptions) (*models.Task, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Column == target {
		return task, nil
	}
	if !canTransition(task.Column, target) {
		return nil, apperrors.InvalidTransition(string(task.Column), string(target))
	}

	from := task.Column
	task.Column = target
	if opts.Position != nil {
		task.Position = *opts.Position
	}
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.audit(ctx, "task", taskID, "column_moved", opts.Actor, map[string]any{
		"from": string(from), "to": string(target), "trigger": string(trigger),
	})
	s.publishTaskEvent(ctx, task, from, target, string(trigger))
	s.logger.Info("task moved",
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("trigger", string(trigger)))
	return task, nil
}

// PersistPlan atomically records the agent's plan on the task: plan text,
// resume options, lastAgentStatus planning, and the move to
// waiting_approval, in one row update. It also appends a plan_sessions
// record for the approval audit trail.
func (s *Service) PersistPlan(ctx context.Context, taskID string, update PlanUpdate) (*models.Task, error) {
	if update.Plan == "" {
		return nil, apperrors.ValidationError("plan", "plan text is empty")
	}

	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Column != models.ColumnInProgress {
		return nil, apperrors.InvalidTransition(string(task.Column), string(models.ColumnWaitingApproval))
	}

	from := task.Column
	task.Plan = update.Plan
	task.PlanOptions = update.Options
	task.LastAgentStatus = models.RunStatusPlanning
	task.Column = models.ColumnWaitingApproval
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	planSession := &models.PlanSession{
		TaskID:    taskID,
		SessionID: update.SessionID,
		Plan:      update.Plan,
		TurnCount: update.TurnCount,
	}
	if err := s.repo.CreatePlanSession(ctx, planSession); err != nil {
		s.logger.Warn("failed to record plan session",
			zap.String("task_id", taskID), zap.Error(err))
	}

	s.audit(ctx, "task", taskID, "plan_recorded", "", map[string]any{
		"turn_count": update.TurnCount,
	})
	s.publishTaskEvent(ctx, task, from, task.Column, "plan_ready")
	s.logger.Info("plan recorded",
		zap.String("task_id", taskID),
		zap.Int("turn_count", update.TurnCount))
	return task, nil
}

// MarkPlanApproved moves an approved task to in_progress and stamps the
// approval. lastAgentStatus stays planning until the execute run finishes.
func (s *Service) MarkPlanApproved(ctx context.Context, taskID, actor string) (*models.Task, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Column != models.ColumnWaitingApproval {
		return nil, apperrors.PlanNotPending(taskID)
	}
	if !task.HasPlan() {
		return nil, apperrors.PlanNotPending(taskID)
	}

	now := time.Now().UTC()
	from := task.Column
	task.Column = models.ColumnInProgress
	task.ApprovedAt = &now
	task.ApprovedBy = actor
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.resolveLatestPlanSession(ctx, taskID, models.PlanSessionApproved, actor)
	s.audit(ctx, "task", taskID, "plan_approved", actor, nil)
	s.publishTaskEvent(ctx, task, from, task.Column, string(triggerApprove))
	return task, nil
}

// MarkPlanRejected clears the plan and returns the task to backlog. The
// run status resets to the never-ran zero value.
func (s *Service) MarkPlanRejected(ctx context.Context, taskID, actor string) (*models.Task, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Column != models.ColumnWaitingApproval {
		return nil, apperrors.PlanNotPending(taskID)
	}

	from := task.Column
	task.Plan = ""
	task.PlanOptions = nil
	task.Column = models.ColumnBacklog
	task.LastAgentStatus = ""
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.resolveLatestPlanSession(ctx, taskID, models.PlanSessionRejected, actor)
	s.audit(ctx, "task", taskID, "plan_rejected", actor, nil)
	s.publishTaskEvent(ctx, task, from, task.Column, string(triggerReject))
	return task, nil
}

// MarkRunStarted records the run's identifiers on the task row before the
// run is registered, so a registered run always has agentId and sessionId
// visible on the task. A task still in backlog moves to in_progress here,
// before the exec launches, so agent output never observes the old column.
func (s *Service) MarkRunStarted(ctx context.Context, taskID, agentID, sessionID, worktreeID string, status models.AgentRunStatus) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	from := task.Column
	task.AgentID = agentID
	task.SessionID = sessionID
	task.WorktreeID = worktreeID
	task.LastAgentStatus = status
	moved := false
	if task.Column == models.ColumnBacklog {
		task.Column = models.ColumnInProgress
		moved = true
	}
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return err
	}

	if moved {
		s.audit(ctx, "task", taskID, "column_moved", "", map[string]any{
			"from": string(from), "to": string(task.Column), "trigger": string(triggerStart),
		})
		s.publishTaskEvent(ctx, task, from, task.Column, string(triggerStart))
	}
	return nil
}

// RevertRunStart rolls back MarkRunStarted after a failed launch: column
// and run status return to their captured pre-start values and the run
// identifiers are cleared.
func (s *Service) RevertRunStart(ctx context.Context, taskID string, column models.Column, status models.AgentRunStatus, clearWorktree bool) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	from := task.Column
	task.AgentID = ""
	task.SessionID = ""
	if clearWorktree {
		task.WorktreeID = ""
	}
	task.LastAgentStatus = status
	if column.Valid() {
		task.Column = column
	}
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return err
	}

	if from != task.Column {
		s.publishTaskEvent(ctx, task, from, task.Column, "launch_failed")
	}
	return nil
}

// MarkRunCompleted records a finished run. Execute-phase completions move
// the task to waiting_approval for review; plan-phase completions leave the
// column alone (PersistPlan already moved it).
func (s *Service) MarkRunCompleted(ctx context.Context, taskID string, status models.AgentRunStatus, toWaitingApproval bool) (*models.Task, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	from := task.Column
	task.LastAgentStatus = status
	task.CompletedAt = &now
	moved := false
	if toWaitingApproval && task.Column == models.ColumnInProgress {
		task.Column = models.ColumnWaitingApproval
		moved = true
	}
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	if moved {
		s.audit(ctx, "task", taskID, "column_moved", "", map[string]any{
			"from": string(from), "to": string(task.Column), "trigger": "complete",
		})
		s.publishTaskEvent(ctx, task, from, task.Column, "complete")
	}
	return task, nil
}

// MarkRunError flips lastAgentStatus to error. The column does not change;
// the failed task stays where it was with the error visible.
func (s *Service) MarkRunError(ctx context.Context, taskID string) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.LastAgentStatus = models.RunStatusError
	return s.repo.UpdateTask(ctx, task)
}

// MarkRunCancelled records a cancelled run and restores the column the task
// held before the run started.
func (s *Service) MarkRunCancelled(ctx context.Context, taskID string, revertTo models.Column) (*models.Task, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	from := task.Column
	task.LastAgentStatus = models.RunStatusCancelled
	if revertTo.Valid() && task.Column != revertTo {
		task.Column = revertTo
	}
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	if from != task.Column {
		s.audit(ctx, "task", taskID, "column_moved", "", map[string]any{
			"from": string(from), "to": string(task.Column), "trigger": string(triggerCancel),
		})
		s.publishTaskEvent(ctx, task, from, task.Column, string(triggerCancel))
	}
	return task, nil
}

// CancelToBacklog is the user-requested cancel: the task lands in backlog.
// A task carrying a plan has it cleared, keeping plan and column coherent.
func (s *Service) CancelToBacklog(ctx context.Context, taskID string) (*models.Task, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Column == models.ColumnBacklog {
		return task, nil
	}

	from := task.Column
	task.Column = models.ColumnBacklog
	task.LastAgentStatus = models.RunStatusCancelled
	if task.HasPlan() {
		task.Plan = ""
		task.PlanOptions = nil
	}
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.audit(ctx, "task", taskID, "column_moved", "", map[string]any{
		"from": string(from), "to": string(task.Column), "trigger": string(triggerCancel),
	})
	s.publishTaskEvent(ctx, task, from, task.Column, string(triggerCancel))
	return task, nil
}
