package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/models"
)

// CreatePlanSession records a plan produced by an agent planning run.
func (r *Repository) CreatePlanSession(ctx context.Context, plan *models.PlanSession) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.Status == "" {
		plan.Status = models.PlanSessionPending
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO plan_sessions (id, task_id, session_id, plan, turn_count, status, resolved_by, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), plan.ID, plan.TaskID, plan.SessionID, plan.Plan, plan.TurnCount, plan.Status, plan.ResolvedBy, plan.CreatedAt, plan.ResolvedAt)
	return err
}

// ResolvePlanSession marks a pending plan approved or rejected. Resolving an
// already-resolved plan is a no-op at this layer; callers enforce idempotency.
func (r *Repository) ResolvePlanSession(ctx context.Context, id string, status models.PlanSessionStatus, resolvedBy string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE plan_sessions SET status = ?, resolved_by = ?, resolved_at = ? WHERE id = ?
	`), status, resolvedBy, now, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("plan session", id)
	}
	return nil
}

// ListPlanSessionsByTask returns all plan sessions for a task, oldest first.
func (r *Repository) ListPlanSessionsByTask(ctx context.Context, taskID string) ([]*models.PlanSession, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, session_id, plan, turn_count, status, resolved_by, created_at, resolved_at
		FROM plan_sessions WHERE task_id = ? ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*models.PlanSession
	for rows.Next() {
		plan := &models.PlanSession{}
		var resolvedAt sql.NullTime
		if err := rows.Scan(&plan.ID, &plan.TaskID, &plan.SessionID, &plan.Plan, &plan.TurnCount, &plan.Status, &plan.ResolvedBy, &plan.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			plan.ResolvedAt = &resolvedAt.Time
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}
