package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/tracing"
	"github.com/taskforge/taskforge/internal/task/models"
)

const taskColumns = `id, project_id, title, description, column_name, position, labels, plan, plan_options, last_agent_status, agent_id, session_id, worktree_id, completed_at, approved_at, approved_by, created_at, updated_at`

// CreateTask creates a new task.
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Column == "" {
		task.Column = models.ColumnBacklog
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	labels, planOptions := encodeTaskJSON(task)

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.ProjectID, task.Title, task.Description, task.Column, task.Position,
		labels, task.Plan, planOptions, task.LastAgentStatus, task.AgentID, task.SessionID,
		task.WorktreeID, task.CompletedAt, task.ApprovedAt, task.ApprovedBy, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)

	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	labels, planOptions := encodeTaskJSON(task)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET project_id = ?, title = ?, description = ?, column_name = ?, position = ?,
			labels = ?, plan = ?, plan_options = ?, last_agent_status = ?, agent_id = ?, session_id = ?,
			worktree_id = ?, completed_at = ?, approved_at = ?, approved_by = ?, updated_at = ?
		WHERE id = ?
	`), task.ProjectID, task.Title, task.Description, task.Column, task.Position,
		labels, task.Plan, planOptions, task.LastAgentStatus, task.AgentID, task.SessionID,
		task.WorktreeID, task.CompletedAt, task.ApprovedAt, task.ApprovedBy, task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", task.ID)
	}
	return nil
}

// DeleteTask deletes a task by ID.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// ListTasks returns all tasks for a project ordered by column position.
func (r *Repository) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("taskforge-db").Start(ctx, "db.ListTasks")
	defer span.End()

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY position, created_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// ListTasksByColumn returns a project's tasks in one column.
func (r *Repository) ListTasksByColumn(ctx context.Context, projectID string, column models.Column) ([]*models.Task, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND column_name = ? ORDER BY position, created_at
	`), projectID, column)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

func encodeTaskJSON(task *models.Task) (labels string, planOptions string) {
	rawLabels, err := json.Marshal(task.Labels)
	if err != nil || task.Labels == nil {
		rawLabels = []byte("[]")
	}
	labels = string(rawLabels)

	if task.PlanOptions != nil {
		rawOpts, err := json.Marshal(task.PlanOptions)
		if err == nil {
			planOptions = string(rawOpts)
		}
	}
	return labels, planOptions
}

func scanTask(scan func(dest ...any) error) (*models.Task, error) {
	task := &models.Task{}
	var labels, planOptions string
	var completedAt, approvedAt sql.NullTime
	err := scan(
		&task.ID, &task.ProjectID, &task.Title, &task.Description, &task.Column, &task.Position,
		&labels, &task.Plan, &planOptions, &task.LastAgentStatus, &task.AgentID, &task.SessionID,
		&task.WorktreeID, &completedAt, &approvedAt, &task.ApprovedBy, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if approvedAt.Valid {
		task.ApprovedAt = &approvedAt.Time
	}
	_ = json.Unmarshal([]byte(labels), &task.Labels)
	if planOptions != "" {
		opts := &models.PlanOptions{}
		if json.Unmarshal([]byte(planOptions), opts) == nil {
			task.PlanOptions = opts
		}
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}
