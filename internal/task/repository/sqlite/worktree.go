package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/models"
)

const worktreeColumns = `id, project_id, task_id, session_id, agent_id, branch, path, base_branch, status, created_at, updated_at`

// CreateWorktree records a provisioned worktree.
func (r *Repository) CreateWorktree(ctx context.Context, worktree *models.Worktree) error {
	if worktree.ID == "" {
		worktree.ID = uuid.New().String()
	}
	if worktree.Status == "" {
		worktree.Status = models.WorktreeStatusActive
	}
	now := time.Now().UTC()
	worktree.CreatedAt = now
	worktree.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO worktrees (`+worktreeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), worktree.ID, worktree.ProjectID, worktree.TaskID, worktree.SessionID, worktree.AgentID,
		worktree.Branch, worktree.Path, worktree.BaseBranch, worktree.Status, worktree.CreatedAt, worktree.UpdatedAt)
	return err
}

// GetWorktree retrieves a worktree by ID.
func (r *Repository) GetWorktree(ctx context.Context, id string) (*models.Worktree, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?
	`), id)

	worktree, err := scanWorktree(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("worktree", id)
	}
	if err != nil {
		return nil, err
	}
	return worktree, nil
}

// UpdateWorktree updates an existing worktree.
func (r *Repository) UpdateWorktree(ctx context.Context, worktree *models.Worktree) error {
	worktree.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE worktrees SET project_id = ?, task_id = ?, session_id = ?, agent_id = ?, branch = ?,
			path = ?, base_branch = ?, status = ?, updated_at = ?
		WHERE id = ?
	`), worktree.ProjectID, worktree.TaskID, worktree.SessionID, worktree.AgentID, worktree.Branch,
		worktree.Path, worktree.BaseBranch, worktree.Status, worktree.UpdatedAt, worktree.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("worktree", worktree.ID)
	}
	return nil
}

// DeleteWorktree deletes a worktree row by ID.
func (r *Repository) DeleteWorktree(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM worktrees WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("worktree", id)
	}
	return nil
}

// ListWorktrees returns all worktrees recorded for a project.
func (r *Repository) ListWorktrees(ctx context.Context, projectID string) ([]*models.Worktree, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+worktreeColumns+` FROM worktrees WHERE project_id = ? ORDER BY created_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Worktree
	for rows.Next() {
		worktree, err := scanWorktree(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, worktree)
	}
	return result, rows.Err()
}

// GetWorktreeByTask returns the active worktree for a task.
func (r *Repository) GetWorktreeByTask(ctx context.Context, taskID string) (*models.Worktree, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+worktreeColumns+` FROM worktrees
		WHERE task_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1
	`), taskID, models.WorktreeStatusActive)

	worktree, err := scanWorktree(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("worktree for task", taskID)
	}
	if err != nil {
		return nil, err
	}
	return worktree, nil
}

func scanWorktree(scan func(dest ...any) error) (*models.Worktree, error) {
	worktree := &models.Worktree{}
	err := scan(
		&worktree.ID, &worktree.ProjectID, &worktree.TaskID, &worktree.SessionID, &worktree.AgentID,
		&worktree.Branch, &worktree.Path, &worktree.BaseBranch, &worktree.Status, &worktree.CreatedAt, &worktree.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return worktree, nil
}
