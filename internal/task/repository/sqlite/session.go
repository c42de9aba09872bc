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

// CreateSession creates a new session row.
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusActive
	}
	session.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (id, project_id, task_id, agent_id, title, status, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.ProjectID, session.TaskID, session.AgentID, session.Title, session.Status, session.CreatedAt, session.ClosedAt)
	return err
}

// GetSession retrieves a session by ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var closedAt sql.NullTime
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, task_id, agent_id, title, status, created_at, closed_at
		FROM sessions WHERE id = ?
	`), id).Scan(&session.ID, &session.ProjectID, &session.TaskID, &session.AgentID, &session.Title, &session.Status, &session.CreatedAt, &closedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}

	if closedAt.Valid {
		session.ClosedAt = &closedAt.Time
	}
	return session, nil
}

// UpdateSession updates an existing session.
func (r *Repository) UpdateSession(ctx context.Context, session *models.Session) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET project_id = ?, task_id = ?, agent_id = ?, title = ?, status = ?, closed_at = ?
		WHERE id = ?
	`), session.ProjectID, session.TaskID, session.AgentID, session.Title, session.Status, session.ClosedAt, session.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", session.ID)
	}
	return nil
}

// ListSessionsByTask returns all sessions recorded for a task.
func (r *Repository) ListSessionsByTask(ctx context.Context, taskID string) ([]*models.Session, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, task_id, agent_id, title, status, created_at, closed_at
		FROM sessions WHERE task_id = ? ORDER BY created_at
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// ListActiveSessions returns every session still marked active.
func (r *Repository) ListActiveSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, task_id, agent_id, title, status, created_at, closed_at
		FROM sessions WHERE status = ? ORDER BY created_at
	`), models.SessionStatusActive)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	var result []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var closedAt sql.NullTime
		if err := rows.Scan(&session.ID, &session.ProjectID, &session.TaskID, &session.AgentID, &session.Title, &session.Status, &session.CreatedAt, &closedAt); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			session.ClosedAt = &closedAt.Time
		}
		result = append(result, session)
	}
	return result, rows.Err()
}
