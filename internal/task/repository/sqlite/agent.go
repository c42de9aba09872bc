package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/models"
)

// CreateAgent creates a new agent registration.
func (r *Repository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Status == "" {
		agent.Status = models.AgentStatusIdle
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	config, err := json.Marshal(agent.Config)
	if err != nil {
		config = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (id, project_id, type, status, current_task_id, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), agent.ID, agent.ProjectID, agent.Type, agent.Status, agent.CurrentTaskID, string(config), agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetAgent retrieves an agent by ID.
func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent := &models.Agent{}
	var config string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, type, status, current_task_id, config, created_at, updated_at
		FROM agents WHERE id = ?
	`), id).Scan(&agent.ID, &agent.ProjectID, &agent.Type, &agent.Status, &agent.CurrentTaskID, &config, &agent.CreatedAt, &agent.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(config), &agent.Config)
	return agent, nil
}

// UpdateAgent updates an existing agent.
func (r *Repository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	config, err := json.Marshal(agent.Config)
	if err != nil {
		config = []byte("{}")
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET project_id = ?, type = ?, status = ?, current_task_id = ?, config = ?, updated_at = ?
		WHERE id = ?
	`), agent.ProjectID, agent.Type, agent.Status, agent.CurrentTaskID, string(config), agent.UpdatedAt, agent.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent", agent.ID)
	}
	return nil
}

// DeleteAgent deletes an agent by ID.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

// ListAgents returns all agents registered for a project.
func (r *Repository) ListAgents(ctx context.Context, projectID string) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, type, status, current_task_id, config, created_at, updated_at
		FROM agents WHERE project_id = ? ORDER BY created_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Agent
	for rows.Next() {
		agent := &models.Agent{}
		var config string
		if err := rows.Scan(&agent.ID, &agent.ProjectID, &agent.Type, &agent.Status, &agent.CurrentTaskID, &config, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(config), &agent.Config)
		result = append(result, agent)
	}
	return result, rows.Err()
}
