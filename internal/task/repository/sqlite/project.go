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

// CreateProject creates a new project.
func (r *Repository) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	config, err := json.Marshal(project.Config)
	if err != nil {
		config = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO projects (id, name, path, config, max_concurrent_agents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), project.ID, project.Name, project.Path, string(config), project.MaxConcurrentAgents, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID.
func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project := &models.Project{}
	var config string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, path, config, max_concurrent_agents, created_at, updated_at
		FROM projects WHERE id = ?
	`), id).Scan(&project.ID, &project.Name, &project.Path, &config, &project.MaxConcurrentAgents, &project.CreatedAt, &project.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", id)
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(config), &project.Config)
	return project, nil
}

// UpdateProject updates an existing project.
func (r *Repository) UpdateProject(ctx context.Context, project *models.Project) error {
	project.UpdatedAt = time.Now().UTC()

	config, err := json.Marshal(project.Config)
	if err != nil {
		config = []byte("{}")
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE projects SET name = ?, path = ?, config = ?, max_concurrent_agents = ?, updated_at = ?
		WHERE id = ?
	`), project.Name, project.Path, string(config), project.MaxConcurrentAgents, project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("project", project.ID)
	}
	return nil
}

// DeleteProject deletes a project by ID.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("project", id)
	}
	return nil
}

// ListProjects returns all projects ordered by creation time.
func (r *Repository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, name, path, config, max_concurrent_agents, created_at, updated_at
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Project
	for rows.Next() {
		project := &models.Project{}
		var config string
		if err := rows.Scan(&project.ID, &project.Name, &project.Path, &config, &project.MaxConcurrentAgents, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(config), &project.Config)
		result = append(result, project)
	}
	return result, rows.Err()
}
