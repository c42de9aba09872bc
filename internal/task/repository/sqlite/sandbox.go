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

// UpsertSandboxInstance inserts or refreshes the sandbox record for a
// project. The project_id unique constraint keeps one row per project.
func (r *Repository) UpsertSandboxInstance(ctx context.Context, instance *models.SandboxInstance) error {
	if instance.ID == "" {
		instance.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sandbox_instances (id, project_id, container_id, image, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			container_id = excluded.container_id,
			image = excluded.image,
			status = excluded.status,
			updated_at = excluded.updated_at
	`), instance.ID, instance.ProjectID, instance.ContainerID, instance.Image, instance.Status, instance.CreatedAt, instance.UpdatedAt)
	return err
}

// GetSandboxInstanceByProject returns the sandbox record for a project.
func (r *Repository) GetSandboxInstanceByProject(ctx context.Context, projectID string) (*models.SandboxInstance, error) {
	instance := &models.SandboxInstance{}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, container_id, image, status, created_at, updated_at
		FROM sandbox_instances WHERE project_id = ?
	`), projectID).Scan(&instance.ID, &instance.ProjectID, &instance.ContainerID, &instance.Image, &instance.Status, &instance.CreatedAt, &instance.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("sandbox instance for project", projectID)
	}
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// DeleteSandboxInstance deletes a sandbox record by ID.
func (r *Repository) DeleteSandboxInstance(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sandbox_instances WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("sandbox instance", id)
	}
	return nil
}
