package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/task/models"
)

// CreateAuditLog appends an audit entry. Details are stored as JSON.
func (r *Repository) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO audit_logs (id, entity_type, entity_id, action, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor, string(detailsJSON), entry.CreatedAt)
	return err
}

// ListAuditLogs returns audit entries for an entity, newest first. A limit of
// zero or less means no limit.
func (r *Repository) ListAuditLogs(ctx context.Context, entityType, entityID string, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT id, entity_type, entity_id, action, actor, details, created_at
		FROM audit_logs WHERE entity_type = ? AND entity_id = ? ORDER BY created_at DESC`
	args := []any{entityType, entityID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditLog
	for rows.Next() {
		entry := &models.AuditLog{}
		var detailsJSON string
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action, &entry.Actor, &detailsJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if detailsJSON != "" {
			_ = json.Unmarshal([]byte(detailsJSON), &entry.Details)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
