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

// CreateAPIKey stores a provider credential. The key value itself is never
// logged; callers must treat the returned model the same way.
func (r *Repository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO api_keys (id, provider, key_value, created_at)
		VALUES (?, ?, ?, ?)
	`), key.ID, key.Provider, key.Key, key.CreatedAt)
	return err
}

// GetAPIKeyByProvider returns the most recently stored key for a provider.
func (r *Repository) GetAPIKeyByProvider(ctx context.Context, provider string) (*models.APIKey, error) {
	key := &models.APIKey{}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, provider, key_value, created_at
		FROM api_keys WHERE provider = ? ORDER BY created_at DESC LIMIT 1
	`), provider).Scan(&key.ID, &key.Provider, &key.Key, &key.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("api key for provider", provider)
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// DeleteAPIKey deletes a stored credential by ID.
func (r *Repository) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM api_keys WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("api key", id)
	}
	return nil
}
