package credentials

import (
	"context"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/repository"
)

// StoreProvider resolves tokens from the api_keys table. The newest key for
// a provider kind wins.
type StoreProvider struct {
	repo repository.Repository
}

// NewStoreProvider creates a repository-backed provider.
func NewStoreProvider(repo repository.Repository) *StoreProvider {
	return &StoreProvider{repo: repo}
}

// Name returns the provider name.
func (p *StoreProvider) Name() string {
	return "store"
}

// Resolve returns the stored key value for the kind, or "" when none is
// configured.
func (p *StoreProvider) Resolve(ctx context.Context, kind string) (string, error) {
	key, err := p.repo.GetAPIKeyByProvider(ctx, kind)
	if apperrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return key.Key, nil
}
