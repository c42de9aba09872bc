package repository

import (
	"github.com/taskforge/taskforge/internal/db"
	"github.com/taskforge/taskforge/internal/task/repository/sqlite"
)

// Ensure the SQLite implementation satisfies the Repository interface.
var _ Repository = (*sqlite.Repository)(nil)

// Provide creates the SQLite repository over the shared database pool.
func Provide(pool *db.Pool) (*sqlite.Repository, func() error, error) {
	repo, err := sqlite.New(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
