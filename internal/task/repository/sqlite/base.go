// Package sqlite provides the SQL-backed repository implementation. Queries
// stay within the dialect subset shared by SQLite and PostgreSQL; Rebind
// translates placeholders for the active driver.
package sqlite

import (
	"github.com/jmoiron/sqlx"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
)

// Repository provides SQL-backed storage operations.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool under SQLite WAL)
}

// New creates a repository over existing writer and reader connections and
// initializes the schema.
func New(writer, reader *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, apperrors.Wrap(err, "initializing schema")
	}
	return repo, nil
}

// Close is a no-op; the connections belong to the caller's pool.
func (r *Repository) Close() error {
	return nil
}

func (r *Repository) initSchema() error {
	if err := r.initProjectSchema(); err != nil {
		return err
	}
	if err := r.initTaskSchema(); err != nil {
		return err
	}
	if err := r.initRunSchema(); err != nil {
		return err
	}
	return r.initIndexes()
}

func (r *Repository) initProjectSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		config TEXT DEFAULT '{}',
		max_concurrent_agents INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		current_task_id TEXT DEFAULT '',
		config TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sandbox_instances (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL UNIQUE,
		container_id TEXT DEFAULT '',
		image TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'creating',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (r *Repository) initTaskSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		column_name TEXT NOT NULL DEFAULT 'backlog',
		position INTEGER DEFAULT 0,
		labels TEXT DEFAULT '[]',
		plan TEXT DEFAULT '',
		plan_options TEXT DEFAULT '',
		last_agent_status TEXT DEFAULT '',
		agent_id TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		worktree_id TEXT DEFAULT '',
		completed_at TIMESTAMP,
		approved_at TIMESTAMP,
		approved_by TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS plan_sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		session_id TEXT DEFAULT '',
		plan TEXT NOT NULL DEFAULT '',
		turn_count INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		resolved_by TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (r *Repository) initRunSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		agent_id TEXT DEFAULT '',
		title TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		agent_id TEXT DEFAULT '',
		branch TEXT NOT NULL,
		path TEXT NOT NULL,
		base_branch TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		key_value TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT DEFAULT '',
		details TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_project_column ON tasks(project_id, column_name);
	CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_task_id ON sessions(task_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_worktrees_project_id ON worktrees(project_id);
	CREATE INDEX IF NOT EXISTS idx_worktrees_task_id ON worktrees(task_id);
	CREATE INDEX IF NOT EXISTS idx_plan_sessions_task_id ON plan_sessions(task_id);
	CREATE INDEX IF NOT EXISTS idx_api_keys_provider ON api_keys(provider);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON audit_logs(entity_type, entity_id);
	`)
	return err
}
