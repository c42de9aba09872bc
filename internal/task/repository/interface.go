// Package repository defines storage for the task execution backend's
// entities and provides in-memory and SQLite implementations.
package repository

import (
	"context"

	"github.com/taskforge/taskforge/internal/task/models"
)

// Repository is the storage interface shared by the in-memory and SQLite
// implementations. Not-found conditions carry the NOT_FOUND error code.
type Repository interface {
	// Project operations
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, projectID string) ([]*models.Task, error)
	ListTasksByColumn(ctx context.Context, projectID string, column models.Column) ([]*models.Task, error)

	// Agent operations
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, projectID string) ([]*models.Agent, error)

	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	ListSessionsByTask(ctx context.Context, taskID string) ([]*models.Session, error)
	ListActiveSessions(ctx context.Context) ([]*models.Session, error)

	// Worktree operations
	CreateWorktree(ctx context.Context, worktree *models.Worktree) error
	GetWorktree(ctx context.Context, id string) (*models.Worktree, error)
	UpdateWorktree(ctx context.Context, worktree *models.Worktree) error
	DeleteWorktree(ctx context.Context, id string) error
	ListWorktrees(ctx context.Context, projectID string) ([]*models.Worktree, error)
	GetWorktreeByTask(ctx context.Context, taskID string) (*models.Worktree, error)

	// Sandbox instance operations
	UpsertSandboxInstance(ctx context.Context, instance *models.SandboxInstance) error
	GetSandboxInstanceByProject(ctx context.Context, projectID string) (*models.SandboxInstance, error)
	DeleteSandboxInstance(ctx context.Context, id string) error

	// Plan session operations
	CreatePlanSession(ctx context.Context, plan *models.PlanSession) error
	ResolvePlanSession(ctx context.Context, id string, status models.PlanSessionStatus, resolvedBy string) error
	ListPlanSessionsByTask(ctx context.Context, taskID string) ([]*models.PlanSession, error)

	// API key operations
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByProvider(ctx context.Context, provider string) (*models.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error

	// Audit log operations
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, entityType, entityID string, limit int) ([]*models.AuditLog, error)

	// Close closes the repository (for database connections).
	Close() error
}
