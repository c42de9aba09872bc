// Package models defines the persisted entities of the task execution
// backend: projects, tasks, agents, sessions, worktrees, and sandbox
// instances.
package models

import "time"

// Column is a kanban column, which doubles as the task's workflow state.
type Column string

const (
	ColumnBacklog         Column = "backlog"
	ColumnInProgress      Column = "in_progress"
	ColumnWaitingApproval Column = "waiting_approval"
	ColumnVerified        Column = "verified"
)

// Valid reports whether c is a known column.
func (c Column) Valid() bool {
	switch c {
	case ColumnBacklog, ColumnInProgress, ColumnWaitingApproval, ColumnVerified:
		return true
	}
	return false
}

// AgentRunStatus is the last observed outcome of an agent run on a task.
// The zero value means no run has happened yet.
type AgentRunStatus string

const (
	RunStatusPlanning  AgentRunStatus = "planning"
	RunStatusRunning   AgentRunStatus = "running"
	RunStatusCompleted AgentRunStatus = "completed"
	RunStatusError     AgentRunStatus = "error"
	RunStatusCancelled AgentRunStatus = "cancelled"
)

// ProjectConfig is the per-project agent execution configuration.
type ProjectConfig struct {
	WorktreeRoot  string   `json:"worktree_root"`
	DefaultBranch string   `json:"default_branch"`
	AllowedTools  []string `json:"allowed_tools,omitempty"`
	MaxTurns      int      `json:"max_turns"`
}

// Project is a git repository that tasks run against.
type Project struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Path                string        `json:"path"` // absolute path to the repository
	Config              ProjectConfig `json:"config"`
	MaxConcurrentAgents int           `json:"max_concurrent_agents"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// PlanOptions carries the agent SDK handles produced during planning and
// needed to resume the same conversation in the execute phase.
type PlanOptions struct {
	SDKSessionID   string   `json:"sdk_session_id,omitempty"`
	AllowedPrompts []string `json:"allowed_prompts,omitempty"`
}

// Task is one unit of work on a project's board.
type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Column      Column   `json:"column"`
	Position    int      `json:"position"` // order within the column
	Labels      []string `json:"labels,omitempty"`

	Plan            string         `json:"plan,omitempty"`
	PlanOptions     *PlanOptions   `json:"plan_options,omitempty"`
	LastAgentStatus AgentRunStatus `json:"last_agent_status,omitempty"`

	AgentID    string `json:"agent_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	WorktreeID string `json:"worktree_id,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasPlan reports whether the task carries a pending or approved plan.
func (t *Task) HasPlan() bool {
	return t.Plan != ""
}

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusPlanning  AgentStatus = "planning"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusError     AgentStatus = "error"
)

// AgentConfig overrides the project defaults for one agent.
type AgentConfig struct {
	Model        string   `json:"model,omitempty"`
	MaxTurns     int      `json:"max_turns,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// Agent is a configured agent registration within a project.
type Agent struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	Type          string      `json:"type"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	Config        AgentConfig `json:"config"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusClosed SessionStatus = "closed"
)

// Session groups one agent run's event traffic. A session owns exactly one
// durable stream carrying the session id.
type Session struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	TaskID    string        `json:"task_id,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	Title     string        `json:"title,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
}

// WorktreeStatus is the lifecycle state of a git worktree.
type WorktreeStatus string

const (
	WorktreeStatusActive  WorktreeStatus = "active"
	WorktreeStatusMerged  WorktreeStatus = "merged"
	WorktreeStatusRemoved WorktreeStatus = "removed"
)

// Worktree is an isolated git worktree where one task's agent operates.
type Worktree struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	TaskID     string         `json:"task_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Branch     string         `json:"branch"`
	Path       string         `json:"path"`
	BaseBranch string         `json:"base_branch"`
	Status     WorktreeStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SandboxStatus is the lifecycle state of a sandbox container.
type SandboxStatus string

const (
	SandboxStatusCreating SandboxStatus = "creating"
	SandboxStatusRunning  SandboxStatus = "running"
	SandboxStatusStopped  SandboxStatus = "stopped"
	SandboxStatusFailed   SandboxStatus = "failed"
)

// SandboxInstance records the container backing a project's sandbox. One
// sandbox per project; concurrent agent execs share it.
type SandboxInstance struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	ContainerID string        `json:"container_id,omitempty"`
	Image       string        `json:"image,omitempty"`
	Status      SandboxStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PlanSessionStatus is the resolution state of a recorded planning cycle.
type PlanSessionStatus string

const (
	PlanSessionPending  PlanSessionStatus = "pending"
	PlanSessionApproved PlanSessionStatus = "approved"
	PlanSessionRejected PlanSessionStatus = "rejected"
)

// PlanSession is the audit record of one plan proposal and its resolution.
type PlanSession struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	SessionID  string            `json:"session_id"`
	Plan       string            `json:"plan"`
	TurnCount  int               `json:"turn_count"`
	Status     PlanSessionStatus `json:"status"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// APIKey is a stored provider credential. The key value itself never
// appears in logs or API responses.
type APIKey struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Key       string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog records a state-changing operation for later inspection.
type AuditLog struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
