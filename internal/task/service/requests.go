package service

import "github.com/taskforge/taskforge/internal/task/models"

// Request types

// CreateProjectRequest contains the data for registering a project.
type CreateProjectRequest struct {
	Name                string               `json:"name"`
	Path                string               `json:"path"`
	Config              models.ProjectConfig `json:"config"`
	MaxConcurrentAgents int                  `json:"max_concurrent_agents"`
}

// UpdateProjectRequest contains the data for updating a project.
type UpdateProjectRequest struct {
	Name                *string               `json:"name,omitempty"`
	Config              *models.ProjectConfig `json:"config,omitempty"`
	MaxConcurrentAgents *int                  `json:"max_concurrent_agents,omitempty"`
}

// CreateTaskRequest contains the data for creating a new task.
type CreateTaskRequest struct {
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels,omitempty"`
	Position    *int     `json:"position,omitempty"`
}

// UpdateTaskRequest contains the data for updating a task. Column moves go
// through MoveColumn, not here.
type UpdateTaskRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Position    *int     `json:"position,omitempty"`
}

// MoveOptions carries optional context for a column move.
type MoveOptions struct {
	// Actor is recorded on approvals, rejections, and audit entries.
	Actor string `json:"actor,omitempty"`
	// Position places the task within the target column.
	Position *int `json:"position,omitempty"`
}

// PlanUpdate is the atomic plan persistence payload applied on plan_ready.
type PlanUpdate struct {
	Plan      string
	Options   *models.PlanOptions
	SessionID string
	TurnCount int
}
