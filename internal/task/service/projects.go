package service

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/models"
)

// Project operations

// CreateProject registers a git repository as a project.
func (s *Service) CreateProject(ctx context.Context, req *CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" {
		return nil, apperrors.ValidationError("name", "name is required")
	}
	if req.Path == "" {
		return nil, apperrors.ValidationError("path", "path is required")
	}

	project := &models.Project{
		Name:                req.Name,
		Path:                req.Path,
		Config:              req.Config,
		MaxConcurrentAgents: req.MaxConcurrentAgents,
	}
	if project.MaxConcurrentAgents <= 0 {
		project.MaxConcurrentAgents = 1
	}
	if project.Config.DefaultBranch == "" {
		project.Config.DefaultBranch = "main"
	}

	if err := s.repo.CreateProject(ctx, project); err != nil {
		s.logger.Error("failed to create project", zap.Error(err))
		return nil, err
	}

	s.audit(ctx, "project", project.ID, "created", "", map[string]any{"name": project.Name})
	s.logger.Info("project created",
		zap.String("project_id", project.ID),
		zap.String("name", project.Name))
	return project, nil
}

// GetProject retrieves a project by ID.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.repo.GetProject(ctx, id)
}

// ListProjects returns all registered projects.
func (s *Service) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.repo.ListProjects(ctx)
}

// UpdateProject applies a partial update to a project.
func (s *Service) UpdateProject(ctx context.Context, id string, req *UpdateProjectRequest) (*models.Project, error) {
	project, err := s.repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		project.Name = *req.Name
	}
	if req.Config != nil {
		project.Config = *req.Config
	}
	if req.MaxConcurrentAgents != nil {
		if *req.MaxConcurrentAgents <= 0 {
			return nil, apperrors.ValidationError("max_concurrent_agents", "must be positive")
		}
		project.MaxConcurrentAgents = *req.MaxConcurrentAgents
	}

	if err := s.repo.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// DeleteProject removes a project. Tasks cascade at the database layer.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	if err := s.repo.DeleteProject(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, "project", id, "deleted", "", nil)
	s.logger.Info("project deleted", zap.String("project_id", id))
	return nil
}
