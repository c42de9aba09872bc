// Package session manages session rows and their durable streams. A session
// and its stream share one id; creating a session creates the stream, and
// closing a session stamps closedAt while the stream stays readable for
// replay.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/streams"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
)

// Service creates, closes, and publishes into sessions.
type Service struct {
	repo    repository.Repository
	streams *streams.Service
	bus     bus.EventBus
	logger  *logger.Logger
}

// NewService creates a session service.
func NewService(repo repository.Repository, streamSvc *streams.Service, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:    repo,
		streams: streamSvc,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "session-service")),
	}
}

// CreateRequest is the input for Create.
type CreateRequest struct {
	ProjectID string
	TaskID    string
	AgentID   string
	Title     string
}

// Create inserts an active session row and creates the durable stream that
// carries the session id. If the stream cannot be created the row is closed
// again so no active session exists without a stream.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Session, error) {
	if req.ProjectID == "" {
		return nil, apperrors.ValidationError("projectId", "project id is required")
	}

	session := &models.Session{
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		AgentID:   req.AgentID,
		Title:     req.Title,
		Status:    models.SessionStatusActive,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if err := s.streams.CreateStream(ctx, session.ID); err != nil {
		now := time.Now().UTC()
		session.Status = models.SessionStatusClosed
		session.ClosedAt = &now
		if uerr := s.repo.UpdateSession(ctx, session); uerr != nil {
			s.logger.Error("failed to close session after stream create failure",
				zap.String("session_id", session.ID), zap.Error(uerr))
		}
		return nil, err
	}

	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("project_id", session.ProjectID),
		zap.String("task_id", session.TaskID))
	return session, nil
}

// Publish appends an event to the session's stream and returns its offset.
func (s *Service) Publish(ctx context.Context, sessionID, eventType string, data map[string]any) (int64, error) {
	return s.streams.Publish(ctx, sessionID, eventType, data)
}

// Close marks the session closed and stamps closedAt. The stream is not
// deleted; replay stays available. Closing a closed session is a no-op.
func (s *Service) Close(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionStatusClosed {
		return session, nil
	}

	now := time.Now().UTC()
	session.Status = models.SessionStatusClosed
	session.ClosedAt = &now
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	if s.bus != nil {
		event := bus.NewEvent(bus.SubjectSessionClosed, "session-service", map[string]any{
			"session_id": session.ID,
			"project_id": session.ProjectID,
			"task_id":    session.TaskID,
		})
		if err := s.bus.Publish(ctx, bus.SubjectSessionClosed, event); err != nil {
			s.logger.Warn("failed to publish session closed event",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	s.logger.Info("session closed", zap.String("session_id", sessionID))
	return session, nil
}

// GetByID retrieves a session.
func (s *Service) GetByID(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// ListByTask returns a task's sessions, oldest first.
func (s *Service) ListByTask(ctx context.Context, taskID string) ([]*models.Session, error) {
	return s.repo.ListSessionsByTask(ctx, taskID)
}

// CloseStale closes sessions left active by a previous process. Their
// streams were adopted by the store at startup and stay readable. Returns
// the number of sessions closed.
func (s *Service) CloseStale(ctx context.Context) (int, error) {
	stale, err := s.repo.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, sess := range stale {
		if _, err := s.Close(ctx, sess.ID); err != nil {
			s.logger.Warn("failed to close stale session",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		closed++
	}
	if closed > 0 {
		s.logger.Info("closed stale sessions", zap.Int("count", closed))
	}
	return closed, nil
}
