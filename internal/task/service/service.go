// Package service implements task board business logic: project and task
// CRUD, the column state machine, and the plan approval lifecycle. Column
// moves that involve an agent (start, approve, reject, cancel) are delegated
// to the orchestrator through the AgentRunner interface; the orchestrator
// calls back into the Mark* mutation methods to record run outcomes.
package service

import (
	"context"
	"sync"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
)

// AgentRunner triggers agent side effects for column moves. Implemented by
// the orchestrator and wired after construction, breaking the startup cycle
// between the task service and the orchestrator.
type AgentRunner interface {
	// StartPlanning launches a plan-phase agent run for the task.
	StartPlanning(ctx context.Context, task *models.Task) error

	// ApprovePlan approves the pending plan and launches the execute phase.
	ApprovePlan(ctx context.Context, taskID, actor string) error

	// RejectPlan discards the pending plan and returns the task to backlog.
	RejectPlan(ctx context.Context, taskID, actor string) error

	// StopAgent cooperatively stops the task's agent run. Returns nil when
	// no agent is running.
	StopAgent(ctx context.Context, taskID string) error

	// IsAgentRunning reports whether the task has a live run.
	IsAgentRunning(taskID string) bool
}

// Service provides task and project business logic.
type Service struct {
	repo   repository.Repository
	bus    bus.EventBus
	logger *logger.Logger
	runner AgentRunner

	// Row-scoped locks serializing task mutations. Mutation helpers take the
	// task's lock; orchestration paths that call out to the runner do not,
	// so runner callbacks into Mark* methods cannot deadlock.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a new task service.
func NewService(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		bus:    eventBus,
		logger: log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetAgentRunner wires the orchestrator in after construction.
func (s *Service) SetAgentRunner(runner AgentRunner) {
	s.runner = runner
}

func (s *Service) lockTask(taskID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[taskID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
