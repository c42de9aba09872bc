package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/models"
)

// MemoryRepository provides in-memory storage, used by tests and by
// development configs that run without a database file.
type MemoryRepository struct {
	mu               sync.RWMutex
	projects         map[string]*models.Project
	tasks            map[string]*models.Task
	agents           map[string]*models.Agent
	sessions         map[string]*models.Session
	worktrees        map[string]*models.Worktree
	sandboxInstances map[string]*models.SandboxInstance
	planSessions     map[string]*models.PlanSession
	apiKeys          map[string]*models.APIKey
	auditLogs        []*models.AuditLog
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects:         make(map[string]*models.Project),
		tasks:            make(map[string]*models.Task),
		agents:           make(map[string]*models.Agent),
		sessions:         make(map[string]*models.Session),
		worktrees:        make(map[string]*models.Worktree),
		sandboxInstances: make(map[string]*models.SandboxInstance),
		planSessions:     make(map[string]*models.PlanSession),
		apiKeys:          make(map[string]*models.APIKey),
	}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// Project operations

func (r *MemoryRepository) CreateProject(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now
	r.projects[project.ID] = cloneProject(project)
	return nil
}

func (r *MemoryRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, ok := r.projects[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	return cloneProject(project), nil
}

func (r *MemoryRepository) UpdateProject(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[project.ID]; !ok {
		return apperrors.NotFound("project", project.ID)
	}
	project.UpdatedAt = time.Now().UTC()
	r.projects[project.ID] = cloneProject(project)
	return nil
}

func (r *MemoryRepository) DeleteProject(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[id]; !ok {
		return apperrors.NotFound("project", id)
	}
	delete(r.projects, id)
	return nil
}

func (r *MemoryRepository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Project, 0, len(r.projects))
	for _, project := range r.projects {
		result = append(result, cloneProject(project))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Task operations

func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Column == "" {
		task.Column = models.ColumnBacklog
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	r.tasks[task.ID] = cloneTask(task)
	return nil
}

func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return cloneTask(task), nil
}

func (r *MemoryRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; !ok {
		return apperrors.NotFound("task", task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	r.tasks[task.ID] = cloneTask(task)
	return nil
}

func (r *MemoryRepository) DeleteTask(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return apperrors.NotFound("task", id)
	}
	delete(r.tasks, id)
	return nil
}

func (r *MemoryRepository) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Task
	for _, task := range r.tasks {
		if task.ProjectID == projectID {
			result = append(result, cloneTask(task))
		}
	}
	sortTasks(result)
	return result, nil
}

func (r *MemoryRepository) ListTasksByColumn(ctx context.Context, projectID string, column models.Column) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Task
	for _, task := range r.tasks {
		if task.ProjectID == projectID && task.Column == column {
			result = append(result, cloneTask(task))
		}
	}
	sortTasks(result)
	return result, nil
}

// Agent operations

func (r *MemoryRepository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Status == "" {
		agent.Status = models.AgentStatusIdle
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	r.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (r *MemoryRepository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return cloneAgent(agent), nil
}

func (r *MemoryRepository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agent.ID]; !ok {
		return apperrors.NotFound("agent", agent.ID)
	}
	agent.UpdatedAt = time.Now().UTC()
	r.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (r *MemoryRepository) DeleteAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return apperrors.NotFound("agent", id)
	}
	delete(r.agents, id)
	return nil
}

func (r *MemoryRepository) ListAgents(ctx context.Context, projectID string) ([]*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Agent
	for _, agent := range r.agents {
		if agent.ProjectID == projectID {
			result = append(result, cloneAgent(agent))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Session operations

func (r *MemoryRepository) CreateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusActive
	}
	session.CreatedAt = time.Now().UTC()
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return cloneSession(session), nil
}

func (r *MemoryRepository) UpdateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; !ok {
		return apperrors.NotFound("session", session.ID)
	}
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryRepository) ListSessionsByTask(ctx context.Context, taskID string) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Session
	for _, session := range r.sessions {
		if session.TaskID == taskID {
			result = append(result, cloneSession(session))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *MemoryRepository) ListActiveSessions(ctx context.Context) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Session
	for _, session := range r.sessions {
		if session.Status == models.SessionStatusActive {
			result = append(result, cloneSession(session))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Worktree operations

func (r *MemoryRepository) CreateWorktree(ctx context.Context, worktree *models.Worktree) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if worktree.ID == "" {
		worktree.ID = uuid.New().String()
	}
	if worktree.Status == "" {
		worktree.Status = models.WorktreeStatusActive
	}
	now := time.Now().UTC()
	worktree.CreatedAt = now
	worktree.UpdatedAt = now
	r.worktrees[worktree.ID] = cloneWorktree(worktree)
	return nil
}

func (r *MemoryRepository) GetWorktree(ctx context.Context, id string) (*models.Worktree, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worktree, ok := r.worktrees[id]
	if !ok {
		return nil, apperrors.NotFound("worktree", id)
	}
	return cloneWorktree(worktree), nil
}

func (r *MemoryRepository) UpdateWorktree(ctx context.Context, worktree *models.Worktree) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.worktrees[worktree.ID]; !ok {
		return apperrors.NotFound("worktree", worktree.ID)
	}
	worktree.UpdatedAt = time.Now().UTC()
	r.worktrees[worktree.ID] = cloneWorktree(worktree)
	return nil
}

func (r *MemoryRepository) DeleteWorktree(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.worktrees[id]; !ok {
		return apperrors.NotFound("worktree", id)
	}
	delete(r.worktrees, id)
	return nil
}

func (r *MemoryRepository) ListWorktrees(ctx context.Context, projectID string) ([]*models.Worktree, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Worktree
	for _, worktree := range r.worktrees {
		if worktree.ProjectID == projectID {
			result = append(result, cloneWorktree(worktree))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *MemoryRepository) GetWorktreeByTask(ctx context.Context, taskID string) (*models.Worktree, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, worktree := range r.worktrees {
		if worktree.TaskID == taskID && worktree.Status == models.WorktreeStatusActive {
			return cloneWorktree(worktree), nil
		}
	}
	return nil, apperrors.NotFound("worktree for task", taskID)
}

// Sandbox instance operations

func (r *MemoryRepository) UpsertSandboxInstance(ctx context.Context, instance *models.SandboxInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instance.ID == "" {
		instance.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if existing, ok := r.findSandboxByProject(instance.ProjectID); ok {
		instance.ID = existing.ID
		instance.CreatedAt = existing.CreatedAt
	} else {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now
	out := *instance
	r.sandboxInstances[instance.ID] = &out
	return nil
}

func (r *MemoryRepository) findSandboxByProject(projectID string) (*models.SandboxInstance, bool) {
	for _, instance := range r.sandboxInstances {
		if instance.ProjectID == projectID {
			return instance, true
		}
	}
	return nil, false
}

func (r *MemoryRepository) GetSandboxInstanceByProject(ctx context.Context, projectID string) (*models.SandboxInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.findSandboxByProject(projectID)
	if !ok {
		return nil, apperrors.NotFound("sandbox instance for project", projectID)
	}
	out := *instance
	return &out, nil
}

func (r *MemoryRepository) DeleteSandboxInstance(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sandboxInstances[id]; !ok {
		return apperrors.NotFound("sandbox instance", id)
	}
	delete(r.sandboxInstances, id)
	return nil
}

// Plan session operations

func (r *MemoryRepository) CreatePlanSession(ctx context.Context, plan *models.PlanSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.Status == "" {
		plan.Status = models.PlanSessionPending
	}
	plan.CreatedAt = time.Now().UTC()
	out := *plan
	r.planSessions[plan.ID] = &out
	return nil
}

func (r *MemoryRepository) ResolvePlanSession(ctx context.Context, id string, status models.PlanSessionStatus, resolvedBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan, ok := r.planSessions[id]
	if !ok {
		return apperrors.NotFound("plan session", id)
	}
	now := time.Now().UTC()
	plan.Status = status
	plan.ResolvedBy = resolvedBy
	plan.ResolvedAt = &now
	return nil
}

func (r *MemoryRepository) ListPlanSessionsByTask(ctx context.Context, taskID string) ([]*models.PlanSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.PlanSession
	for _, plan := range r.planSessions {
		if plan.TaskID == taskID {
			out := *plan
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// API key operations

func (r *MemoryRepository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now().UTC()
	out := *key
	r.apiKeys[key.ID] = &out
	return nil
}

func (r *MemoryRepository) GetAPIKeyByProvider(ctx context.Context, provider string) (*models.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.APIKey
	for _, key := range r.apiKeys {
		if key.Provider != provider {
			continue
		}
		if latest == nil || key.CreatedAt.After(latest.CreatedAt) {
			latest = key
		}
	}
	if latest == nil {
		return nil, apperrors.NotFound("api key for provider", provider)
	}
	out := *latest
	return &out, nil
}

func (r *MemoryRepository) DeleteAPIKey(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.apiKeys[id]; !ok {
		return apperrors.NotFound("api key", id)
	}
	delete(r.apiKeys, id)
	return nil
}

// Audit log operations

func (r *MemoryRepository) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()
	out := *entry
	r.auditLogs = append(r.auditLogs, &out)
	return nil
}

func (r *MemoryRepository) ListAuditLogs(ctx context.Context, entityType, entityID string, limit int) ([]*models.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.AuditLog
	for i := len(r.auditLogs) - 1; i >= 0; i-- {
		entry := r.auditLogs[i]
		if entry.EntityType != entityType || entry.EntityID != entityID {
			continue
		}
		out := *entry
		result = append(result, &out)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Clone helpers keep callers from mutating stored state through returned
// pointers.

func cloneProject(p *models.Project) *models.Project {
	out := *p
	out.Config.AllowedTools = append([]string(nil), p.Config.AllowedTools...)
	return &out
}

func cloneTask(t *models.Task) *models.Task {
	out := *t
	out.Labels = append([]string(nil), t.Labels...)
	if t.PlanOptions != nil {
		opts := *t.PlanOptions
		opts.AllowedPrompts = append([]string(nil), t.PlanOptions.AllowedPrompts...)
		out.PlanOptions = &opts
	}
	return &out
}

func cloneAgent(a *models.Agent) *models.Agent {
	out := *a
	out.Config.AllowedTools = append([]string(nil), a.Config.AllowedTools...)
	return &out
}

func cloneSession(s *models.Session) *models.Session {
	out := *s
	return &out
}

func cloneWorktree(w *models.Worktree) *models.Worktree {
	out := *w
	return &out
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
