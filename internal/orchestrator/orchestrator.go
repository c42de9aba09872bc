// Package orchestrator drives agent runs end to end: it provisions the
// sandbox, worktree, and session for a task, launches the agent exec,
// consumes the bridge's notices, and records outcomes on the task board.
// It owns the run registry and the per-project concurrency gate, and it is
// the only component that mutates runningAgents and pendingPlans.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/agent/bridge"
	"github.com/taskforge/taskforge/internal/agent/credentials"
	"github.com/taskforge/taskforge/internal/agent/protocol"
	"github.com/taskforge/taskforge/internal/common/config"
	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/common/tracing"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/recovery"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/session"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/worktree"
)

// TaskService is the slice of the task service the orchestrator mutates
// run state through.
type TaskService interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	MarkRunStarted(ctx context.Context, taskID, agentID, sessionID, worktreeID string, status models.AgentRunStatus) error
	RevertRunStart(ctx context.Context, taskID string, column models.Column, status models.AgentRunStatus, clearWorktree bool) error
	PersistPlan(ctx context.Context, taskID string, update service.PlanUpdate) (*models.Task, error)
	MarkPlanApproved(ctx context.Context, taskID, actor string) (*models.Task, error)
	MarkPlanRejected(ctx context.Context, taskID, actor string) (*models.Task, error)
	MarkRunCompleted(ctx context.Context, taskID string, status models.AgentRunStatus, toWaitingApproval bool) (*models.Task, error)
	MarkRunError(ctx context.Context, taskID string) error
	MarkRunCancelled(ctx context.Context, taskID string, revertTo models.Column) (*models.Task, error)
}

// SessionService is the slice of the session service a run needs.
type SessionService interface {
	Create(ctx context.Context, req session.CreateRequest) (*models.Session, error)
	GetByID(ctx context.Context, sessionID string) (*models.Session, error)
	Publish(ctx context.Context, sessionID, eventType string, data map[string]any) (int64, error)
	Close(ctx context.Context, sessionID string) (*models.Session, error)
}

// WorktreeProvisioner creates and removes per-task worktrees.
type WorktreeProvisioner interface {
	Create(ctx context.Context, req worktree.CreateRequest) (*models.Worktree, error)
	Remove(ctx context.Context, worktreeID string) error
}

// CredentialSource resolves provider tokens for the agent environment.
type CredentialSource interface {
	Resolve(ctx context.Context, kind string) string
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Repo      repository.Repository
	Tasks     TaskService
	Sessions  SessionService
	Worktrees WorktreeProvisioner
	Sandboxes sandbox.Provider
	Creds     CredentialSource
	Bus       bus.EventBus
	Logger    *logger.Logger
}

// agentRun is one live agent exec. The handle and bridge fields are
// replaced on retry under mu; everything else is immutable after start.
type agentRun struct {
	runID      string
	taskID     string
	projectID  string
	agentID    string
	sessionID  string
	worktreeID string
	phase      string
	prevColumn models.Column
	stopFile   string
	maxTurns   int
	env        []string
	workdir    string
	binary     string
	sb         sandbox.Sandbox

	mu     sync.Mutex
	handle sandbox.ExecHandle
	br     *bridge.Bridge

	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested atomic.Bool
	limitStopped  atomic.Bool
}

func (r *agentRun) execState() (sandbox.ExecHandle, *bridge.Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle, r.br
}

func (r *agentRun) setExecState(h sandbox.ExecHandle, b *bridge.Bridge) {
	r.mu.Lock()
	r.handle = h
	r.br = b
	r.mu.Unlock()
}

// Service launches and supervises agent runs. It implements the task
// service's AgentRunner interface.
type Service struct {
	agentCfg   config.AgentConfig
	sandboxCfg config.SandboxConfig

	repo      repository.Repository
	tasks     TaskService
	sessions  SessionService
	worktrees WorktreeProvisioner
	sandboxes sandbox.Provider
	creds     CredentialSource
	bus       bus.EventBus
	logger    *logger.Logger

	// retry is the backoff schedule for in-run exec restarts.
	retry recovery.RetryOptions

	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	runningAgents map[string]*agentRun
	pendingPlans  map[string]protocol.PlanReadyPayload

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(agentCfg config.AgentConfig, sandboxCfg config.SandboxConfig, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		agentCfg:      agentCfg,
		sandboxCfg:    sandboxCfg,
		repo:          deps.Repo,
		tasks:         deps.Tasks,
		sessions:      deps.Sessions,
		worktrees:     deps.Worktrees,
		sandboxes:     deps.Sandboxes,
		creds:         deps.Creds,
		bus:           deps.Bus,
		logger:        log.WithFields(zap.String("component", "orchestrator")),
		retry:         recovery.DefaultRetryOptions(),
		locks:         make(map[string]*sync.Mutex),
		runningAgents: make(map[string]*agentRun),
		pendingPlans:  make(map[string]protocol.PlanReadyPayload),
	}
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

// IsAgentRunning reports whether the task has a live run.
func (s *Service) IsAgentRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runningAgents[taskID]
	return ok
}

func (s *Service) getRun(taskID string) *agentRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningAgents[taskID]
}

// countRunning returns the project's live run count, observed under the
// registry lock so the concurrency gate and registration are atomic.
func (s *Service) countRunningLocked(projectID string) int {
	n := 0
	for _, run := range s.runningAgents {
		if run.projectID == projectID {
			n++
		}
	}
	return n
}

// register admits the run through the project's concurrency gate, or
// reports why it cannot start.
func (s *Service) register(run *agentRun, limit int) error {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runningAgents[run.taskID]; ok {
		return apperrors.AgentAlreadyRunning(run.taskID)
	}
	if s.countRunningLocked(run.projectID) >= limit {
		return apperrors.ConcurrencyLimit(run.projectID, limit)
	}
	s.runningAgents[run.taskID] = run
	return nil
}

func (s *Service) unregister(run *agentRun) {
	s.mu.Lock()
	if current, ok := s.runningAgents[run.taskID]; ok && current == run {
		delete(s.runningAgents, run.taskID)
	}
	s.mu.Unlock()
}

// StartPlanning launches a plan-phase run for a backlog task.
func (s *Service) StartPlanning(ctx context.Context, task *models.Task) error {
	unlock := s.lockTask(task.ID)
	defer unlock()

	if task.Column != models.ColumnBacklog {
		return apperrors.InvalidTransition(string(task.Column), string(models.ColumnInProgress))
	}
	return s.startLocked(ctx, task, protocol.PhasePlan, resumeInfo{})
}

// resumeInfo carries the plan-phase handles an execute run resumes from.
type resumeInfo struct {
	SDKSessionID   string
	AllowedPrompts []string
	SessionID      string
}

// startLocked provisions everything a run needs and launches the exec.
// Callers hold the task's orchestrator lock. Failures roll back whatever
// was provisioned in this call so a failed start leaves no trace.
func (s *Service) startLocked(ctx context.Context, task *models.Task, phase string, resume resumeInfo) error {
	ctx, span := tracing.Tracer("taskforge-orchestrator").Start(ctx, "orchestrator.StartRun")
	defer span.End()

	if s.IsAgentRunning(task.ID) {
		return apperrors.AgentAlreadyRunning(task.ID)
	}

	project, err := s.repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	// Early gate check before provisioning anything. Admission is still
	// re-checked atomically at registration.
	limit := project.MaxConcurrentAgents
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	atLimit := s.countRunningLocked(project.ID) >= limit
	s.mu.Unlock()
	if atLimit {
		return apperrors.ConcurrencyLimit(project.ID, limit)
	}

	apiKey := s.creds.Resolve(ctx, credentials.KindAnthropic)
	if apiKey == "" {
		return apperrors.APIKeyNotConfigured()
	}

	sb, err := s.sandboxes.Get(ctx, project.ID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			return err
		}
		sb, err = s.sandboxes.Create(ctx, project.ID)
		if err != nil {
			return err
		}
	}

	wt, err := s.worktrees.Create(ctx, worktree.CreateRequest{
		ProjectID: project.ID,
		TaskID:    task.ID,
	})
	if err != nil {
		return err
	}
	createdWorktree := task.WorktreeID != wt.ID

	sess, createdSession, err := s.resolveSession(ctx, task, phase, resume)
	if err != nil {
		if createdWorktree {
			s.rollbackWorktree(ctx, wt.ID)
		}
		return err
	}

	agent := &models.Agent{
		ProjectID:     project.ID,
		Type:          "claude-code",
		Status:        models.AgentStatusPlanning,
		CurrentTaskID: task.ID,
	}
	runStatus := models.RunStatusPlanning
	if phase == protocol.PhaseExecute {
		agent.Status = models.AgentStatusRunning
		runStatus = models.RunStatusRunning
	}
	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		s.rollbackStart(ctx, task, wt.ID, createdWorktree, sess.ID, createdSession, false)
		return err
	}

	// A cancelled plan run returns the task to backlog; a cancelled execute
	// run returns it to waiting_approval with the approved plan intact.
	prevColumn := models.ColumnBacklog
	if phase == protocol.PhaseExecute {
		prevColumn = models.ColumnWaitingApproval
	}
	if err := s.tasks.MarkRunStarted(ctx, task.ID, agent.ID, sess.ID, wt.ID, runStatus); err != nil {
		s.rollbackStart(ctx, task, wt.ID, createdWorktree, sess.ID, createdSession, false)
		return err
	}

	maxTurns := project.Config.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.agentCfg.DefaultMaxTurns
	}

	// The exec runs inside the task's worktree as seen from the container,
	// where the project checkout is mounted at the workspace path.
	workdir := s.sandboxCfg.WorkspacePath
	if rel := strings.TrimPrefix(wt.Path, project.Path); rel != wt.Path {
		workdir = path.Join(s.sandboxCfg.WorkspacePath, rel)
	}

	run := &agentRun{
		runID:      uuid.NewString()[:8],
		taskID:     task.ID,
		projectID:  project.ID,
		agentID:    agent.ID,
		sessionID:  sess.ID,
		worktreeID: wt.ID,
		phase:      phase,
		prevColumn: prevColumn,
		maxTurns:   maxTurns,
		workdir:    workdir,
		binary:     s.agentCfg.Binary,
		sb:         sb,
		done:       make(chan struct{}),
	}
	run.stopFile = filepath.Join(s.sandboxCfg.StopFileDir, fmt.Sprintf("%s-%s.stop", task.ID, run.runID))
	run.env = s.buildEnv(project, task, run, apiKey, resume)

	if err := s.register(run, project.MaxConcurrentAgents); err != nil {
		s.rollbackStart(ctx, task, wt.ID, createdWorktree, sess.ID, createdSession, true)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel

	if err := s.launchExec(runCtx, run); err != nil {
		s.unregister(run)
		cancel()
		s.rollbackStart(ctx, task, wt.ID, createdWorktree, sess.ID, createdSession, true)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(runCtx, run)
	}()

	s.publishBus(ctx, bus.SubjectAgentStarted, map[string]any{
		"taskId":    task.ID,
		"projectId": project.ID,
		"sessionId": sess.ID,
		"phase":     phase,
	})
	s.logger.Info("agent run started",
		zap.String("task_id", task.ID),
		zap.String("session_id", sess.ID),
		zap.String("phase", phase),
		zap.Int("max_turns", maxTurns))
	return nil
}

// resolveSession returns the run's session: execute-phase runs reuse the
// plan session when it is still active, everything else gets a new one.
func (s *Service) resolveSession(ctx context.Context, task *models.Task, phase string, resume resumeInfo) (*models.Session, bool, error) {
	if phase == protocol.PhaseExecute && resume.SessionID != "" {
		sess, err := s.sessions.GetByID(ctx, resume.SessionID)
		if err == nil && sess.Status == models.SessionStatusActive {
			return sess, false, nil
		}
	}

	title := "Plan: " + task.Title
	if phase == protocol.PhaseExecute {
		title = "Execute: " + task.Title
	}
	sess, err := s.sessions.Create(ctx, session.CreateRequest{
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Title:     title,
	})
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// buildEnv assembles the agent exec environment. The API key goes into the
// exec environment only; it must never appear in logs or stream events.
func (s *Service) buildEnv(project *models.Project, task *models.Task, run *agentRun, apiKey string, resume resumeInfo) []string {
	prompt := task.Description
	if prompt == "" {
		prompt = task.Title
	}
	if run.phase == protocol.PhaseExecute && task.Plan != "" {
		prompt = task.Plan
	}

	tools := project.Config.AllowedTools
	if len(tools) == 0 {
		tools = s.agentCfg.AllowedTools
	}

	env := []string{
		protocol.EnvAPIKey + "=" + apiKey,
		protocol.EnvTaskID + "=" + task.ID,
		protocol.EnvSessionID + "=" + run.sessionID,
		protocol.EnvProjectID + "=" + project.ID,
		protocol.EnvPrompt + "=" + prompt,
		protocol.EnvPhase + "=" + run.phase,
		protocol.EnvModel + "=" + s.agentCfg.DefaultModel,
		protocol.EnvMaxTurns + "=" + strconv.Itoa(run.maxTurns),
		protocol.EnvAllowedTools + "=" + strings.Join(tools, ","),
		protocol.EnvStopFile + "=" + run.stopFile,
	}
	if resume.SDKSessionID != "" {
		env = append(env, protocol.EnvResumeSession+"="+resume.SDKSessionID)
	}
	if len(resume.AllowedPrompts) > 0 {
		raw, err := json.Marshal(resume.AllowedPrompts)
		if err == nil {
			env = append(env, protocol.EnvResumePrompts+"="+string(raw))
		}
	}
	return env
}

// launchExec starts the agent process and wires a bridge onto its stdout.
func (s *Service) launchExec(ctx context.Context, run *agentRun) error {
	handle, err := run.sb.ExecStream(ctx, sandbox.ExecStreamRequest{
		Cmd:     run.binary,
		Env:     run.env,
		Workdir: run.workdir,
	})
	if err != nil {
		return apperrors.ExecStreamFailed(err)
	}

	br := bridge.New(bridge.Config{
		TaskID:    run.taskID,
		SessionID: run.sessionID,
		ProjectID: run.projectID,
		Publisher: s.sessions,
		Logger:    s.logger,
	})
	run.setExecState(handle, br)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		br.Run(ctx, handle.Stdout())
	}()
	go func() {
		defer s.wg.Done()
		s.drainStderr(run, handle)
	}()
	return nil
}

func (s *Service) drainStderr(run *agentRun, handle sandbox.ExecHandle) {
	buf := make([]byte, 4096)
	for {
		n, err := handle.Stderr().Read(buf)
		if n > 0 {
			s.logger.Debug("agent stderr",
				zap.String("task_id", run.taskID),
				zap.String("output", strings.TrimSpace(string(buf[:n]))))
		}
		if err != nil {
			return
		}
	}
}

// rollbackWorktree removes a worktree provisioned by a start that failed.
func (s *Service) rollbackWorktree(ctx context.Context, worktreeID string) {
	if err := s.worktrees.Remove(ctx, worktreeID); err != nil {
		s.logger.Warn("failed to roll back worktree",
			zap.String("worktree_id", worktreeID), zap.Error(err))
	}
}

// rollbackStart unwinds a partially provisioned run. Resources that existed
// before this start attempt are left alone.
func (s *Service) rollbackStart(ctx context.Context, task *models.Task, worktreeID string, createdWorktree bool, sessionID string, createdSession bool, revertTask bool) {
	if revertTask {
		if err := s.tasks.RevertRunStart(ctx, task.ID, task.Column, task.LastAgentStatus, createdWorktree); err != nil {
			s.logger.Warn("failed to revert run start",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	if createdSession {
		if _, err := s.sessions.Close(ctx, sessionID); err != nil {
			s.logger.Warn("failed to close session during rollback",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if createdWorktree {
		s.rollbackWorktree(ctx, worktreeID)
	}
}

// StopAgent cooperatively stops the task's run: it writes the stop-file,
// waits out the grace period, and kills the exec if the agent has not
// acknowledged by then. Returns nil when no agent is running.
func (s *Service) StopAgent(ctx context.Context, taskID string) error {
	run := s.getRun(taskID)
	if run == nil {
		return nil
	}
	run.stopRequested.Store(true)

	if err := run.sb.WriteFile(ctx, run.stopFile, []byte("stop")); err != nil {
		s.logger.Warn("failed to write stop-file, killing exec",
			zap.String("task_id", taskID), zap.Error(err))
	}

	grace := s.agentCfg.StopGraceDuration()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-run.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	handle, _ := run.execState()
	if handle != nil {
		if err := handle.Kill(ctx); err != nil {
			s.logger.Warn("failed to kill agent exec",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	run.cancel()

	select {
	case <-run.done:
	case <-time.After(5 * time.Second):
		s.logger.Error("agent run did not finalize after kill",
			zap.String("task_id", taskID))
	}
	return nil
}

// Shutdown stops every live run cooperatively and waits for the run loops
// to drain, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runs := make([]*agentRun, 0, len(s.runningAgents))
	for _, run := range s.runningAgents {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.stopRequested.Store(true)
		if err := run.sb.WriteFile(ctx, run.stopFile, []byte("stop")); err != nil {
			s.logger.Debug("stop-file write failed during shutdown",
				zap.String("task_id", run.taskID), zap.Error(err))
		}
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		for _, run := range runs {
			if handle, _ := run.execState(); handle != nil {
				_ = handle.Kill(context.Background())
			}
			run.cancel()
		}
		return ctx.Err()
	}
}

func (s *Service) publishBus(ctx context.Context, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "orchestrator", data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Debug("bus publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}

// updateAgentStatus best-effort updates the agent registration row.
func (s *Service) updateAgentStatus(ctx context.Context, agentID string, status models.AgentStatus, clearTask bool) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	agent.Status = status
	if clearTask {
		agent.CurrentTaskID = ""
	}
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		s.logger.Debug("failed to update agent status",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}
