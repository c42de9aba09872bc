package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/config"
	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/session"
	"github.com/taskforge/taskforge/internal/streams"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/worktree"
)

// fakeRunner satisfies the task service's AgentRunner with scripted
// behavior, so move endpoints exercise their full delegation path.
type fakeRunner struct {
	mu       sync.Mutex
	svc      *service.Service
	startErr error
	running  map[string]bool
}

func newFakeRunner(svc *service.Service) *fakeRunner {
	return &fakeRunner{svc: svc, running: make(map[string]bool)}
}

func (f *fakeRunner) StartPlanning(ctx context.Context, task *models.Task) error {
	f.mu.Lock()
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.running[task.ID] = true
	f.mu.Unlock()
	return f.svc.MarkRunStarted(ctx, task.ID, "agent-1", "sess-1", "wt-1", models.RunStatusPlanning)
}

func (f *fakeRunner) ApprovePlan(ctx context.Context, taskID, actor string) error {
	_, err := f.svc.MarkPlanApproved(ctx, taskID, actor)
	return err
}

func (f *fakeRunner) RejectPlan(ctx context.Context, taskID, actor string) error {
	_, err := f.svc.MarkPlanRejected(ctx, taskID, actor)
	return err
}

func (f *fakeRunner) StopAgent(ctx context.Context, taskID string) error {
	f.mu.Lock()
	delete(f.running, taskID)
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) IsAgentRunning(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[taskID]
}

// fakeWorktreeSvc scripts diff and merge results.
type fakeWorktreeSvc struct {
	diff     *worktree.Diff
	diffErr  error
	mergeErr error
	merged   []string
}

func (f *fakeWorktreeSvc) GetDiff(ctx context.Context, worktreeID string) (*worktree.Diff, error) {
	if f.diffErr != nil {
		return nil, f.diffErr
	}
	return f.diff, nil
}

func (f *fakeWorktreeSvc) Merge(ctx context.Context, worktreeID, commitMessage string) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, worktreeID)
	return nil
}

type apiHarness struct {
	repo     repository.Repository
	tasks    *service.Service
	runner   *fakeRunner
	wts      *fakeWorktreeSvc
	sessions *session.Service
	streams  *streams.Service
	engine   *gin.Engine
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(log)
	streamSvc := streams.New(streams.NewMemoryStore(), log)
	sessionSvc := session.NewService(repo, streamSvc, eventBus, log)
	taskSvc := service.NewService(repo, eventBus, log)
	runner := newFakeRunner(taskSvc)
	taskSvc.SetAgentRunner(runner)
	wts := &fakeWorktreeSvc{}

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Tasks:     taskSvc,
		Sessions:  sessionSvc,
		Streams:   streamSvc,
		Worktrees: wts,
		Bus:       eventBus,
		Logger:    log,
	})
	return &apiHarness{
		repo:     repo,
		tasks:    taskSvc,
		runner:   runner,
		wts:      wts,
		sessions: sessionSvc,
		streams:  streamSvc,
		engine:   srv.Engine(),
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) seedProject(t *testing.T) *models.Project {
	t.Helper()
	project := &models.Project{Name: "demo", Path: "/repo", MaxConcurrentAgents: 1}
	require.NoError(t, h.repo.CreateProject(context.Background(), project))
	return project
}

func (h *apiHarness) seedTask(t *testing.T, projectID string, column models.Column) *models.Task {
	t.Helper()
	task := &models.Task{ProjectID: projectID, Title: "Fix login", Column: column}
	require.NoError(t, h.repo.CreateTask(context.Background(), task))
	return task
}

func TestCreateAndGetProject(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/projects", map[string]any{
		"name": "demo", "path": "/repo", "max_concurrent_agents": 2,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	w = h.do(t, http.MethodGet, "/api/v1/projects/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTaskValidation(t *testing.T) {
	h := newAPIHarness(t)
	project := h.seedProject(t)

	w := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"project_id": project.ID, "title": "Fix login",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// Missing title is rejected by the service.
	w = h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"project_id": project.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTasksRequiresProjectID(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/api/v1/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartTaskDelegatesToRunner(t *testing.T) {
	h := newAPIHarness(t)
	project := h.seedProject(t)
	task := h.seedTask(t, project.ID, models.ColumnBacklog)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/start", task.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var updated models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, models.ColumnInProgress, updated.Column)
}

func TestStartTaskAdmissionDenied(t *testing.T) {
	h := newAPIHarness(t)
	project := h.seedProject(t)
	task := h.seedTask(t, project.ID, models.ColumnBacklog)
	h.runner.startErr = apperrors.ConcurrencyLimit(project.ID, 1)

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/start", task.ID), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.ErrCodeConcurrencyLimit, resp["code"])
}

func TestApproveAndRejectPlan(t *testing.T) {
	h := newAPIHarness(t)
	project := h.seedProject(t)

	seedPlanned := func() *models.Task {
		task := h.seedTask(t, project.ID, models.ColumnInProgress)
		_, err := h.tasks.PersistPlan(context.Background(), task.ID, service.PlanUpdate{
			Plan: "the plan", SessionID: "sess-1", TurnCount: 2,
		})
		require.NoError(t, err)
		return task
	}

	approved := seedPlanned()
	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/plan/approve", approved.ID), map[string]any{"actor": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var out models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, models.ColumnInProgress, out.Column)
	assert.Equal(t, "alice", out.ApprovedBy)

	rejected := seedPlanned()
	w = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/plan/reject", rejected.ID), map[string]any{"actor": "bob"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, models.ColumnBacklog, out.Column)
	assert.Empty(t, out.Plan)

	// Approving a task that never produced a plan fails.
	bare := h.seedTask(t, project.ID, models.ColumnWaitingApproval)
	w = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/plan/approve", bare.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTaskDiffAndMerge(t *testing.T) {
	h := newAPIHarness(t)
	project := h.seedProject(t)
	task := h.seedTask(t, project.ID, models.ColumnWaitingApproval)
	task.WorktreeID = "wt-1"
	require.NoError(t, h.repo.UpdateTask(context.Background(), task))

	h.wts.diff = &worktree.Diff{
		Files: []worktree.FileDiff{{Path: "main.go", Status: "modified", Additions: 3, Deletions: 1}},
		Stats: worktree.DiffStats{FilesChanged: 1, Additions: 3, Deletions: 1},
	}

	w := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s/diff", task.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var diff worktree.Diff
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &diff))
	assert.Equal(t, 1, diff.Stats.FilesChanged)

	w = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/merge", task.ID), map[string]any{"commitMessage": "ship it"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"wt-1"}, h.wts.merged)

	// Merge conflicts surface with their own status code.
	h.wts.mergeErr = apperrors.Conflict("repository is on branch 'feature'")
	w = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/merge", task.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTaskDiffWithoutWorktree(t *testing.T) {
	h := newAPIHarness(t)
	project := h.seedProject(t)
	task := h.seedTask(t, project.ID, models.ColumnBacklog)

	w := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s/diff", task.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionEventsPagination(t *testing.T) {
	h := newAPIHarness(t)
	project := h.seedProject(t)
	ctx := context.Background()

	sess, err := h.sessions.Create(ctx, session.CreateRequest{ProjectID: project.ID, Title: "run"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := h.sessions.Publish(ctx, sess.ID, "container-agent:token", map[string]any{"text": fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	w := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/events?fromOffset=2", sess.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events     []streams.Event `json:"events"`
		NextOffset int64           `json:"nextOffset"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 3)
	assert.Equal(t, int64(2), resp.Events[0].Offset)
	assert.Equal(t, int64(5), resp.NextOffset)

	w = h.do(t, http.MethodGet, "/api/v1/sessions/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/events?fromOffset=-1", sess.ID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
