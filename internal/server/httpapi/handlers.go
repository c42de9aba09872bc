package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/service"
)

type handler struct {
	deps   Deps
	logger *logger.Logger
}

func newHandler(deps Deps, log *logger.Logger) *handler {
	return &handler{deps: deps, logger: log}
}

func (h *handler) register(engine *gin.Engine) {
	engine.GET("/healthz", h.health)

	v1 := engine.Group("/api/v1")

	projects := v1.Group("/projects")
	{
		projects.POST("", h.createProject)
		projects.GET("", h.listProjects)
		projects.GET("/:id", h.getProject)
	}

	tasks := v1.Group("/tasks")
	{
		tasks.POST("", h.createTask)
		tasks.GET("", h.listTasks)
		tasks.GET("/:id", h.getTask)
		tasks.POST("/:id/move", h.moveTask)
		tasks.POST("/:id/start", h.startTask)
		tasks.POST("/:id/stop", h.stopTask)
		tasks.POST("/:id/plan/approve", h.approvePlan)
		tasks.POST("/:id/plan/reject", h.rejectPlan)
		tasks.GET("/:id/diff", h.taskDiff)
		tasks.POST("/:id/merge", h.mergeTask)
	}

	sessions := v1.Group("/sessions")
	{
		sessions.GET("/:id", h.getSession)
		sessions.GET("/:id/events", h.sessionEvents)
	}
}

func (h *handler) health(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{"bus": "ok", "sandbox": "ok"}
	if h.deps.Bus != nil && !h.deps.Bus.IsConnected() {
		checks["bus"] = "disconnected"
		status = http.StatusServiceUnavailable
	}
	if h.deps.Sandboxes != nil {
		if err := h.deps.Sandboxes.HealthCheck(c.Request.Context()); err != nil {
			checks["sandbox"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, checks)
}

// Projects

func (h *handler) createProject(c *gin.Context) {
	var req service.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	project, err := h.deps.Tasks.CreateProject(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *handler) listProjects(c *gin.Context) {
	projects, err := h.deps.Tasks.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *handler) getProject(c *gin.Context) {
	project, err := h.deps.Tasks.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// Tasks

func (h *handler) createTask(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	task, err := h.deps.Tasks.CreateTask(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *handler) listTasks(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		respondError(c, apperrors.ValidationError("projectId", "projectId query parameter is required"))
		return
	}
	tasks, err := h.deps.Tasks.ListTasks(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *handler) getTask(c *gin.Context) {
	task, err := h.deps.Tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type moveRequest struct {
	Column   string `json:"column"`
	Actor    string `json:"actor,omitempty"`
	Position *int   `json:"position,omitempty"`
}

func (h *handler) moveTask(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	task, err := h.deps.Tasks.MoveColumn(c.Request.Context(), c.Param("id"), models.Column(req.Column), service.MoveOptions{
		Actor:    req.Actor,
		Position: req.Position,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// startTask launches the plan phase; it is the API shape of the
// backlog -> in_progress move.
func (h *handler) startTask(c *gin.Context) {
	task, err := h.deps.Tasks.MoveColumn(c.Request.Context(), c.Param("id"), models.ColumnInProgress, service.MoveOptions{})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// stopTask cancels the running agent and returns the task to backlog.
func (h *handler) stopTask(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	task, err := h.deps.Tasks.MoveColumn(c.Request.Context(), c.Param("id"), models.ColumnBacklog, service.MoveOptions{Actor: req.Actor})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type actorRequest struct {
	Actor string `json:"actor,omitempty"`
}

func (h *handler) approvePlan(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	task, err := h.deps.Tasks.MoveColumn(c.Request.Context(), c.Param("id"), models.ColumnInProgress, service.MoveOptions{Actor: req.Actor})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handler) rejectPlan(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	task, err := h.deps.Tasks.MoveColumn(c.Request.Context(), c.Param("id"), models.ColumnBacklog, service.MoveOptions{Actor: req.Actor})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handler) taskDiff(c *gin.Context) {
	taskID := c.Param("id")
	task, err := h.deps.Tasks.GetTask(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	if task.WorktreeID == "" {
		respondError(c, apperrors.NotFound("worktree for task", taskID))
		return
	}
	diff, err := h.deps.Worktrees.GetDiff(c.Request.Context(), task.WorktreeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

type mergeRequest struct {
	CommitMessage string `json:"commitMessage,omitempty"`
}

func (h *handler) mergeTask(c *gin.Context) {
	taskID := c.Param("id")
	var req mergeRequest
	_ = c.ShouldBindJSON(&req)

	task, err := h.deps.Tasks.GetTask(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	if task.WorktreeID == "" {
		respondError(c, apperrors.NotFound("worktree for task", taskID))
		return
	}
	if err := h.deps.Worktrees.Merge(c.Request.Context(), task.WorktreeID, req.CommitMessage); err != nil {
		h.logger.Warn("merge failed",
			zap.String("task_id", taskID),
			zap.String("worktree_id", task.WorktreeID),
			zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": true, "worktreeId": task.WorktreeID})
}

// Sessions

func (h *handler) getSession(c *gin.Context) {
	sess, err := h.deps.Sessions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handler) sessionEvents(c *gin.Context) {
	sessionID := c.Param("id")

	fromOffset := int64(0)
	if raw := c.Query("fromOffset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondError(c, apperrors.ValidationError("fromOffset", "must be a non-negative integer"))
			return
		}
		fromOffset = parsed
	}
	limit := 500
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(c, apperrors.ValidationError("limit", "must be a positive integer"))
			return
		}
		limit = parsed
	}

	events, err := h.deps.Streams.ReadEvents(c.Request.Context(), sessionID, fromOffset, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	next := fromOffset
	if n := len(events); n > 0 {
		next = events[n-1].Offset + 1
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "nextOffset": next})
}
