package repository

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/models"
)

// Task CRUD tests

func TestSQLiteRepository_TaskCRUD(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "Project", Path: "/srv/repos/p1"})

	// Create
	task := &models.Task{
		ProjectID:   "proj-1",
		Title:       "Fix login bug",
		Description: "Investigate and fix the session timeout",
		Labels:      []string{"bug", "auth"},
	}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if task.ID == "" {
		t.Error("expected task ID to be set")
	}
	if task.Column != models.ColumnBacklog {
		t.Errorf("expected default column backlog, got %s", task.Column)
	}

	// Get
	retrieved, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if retrieved.Title != "Fix login bug" {
		t.Errorf("expected title 'Fix login bug', got %s", retrieved.Title)
	}
	if len(retrieved.Labels) != 2 || retrieved.Labels[0] != "bug" {
		t.Errorf("expected labels [bug auth], got %v", retrieved.Labels)
	}
	if retrieved.PlanOptions != nil {
		t.Errorf("expected nil plan options, got %+v", retrieved.PlanOptions)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected nil CompletedAt")
	}

	// Update
	task.Title = "Fix login bug (prod)"
	task.Column = models.ColumnInProgress
	task.LastAgentStatus = models.RunStatusRunning
	if err := repo.UpdateTask(ctx, task); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}
	retrieved, _ = repo.GetTask(ctx, task.ID)
	if retrieved.Title != "Fix login bug (prod)" {
		t.Errorf("expected updated title, got %s", retrieved.Title)
	}
	if retrieved.Column != models.ColumnInProgress {
		t.Errorf("expected column in_progress, got %s", retrieved.Column)
	}
	if retrieved.LastAgentStatus != models.RunStatusRunning {
		t.Errorf("expected last agent status running, got %s", retrieved.LastAgentStatus)
	}

	// Delete
	if err := repo.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("failed to delete task: %v", err)
	}
	_, err = repo.GetTask(ctx, task.ID)
	if err == nil {
		t.Error("expected task to be deleted")
	}
}

func TestSQLiteRepository_TaskNotFound(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_, err := repo.GetTask(ctx, "nonexistent")
	if err == nil {
		t.Fatal("expected error for nonexistent task")
	}
	if !apperrors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND code, got %v", err)
	}

	if err := repo.UpdateTask(ctx, &models.Task{ID: "nonexistent", Title: "Test"}); err == nil {
		t.Error("expected error for updating nonexistent task")
	}

	if err := repo.DeleteTask(ctx, "nonexistent"); err == nil {
		t.Error("expected error for deleting nonexistent task")
	}
}

func TestSQLiteRepository_TaskPlanRoundTrip(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "Project", Path: "/srv/repos/p1"})

	task := &models.Task{ProjectID: "proj-1", Title: "Refactor config"}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	// Persist a plan the way plan approval does: plan text, SDK resume
	// handle, and the column move together.
	task.Plan = "1. Extract loader\n2. Add tests"
	task.PlanOptions = &models.PlanOptions{
		SDKSessionID:   "sdk-abc123",
		AllowedPrompts: []string{"acceptEdits"},
	}
	task.LastAgentStatus = models.RunStatusPlanning
	task.Column = models.ColumnWaitingApproval
	if err := repo.UpdateTask(ctx, task); err != nil {
		t.Fatalf("failed to update task with plan: %v", err)
	}

	retrieved, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if retrieved.Plan != "1. Extract loader\n2. Add tests" {
		t.Errorf("plan did not round-trip, got %q", retrieved.Plan)
	}
	if retrieved.PlanOptions == nil {
		t.Fatal("expected plan options to round-trip")
	}
	if retrieved.PlanOptions.SDKSessionID != "sdk-abc123" {
		t.Errorf("expected SDK session sdk-abc123, got %s", retrieved.PlanOptions.SDKSessionID)
	}
	if !retrieved.HasPlan() {
		t.Error("expected HasPlan to be true")
	}

	// Clearing the plan clears the options too.
	task.Plan = ""
	task.PlanOptions = nil
	if err := repo.UpdateTask(ctx, task); err != nil {
		t.Fatalf("failed to clear plan: %v", err)
	}
	retrieved, _ = repo.GetTask(ctx, task.ID)
	if retrieved.HasPlan() {
		t.Error("expected plan to be cleared")
	}
	if retrieved.PlanOptions != nil {
		t.Errorf("expected plan options to be cleared, got %+v", retrieved.PlanOptions)
	}
}

func TestSQLiteRepository_TaskNullableTimes(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "Project", Path: "/srv/repos/p1"})

	task := &models.Task{ProjectID: "proj-1", Title: "Ship feature"}
	_ = repo.CreateTask(ctx, task)

	completed := time.Now().UTC().Truncate(time.Second)
	approved := completed.Add(time.Minute)
	task.CompletedAt = &completed
	task.ApprovedAt = &approved
	task.ApprovedBy = "reviewer@example.com"
	if err := repo.UpdateTask(ctx, task); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}

	retrieved, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if retrieved.CompletedAt == nil || !retrieved.CompletedAt.Equal(completed) {
		t.Errorf("expected CompletedAt %v, got %v", completed, retrieved.CompletedAt)
	}
	if retrieved.ApprovedAt == nil || !retrieved.ApprovedAt.Equal(approved) {
		t.Errorf("expected ApprovedAt %v, got %v", approved, retrieved.ApprovedAt)
	}
	if retrieved.ApprovedBy != "reviewer@example.com" {
		t.Errorf("expected ApprovedBy reviewer, got %s", retrieved.ApprovedBy)
	}
}

func TestSQLiteRepository_ListTasks(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "Project", Path: "/srv/repos/p1"})
	_ = repo.CreateProject(ctx, &models.Project{ID: "proj-2", Name: "Other", Path: "/srv/repos/p2"})

	_ = repo.CreateTask(ctx, &models.Task{ID: "task-1", ProjectID: "proj-1", Title: "First", Position: 1})
	_ = repo.CreateTask(ctx, &models.Task{ID: "task-2", ProjectID: "proj-1", Title: "Second", Position: 0})
	_ = repo.CreateTask(ctx, &models.Task{ID: "task-3", ProjectID: "proj-2", Title: "Elsewhere"})

	tasks, err := repo.ListTasks(ctx, "proj-1")
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	// Ordered by position.
	if tasks[0].ID != "task-2" || tasks[1].ID != "task-1" {
		t.Errorf("expected position order [task-2 task-1], got [%s %s]", tasks[0].ID, tasks[1].ID)
	}
}

func TestSQLiteRepository_ListTasksByColumn(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "Project", Path: "/srv/repos/p1"})

	_ = repo.CreateTask(ctx, &models.Task{ID: "task-1", ProjectID: "proj-1", Title: "Backlogged"})
	_ = repo.CreateTask(ctx, &models.Task{ID: "task-2", ProjectID: "proj-1", Title: "Active", Column: models.ColumnInProgress})
	_ = repo.CreateTask(ctx, &models.Task{ID: "task-3", ProjectID: "proj-1", Title: "Also active", Column: models.ColumnInProgress})

	active, err := repo.ListTasksByColumn(ctx, "proj-1", models.ColumnInProgress)
	if err != nil {
		t.Fatalf("failed to list tasks by column: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 in_progress tasks, got %d", len(active))
	}

	backlog, err := repo.ListTasksByColumn(ctx, "proj-1", models.ColumnBacklog)
	if err != nil {
		t.Fatalf("failed to list backlog tasks: %v", err)
	}
	if len(backlog) != 1 {
		t.Errorf("expected 1 backlog task, got %d", len(backlog))
	}
}
