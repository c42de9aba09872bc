package repository

import (
	"context"
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/task/models"
)

// Session tests

func TestSQLiteRepository_SessionLifecycle(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := &models.Session{ProjectID: "proj-1", TaskID: "task-1", AgentID: "agent-1"}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if session.ID == "" {
		t.Error("expected session ID to be set")
	}
	if session.Status != models.SessionStatusActive {
		t.Errorf("expected default status active, got %s", session.Status)
	}

	retrieved, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if retrieved.ClosedAt != nil {
		t.Error("expected nil ClosedAt on active session")
	}

	// Close
	closedAt := time.Now().UTC().Truncate(time.Second)
	session.Status = models.SessionStatusClosed
	session.ClosedAt = &closedAt
	if err := repo.UpdateSession(ctx, session); err != nil {
		t.Fatalf("failed to update session: %v", err)
	}
	retrieved, _ = repo.GetSession(ctx, session.ID)
	if retrieved.Status != models.SessionStatusClosed {
		t.Errorf("expected status closed, got %s", retrieved.Status)
	}
	if retrieved.ClosedAt == nil || !retrieved.ClosedAt.Equal(closedAt) {
		t.Errorf("expected ClosedAt %v, got %v", closedAt, retrieved.ClosedAt)
	}
}

func TestSQLiteRepository_ListActiveSessions(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.CreateSession(ctx, &models.Session{ID: "sess-1", ProjectID: "proj-1", TaskID: "task-1"})
	_ = repo.CreateSession(ctx, &models.Session{ID: "sess-2", ProjectID: "proj-1", TaskID: "task-2"})

	closedAt := time.Now().UTC()
	closed := &models.Session{ID: "sess-3", ProjectID: "proj-1", TaskID: "task-3"}
	_ = repo.CreateSession(ctx, closed)
	closed.Status = models.SessionStatusClosed
	closed.ClosedAt = &closedAt
	_ = repo.UpdateSession(ctx, closed)

	active, err := repo.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("failed to list active sessions: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active sessions, got %d", len(active))
	}

	byTask, err := repo.ListSessionsByTask(ctx, "task-3")
	if err != nil {
		t.Fatalf("failed to list sessions by task: %v", err)
	}
	if len(byTask) != 1 {
		t.Fatalf("expected 1 session for task-3, got %d", len(byTask))
	}
	if byTask[0].Status != models.SessionStatusClosed {
		t.Errorf("expected closed session, got %s", byTask[0].Status)
	}
}

// Worktree tests

func TestSQLiteRepository_WorktreeCRUD(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	worktree := &models.Worktree{
		ProjectID:  "proj-1",
		TaskID:     "task-1",
		SessionID:  "sess-1",
		Branch:     "task/task-1",
		Path:       "/srv/worktrees/task-1",
		BaseBranch: "main",
	}
	if err := repo.CreateWorktree(ctx, worktree); err != nil {
		t.Fatalf("failed to create worktree: %v", err)
	}
	if worktree.ID == "" {
		t.Error("expected worktree ID to be set")
	}
	if worktree.Status != models.WorktreeStatusActive {
		t.Errorf("expected default status active, got %s", worktree.Status)
	}

	retrieved, err := repo.GetWorktree(ctx, worktree.ID)
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if retrieved.Branch != "task/task-1" {
		t.Errorf("expected branch task/task-1, got %s", retrieved.Branch)
	}
	if retrieved.BaseBranch != "main" {
		t.Errorf("expected base branch main, got %s", retrieved.BaseBranch)
	}

	worktree.Status = models.WorktreeStatusMerged
	if err := repo.UpdateWorktree(ctx, worktree); err != nil {
		t.Fatalf("failed to update worktree: %v", err)
	}
	retrieved, _ = repo.GetWorktree(ctx, worktree.ID)
	if retrieved.Status != models.WorktreeStatusMerged {
		t.Errorf("expected status merged, got %s", retrieved.Status)
	}

	list, err := repo.ListWorktrees(ctx, "proj-1")
	if err != nil {
		t.Fatalf("failed to list worktrees: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 worktree, got %d", len(list))
	}

	if err := repo.DeleteWorktree(ctx, worktree.ID); err != nil {
		t.Fatalf("failed to delete worktree: %v", err)
	}
	if _, err := repo.GetWorktree(ctx, worktree.ID); err == nil {
		t.Error("expected worktree to be deleted")
	}
}

func TestSQLiteRepository_GetWorktreeByTask(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	// A removed worktree for the task should not be returned.
	removed := &models.Worktree{
		ID: "wt-old", ProjectID: "proj-1", TaskID: "task-1",
		Branch: "task/task-1-old", Path: "/srv/worktrees/task-1-old",
		Status: models.WorktreeStatusRemoved,
	}
	_ = repo.CreateWorktree(ctx, removed)

	active := &models.Worktree{
		ID: "wt-new", ProjectID: "proj-1", TaskID: "task-1",
		Branch: "task/task-1", Path: "/srv/worktrees/task-1",
	}
	_ = repo.CreateWorktree(ctx, active)

	found, err := repo.GetWorktreeByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get worktree by task: %v", err)
	}
	if found.ID != "wt-new" {
		t.Errorf("expected active worktree wt-new, got %s", found.ID)
	}

	if _, err := repo.GetWorktreeByTask(ctx, "task-without-worktree"); err == nil {
		t.Error("expected error for task without worktree")
	}
}
