// Package worktree provisions per-task git worktrees: isolated branch
// checkouts under the project's worktree root where agent runs operate
// without touching the main checkout.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/config"
	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
)

// gitRunner executes one git command in dir and returns its combined
// output. Tests substitute a fake; production shells out.
type gitRunner func(ctx context.Context, dir string, args ...string) ([]byte, error)

func execGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Manager creates, inspects, merges, and removes task worktrees. Git
// operations against one repository serialize on a per-repository lock;
// worktrees of different projects proceed concurrently.
type Manager struct {
	cfg    config.WorktreeConfig
	repo   repository.Repository
	logger *logger.Logger
	git    gitRunner

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewManager creates a worktree manager.
func NewManager(cfg config.WorktreeConfig, repo repository.Repository, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:       cfg,
		repo:      repo,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		git:       execGit,
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockRepo(repoPath string) func() {
	m.mu.Lock()
	lock, ok := m.repoLocks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[repoPath] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// CreateRequest describes the worktree to provision.
type CreateRequest struct {
	ProjectID string
	TaskID    string

	// Branch overrides the generated branch name.
	Branch string

	// BaseBranch overrides the project's default branch.
	BaseBranch string

	// SessionID and AgentID are recorded on the worktree row when set.
	SessionID string
	AgentID   string
}

// Create provisions a worktree for the task, or returns the existing
// active one when its directory is still valid. Failures surface as
// WORKTREE_CREATE_FAILED and leave no partial state behind.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Worktree, error) {
	if req.ProjectID == "" || req.TaskID == "" {
		return nil, apperrors.ValidationError("worktree", "projectId and taskId are required")
	}

	project, err := m.repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	if existing, err := m.repo.GetWorktreeByTask(ctx, req.TaskID); err == nil {
		if existing.Status == models.WorktreeStatusActive && m.isValid(existing.Path) {
			m.logger.Debug("reusing existing worktree",
				zap.String("task_id", req.TaskID),
				zap.String("worktree_id", existing.ID))
			return existing, nil
		}
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = project.Config.DefaultBranch
	}
	if baseBranch == "" {
		baseBranch = m.cfg.DefaultBranch
	}
	branch := req.Branch
	if branch == "" {
		branch = m.cfg.BranchPrefix + sanitizeBranch(req.TaskID)
	}

	root := project.Config.WorktreeRoot
	if root == "" {
		root = m.cfg.RootDir
	}
	worktreePath := filepath.Join(project.Path, root, req.TaskID)

	unlock := m.lockRepo(project.Path)
	defer unlock()

	if out, err := m.git(ctx, project.Path, "rev-parse", "--verify", baseBranch); err != nil {
		return nil, apperrors.WorktreeCreateFailed(
			fmt.Errorf("base branch %q not found: %s", baseBranch, strings.TrimSpace(string(out))))
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, apperrors.WorktreeCreateFailed(err)
	}

	if out, err := m.git(ctx, project.Path, "worktree", "add", "-b", branch, worktreePath, baseBranch); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("task_id", req.TaskID),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
		return nil, apperrors.WorktreeCreateFailed(
			fmt.Errorf("git worktree add: %s", strings.TrimSpace(string(out))))
	}

	wt := &models.Worktree{
		ProjectID:  req.ProjectID,
		TaskID:     req.TaskID,
		SessionID:  req.SessionID,
		AgentID:    req.AgentID,
		Branch:     branch,
		Path:       worktreePath,
		BaseBranch: baseBranch,
		Status:     models.WorktreeStatusActive,
	}
	if err := m.repo.CreateWorktree(ctx, wt); err != nil {
		m.removeDir(ctx, worktreePath, project.Path)
		return nil, apperrors.WorktreeCreateFailed(err)
	}

	m.logger.Info("worktree created",
		zap.String("task_id", req.TaskID),
		zap.String("worktree_id", wt.ID),
		zap.String("branch", branch),
		zap.String("path", worktreePath))
	return wt, nil
}

// GetByID returns a worktree row.
func (m *Manager) GetByID(ctx context.Context, worktreeID string) (*models.Worktree, error) {
	return m.repo.GetWorktree(ctx, worktreeID)
}

// Merge commits any outstanding changes on the worktree branch and merges
// the branch into its base branch. On success the worktree is marked
// merged; the directory is left for a later Remove.
func (m *Manager) Merge(ctx context.Context, worktreeID, commitMessage string) error {
	wt, err := m.repo.GetWorktree(ctx, worktreeID)
	if err != nil {
		return err
	}
	if wt.Status != models.WorktreeStatusActive {
		return apperrors.Conflict(fmt.Sprintf("worktree '%s' is %s, not active", worktreeID, wt.Status))
	}

	project, err := m.repo.GetProject(ctx, wt.ProjectID)
	if err != nil {
		return err
	}
	if commitMessage == "" {
		commitMessage = fmt.Sprintf("Merge task %s", wt.TaskID)
	}

	unlock := m.lockRepo(project.Path)
	defer unlock()

	// Commit pending agent changes so the merge captures them.
	status, err := m.git(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return apperrors.Wrap(err, "checking worktree status")
	}
	if len(strings.TrimSpace(string(status))) > 0 {
		if out, err := m.git(ctx, wt.Path, "add", "-A"); err != nil {
			return apperrors.Wrap(fmt.Errorf("%s", strings.TrimSpace(string(out))), "staging worktree changes")
		}
		if out, err := m.git(ctx, wt.Path, "commit", "-m", commitMessage); err != nil {
			return apperrors.Wrap(fmt.Errorf("%s", strings.TrimSpace(string(out))), "committing worktree changes")
		}
	}

	// The main checkout must sit on the base branch for the merge to land
	// where the caller expects.
	head, err := m.git(ctx, project.Path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return apperrors.Wrap(err, "resolving repository head")
	}
	if current := strings.TrimSpace(string(head)); current != wt.BaseBranch {
		return apperrors.Conflict(fmt.Sprintf(
			"repository is on branch '%s'; check out '%s' before merging", current, wt.BaseBranch))
	}

	if out, err := m.git(ctx, project.Path, "merge", "--no-ff", "-m", commitMessage, wt.Branch); err != nil {
		return apperrors.Wrap(fmt.Errorf("%s", strings.TrimSpace(string(out))), "merging worktree branch")
	}

	wt.Status = models.WorktreeStatusMerged
	if err := m.repo.UpdateWorktree(ctx, wt); err != nil {
		return err
	}

	m.logger.Info("worktree merged",
		zap.String("worktree_id", worktreeID),
		zap.String("branch", wt.Branch),
		zap.String("base_branch", wt.BaseBranch))
	return nil
}

// Remove deletes the worktree directory and marks the row removed. The
// branch is kept; merged work stays reachable.
func (m *Manager) Remove(ctx context.Context, worktreeID string) error {
	wt, err := m.repo.GetWorktree(ctx, worktreeID)
	if err != nil {
		return err
	}
	if wt.Status == models.WorktreeStatusRemoved {
		return nil
	}

	project, err := m.repo.GetProject(ctx, wt.ProjectID)
	if err != nil {
		return err
	}

	unlock := m.lockRepo(project.Path)
	defer unlock()

	m.removeDir(ctx, wt.Path, project.Path)

	wt.Status = models.WorktreeStatusRemoved
	if err := m.repo.UpdateWorktree(ctx, wt); err != nil {
		return err
	}

	m.logger.Info("worktree removed",
		zap.String("worktree_id", worktreeID),
		zap.String("path", wt.Path))
	return nil
}

// Prune marks active worktree rows whose directories are gone as removed
// and clears stale git bookkeeping for the project.
func (m *Manager) Prune(ctx context.Context, projectID string) (int, error) {
	project, err := m.repo.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	worktrees, err := m.repo.ListWorktrees(ctx, projectID)
	if err != nil {
		return 0, err
	}

	unlock := m.lockRepo(project.Path)
	defer unlock()

	pruned := 0
	for _, wt := range worktrees {
		if wt.Status != models.WorktreeStatusActive || m.isValid(wt.Path) {
			continue
		}
		wt.Status = models.WorktreeStatusRemoved
		if err := m.repo.UpdateWorktree(ctx, wt); err != nil {
			m.logger.Warn("failed to prune worktree row",
				zap.String("worktree_id", wt.ID), zap.Error(err))
			continue
		}
		pruned++
	}

	if _, err := m.git(ctx, project.Path, "worktree", "prune"); err != nil {
		m.logger.Debug("git worktree prune failed", zap.Error(err))
	}
	return pruned, nil
}

// removeDir removes a worktree directory, preferring git worktree remove
// so git's metadata stays consistent, with a plain removal fallback.
func (m *Manager) removeDir(ctx context.Context, worktreePath, repoPath string) {
	if out, err := m.git(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", strings.TrimSpace(string(out))), zap.Error(err))
		if err := os.RemoveAll(worktreePath); err != nil {
			m.logger.Warn("failed to remove worktree directory",
				zap.String("path", worktreePath), zap.Error(err))
		}
		if _, err := m.git(ctx, repoPath, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
}

// isValid reports whether the path holds a usable worktree checkout: a
// directory whose .git file points back at the repository.
func (m *Manager) isValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// sanitizeBranch reduces an id to branch-safe characters.
func sanitizeBranch(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
