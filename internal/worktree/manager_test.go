package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/config"
	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
)

// gitCall records one git invocation seen by the fake runner.
type gitCall struct {
	dir  string
	args []string
}

// fakeGit scripts git output by command prefix and records every call.
type fakeGit struct {
	mu      sync.Mutex
	calls   []gitCall
	outputs map[string]string // args joined by space -> stdout
	fails   map[string]string // args joined by space -> error output
}

func newFakeGit() *fakeGit {
	return &fakeGit{outputs: make(map[string]string), fails: make(map[string]string)}
}

func (f *fakeGit) runner() gitRunner {
	return func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, gitCall{dir: dir, args: args})
		key := strings.Join(args, " ")
		for prefix, msg := range f.fails {
			if strings.HasPrefix(key, prefix) {
				return []byte(msg), fmt.Errorf("exit status 1")
			}
		}
		for prefix, out := range f.outputs {
			if strings.HasPrefix(key, prefix) {
				return []byte(out), nil
			}
		}
		return nil, nil
	}
}

func (f *fakeGit) commandRun(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(strings.Join(c.args, " "), prefix) {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T) (*Manager, *fakeGit, repository.Repository, *models.Project) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	project := &models.Project{
		Name: "demo",
		Path: t.TempDir(),
		Config: models.ProjectConfig{
			WorktreeRoot:  ".taskforge/worktrees",
			DefaultBranch: "main",
		},
		MaxConcurrentAgents: 2,
	}
	require.NoError(t, repo.CreateProject(context.Background(), project))

	git := newFakeGit()
	m := NewManager(config.WorktreeConfig{
		RootDir:       ".taskforge/worktrees",
		DefaultBranch: "main",
		BranchPrefix:  "task/",
	}, repo, nil)
	m.git = git.runner()
	return m, git, repo, project
}

func TestCreateWorktree(t *testing.T) {
	m, git, _, project := newTestManager(t)

	wt, err := m.Create(context.Background(), CreateRequest{
		ProjectID: project.ID,
		TaskID:    "task-1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.WorktreeStatusActive, wt.Status)
	assert.Equal(t, "task/task-1", wt.Branch)
	assert.Equal(t, "main", wt.BaseBranch)
	assert.Equal(t, filepath.Join(project.Path, ".taskforge/worktrees", "task-1"), wt.Path)
	assert.True(t, git.commandRun("worktree add -b task/task-1"))
}

func TestCreateFailureSurfacesCode(t *testing.T) {
	m, git, repo, project := newTestManager(t)
	git.fails["worktree add"] = "fatal: branch already exists"

	_, err := m.Create(context.Background(), CreateRequest{ProjectID: project.ID, TaskID: "task-1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeWorktreeCreateFailed, apperrors.GetCode(err))

	// No row is left behind.
	_, err = repo.GetWorktreeByTask(context.Background(), "task-1")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCreateUnknownBaseBranch(t *testing.T) {
	m, git, _, project := newTestManager(t)
	git.fails["rev-parse --verify release"] = "fatal: needed a single revision"

	_, err := m.Create(context.Background(), CreateRequest{
		ProjectID:  project.ID,
		TaskID:     "task-1",
		BaseBranch: "release",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeWorktreeCreateFailed, apperrors.GetCode(err))
	assert.Contains(t, err.Error(), "release")
}

func TestCreateReusesValidWorktree(t *testing.T) {
	m, git, repo, project := newTestManager(t)

	first, err := m.Create(context.Background(), CreateRequest{ProjectID: project.ID, TaskID: "task-1"})
	require.NoError(t, err)

	// Make the directory look like a real checkout so reuse kicks in.
	require.NoError(t, os.MkdirAll(first.Path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(first.Path, ".git"), []byte("gitdir: elsewhere\n"), 0o644))

	git.mu.Lock()
	git.calls = nil
	git.mu.Unlock()

	second, err := m.Create(context.Background(), CreateRequest{ProjectID: project.ID, TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, git.commandRun("worktree add"))

	wt, err := repo.GetWorktreeByTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeStatusActive, wt.Status)
}

func TestGetDiff(t *testing.T) {
	m, git, _, project := newTestManager(t)

	wt, err := m.Create(context.Background(), CreateRequest{ProjectID: project.ID, TaskID: "task-1"})
	require.NoError(t, err)

	git.outputs["diff --name-status"] = "M\tmain.go\nA\tserver/api.go\nD\tlegacy.go\n"
	git.outputs["diff --numstat"] = "10\t2\tmain.go\n55\t0\tserver/api.go\n0\t120\tlegacy.go\n"

	diff, err := m.GetDiff(context.Background(), wt.ID)
	require.NoError(t, err)
	require.Len(t, diff.Files, 3)

	assert.Equal(t, FileDiff{Path: "main.go", Status: "modified", Additions: 10, Deletions: 2}, diff.Files[0])
	assert.Equal(t, FileDiff{Path: "server/api.go", Status: "added", Additions: 55}, diff.Files[1])
	assert.Equal(t, FileDiff{Path: "legacy.go", Status: "deleted", Deletions: 120}, diff.Files[2])
	assert.Equal(t, DiffStats{FilesChanged: 3, Additions: 65, Deletions: 122}, diff.Stats)
}

func TestMergeCommitsAndMarksMerged(t *testing.T) {
	m, git, repo, project := newTestManager(t)

	wt, err := m.Create(context.Background(), CreateRequest{ProjectID: project.ID, TaskID: "task-1"})
	require.NoError(t, err)

	git.outputs["status --porcelain"] = " M main.go\n"
	git.outputs["rev-parse --abbrev-ref HEAD"] = "main\n"

	require.NoError(t, m.Merge(context.Background(), wt.ID, "ship task-1"))

	assert.True(t, git.commandRun("add -A"))
	assert.True(t, git.commandRun("commit -m ship task-1"))
	assert.True(t, git.commandRun("merge --no-ff -m ship task-1 task/task-1"))

	updated, err := repo.GetWorktree(context.Background(), wt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeStatusMerged, updated.Status)
}

func TestMergeRejectsWrongHead(t *testing.T) {
	m, git, _, project := newTestManager(t)

	wt, err := m.Create(context.Background(), CreateRequest{ProjectID: project.ID, TaskID: "task-1"})
	require.NoError(t, err)

	git.outputs["rev-parse --abbrev-ref HEAD"] = "feature/other\n"

	err = m.Merge(context.Background(), wt.ID, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.GetCode(err))
	assert.False(t, git.commandRun("merge --no-ff"))
}

func TestRemoveMarksRemovedAndIsIdempotent(t *testing.T) {
	m, _, repo, project := newTestManager(t)

	wt, err := m.Create(context.Background(), CreateRequest{ProjectID: project.ID, TaskID: "task-1"})
	require.NoError(t, err)

	require.NoError(t, m.Remove(context.Background(), wt.ID))
	updated, err := repo.GetWorktree(context.Background(), wt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeStatusRemoved, updated.Status)

	require.NoError(t, m.Remove(context.Background(), wt.ID))
}

func TestPruneMarksMissingDirectories(t *testing.T) {
	m, _, repo, project := newTestManager(t)

	wt, err := m.Create(context.Background(), CreateRequest{ProjectID: project.ID, TaskID: "task-1"})
	require.NoError(t, err)
	// The fake runner created no directory, so the worktree is invalid.

	pruned, err := m.Prune(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	updated, err := repo.GetWorktree(context.Background(), wt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeStatusRemoved, updated.Status)
}
