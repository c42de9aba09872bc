package worktree

import (
	"context"
	"strconv"
	"strings"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
)

// FileDiff is one changed file in a worktree relative to its base branch.
type FileDiff struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // added, modified, deleted, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// DiffStats aggregates a diff.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// Diff is the change summary shown during plan review.
type Diff struct {
	Files []FileDiff `json:"files"`
	Stats DiffStats  `json:"stats"`
}

// GetDiff summarizes the worktree's changes against its base branch,
// including uncommitted edits the agent has not staged.
func (m *Manager) GetDiff(ctx context.Context, worktreeID string) (*Diff, error) {
	wt, err := m.repo.GetWorktree(ctx, worktreeID)
	if err != nil {
		return nil, err
	}

	statusOut, err := m.git(ctx, wt.Path, "diff", "--name-status", wt.BaseBranch)
	if err != nil {
		return nil, apperrors.Wrap(err, "reading diff name-status")
	}
	numstatOut, err := m.git(ctx, wt.Path, "diff", "--numstat", wt.BaseBranch)
	if err != nil {
		return nil, apperrors.Wrap(err, "reading diff numstat")
	}

	statuses := parseNameStatus(string(statusOut))
	diff := &Diff{Files: []FileDiff{}}
	for _, line := range strings.Split(string(numstatOut), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 3 {
			continue
		}
		// Binary files report "-" counts.
		additions, _ := strconv.Atoi(fields[0])
		deletions, _ := strconv.Atoi(fields[1])
		path := fields[len(fields)-1]

		status, ok := statuses[path]
		if !ok {
			status = "modified"
		}
		diff.Files = append(diff.Files, FileDiff{
			Path:      path,
			Status:    status,
			Additions: additions,
			Deletions: deletions,
		})
		diff.Stats.Additions += additions
		diff.Stats.Deletions += deletions
	}
	diff.Stats.FilesChanged = len(diff.Files)
	return diff, nil
}

// parseNameStatus maps file paths to change kinds from git's name-status
// output. Renames report the destination path.
func parseNameStatus(out string) map[string]string {
	statuses := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		path := fields[len(fields)-1]
		switch fields[0][0] {
		case 'A':
			statuses[path] = "added"
		case 'D':
			statuses[path] = "deleted"
		case 'R':
			statuses[path] = "renamed"
		default:
			statuses[path] = "modified"
		}
	}
	return statuses
}
