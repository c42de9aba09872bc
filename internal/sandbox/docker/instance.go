package docker

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
)

// Instance is one project's sandbox container. All agent runs for the
// project exec inside it concurrently.
type Instance struct {
	id            string
	projectID     string
	containerID   string
	projectPath   string
	workspacePath string
	cli           api
	logger        *logger.Logger
}

// ID returns the persisted sandbox instance id.
func (s *Instance) ID() string { return s.id }

// ProjectID returns the owning project.
func (s *Instance) ProjectID() string { return s.projectID }

// Status maps the live container state onto the sandbox lifecycle.
func (s *Instance) Status(ctx context.Context) models.SandboxStatus {
	info, err := s.cli.GetContainerInfo(ctx, s.containerID)
	if err != nil {
		return models.SandboxStatusFailed
	}
	switch info.State {
	case "running":
		return models.SandboxStatusRunning
	case "created", "restarting":
		return models.SandboxStatusCreating
	case "paused", "exited", "removing":
		return models.SandboxStatusStopped
	default:
		return models.SandboxStatusFailed
	}
}

// Exec runs a command to completion and returns its collected output.
// Meant for short commands with small output; agent runs use ExecStream.
func (s *Instance) Exec(ctx context.Context, cmd string, args []string) (*sandbox.ExecResult, error) {
	execID, err := s.cli.ExecCreate(ctx, s.containerID, ExecOptions{
		Cmd: append([]string{cmd}, args...),
	})
	if err != nil {
		return nil, err
	}

	attach, err := s.cli.ExecAttach(ctx, execID)
	if err != nil {
		return nil, err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	exitCode, err := s.waitExec(ctx, execID)
	if err != nil {
		return nil, err
	}
	return &sandbox.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// ExecStream launches a long-running command and returns a handle for
// streaming its output. A sandbox that is not running rejects the exec so
// callers can surface the sandbox as unavailable.
func (s *Instance) ExecStream(ctx context.Context, req sandbox.ExecStreamRequest) (sandbox.ExecHandle, error) {
	if status := s.Status(ctx); status != models.SandboxStatusRunning {
		s.logger.Warn("exec rejected, sandbox not running", zap.String("status", string(status)))
		return nil, apperrors.SandboxUnavailable(s.projectID)
	}

	// The engine has no API to signal an exec'd process, so the command is
	// wrapped to record its pid; Kill reads it back.
	pidPath := fmt.Sprintf("/tmp/taskforge-exec-%s.pid", uuid.New().String())
	cmd := []string{"/bin/sh", "-c", fmt.Sprintf(`echo $$ > %s; exec "$@"`, pidPath), "sh", req.Cmd}
	cmd = append(cmd, req.Args...)

	execID, err := s.cli.ExecCreate(ctx, s.containerID, ExecOptions{
		Cmd:        cmd,
		Env:        req.Env,
		WorkingDir: s.containerPath(req.Workdir),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent exec: %w", err)
	}

	attach, err := s.cli.ExecAttach(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to agent exec: %w", err)
	}

	s.logger.Info("agent exec started",
		zap.String("exec_id", execID),
		zap.String("cmd", req.Cmd),
		zap.String("workdir", req.Workdir))
	return newExecHandle(s, execID, pidPath, attach), nil
}

// WriteFile writes a file into the container, for stop-file coordination.
func (s *Instance) WriteFile(ctx context.Context, p string, data []byte) error {
	return s.cli.CopyFileToContainer(ctx, s.containerID, s.containerPath(p), data)
}

// Exists reports whether a path exists inside the container.
func (s *Instance) Exists(ctx context.Context, p string) (bool, error) {
	return s.cli.PathExists(ctx, s.containerID, s.containerPath(p))
}

// containerPath maps a host path under the project root to its bind-mounted
// location in the container. Paths outside the project, like stop-files
// under the container's tmp dir, pass through untouched.
func (s *Instance) containerPath(p string) string {
	if p == "" || s.projectPath == "" {
		return p
	}
	if p == s.projectPath {
		return s.workspacePath
	}
	if rest, ok := strings.CutPrefix(p, s.projectPath+"/"); ok {
		return path.Join(s.workspacePath, rest)
	}
	return p
}

// waitExec polls the exec status until the process exits. The attach
// stream closing normally means the process is done, but the engine can
// report it running for a beat afterwards.
func (s *Instance) waitExec(ctx context.Context, execID string) (int, error) {
	for {
		status, err := s.cli.ExecInspect(ctx, execID)
		if err != nil {
			return -1, err
		}
		if !status.Running {
			return status.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *Instance) killExec(ctx context.Context, pidPath string) error {
	script := fmt.Sprintf("kill -KILL $(cat %s) 2>/dev/null; rm -f %s", pidPath, pidPath)
	_, err := s.Exec(ctx, "/bin/sh", []string{"-c", script})
	return err
}
