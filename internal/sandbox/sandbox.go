// Package sandbox defines the execution environment for agent runs. A
// provider maintains one sandbox per project; concurrent agent execs for a
// project share it, each with its own stop-file.
package sandbox

import (
	"context"
	"io"

	"github.com/taskforge/taskforge/internal/task/models"
)

// ExecResult is the outcome of a blocking exec with small output.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecStreamRequest configures a long-running exec whose output is consumed
// as a stream.
type ExecStreamRequest struct {
	Cmd     string
	Args    []string
	Env     []string
	Workdir string
}

// ExecHandle is a running streamed exec. Stdout and Stderr must be drained;
// Wait returns after the process exits and the streams are closed.
type ExecHandle interface {
	// Stdout is the process stdout, demultiplexed, line-oriented.
	Stdout() io.Reader

	// Stderr is the process stderr.
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Kill terminates the process. Safe to call after exit.
	Kill(ctx context.Context) error
}

// Sandbox is one project's execution environment.
type Sandbox interface {
	// ID identifies the sandbox instance.
	ID() string

	// ProjectID is the owning project.
	ProjectID() string

	// Status reports the sandbox lifecycle state.
	Status(ctx context.Context) models.SandboxStatus

	// Exec runs a command to completion and captures its output.
	Exec(ctx context.Context, cmd string, args []string) (*ExecResult, error)

	// ExecStream starts a long-running command. A sandbox that is stopped
	// or failed rejects the call with SANDBOX_UNAVAILABLE.
	ExecStream(ctx context.Context, req ExecStreamRequest) (ExecHandle, error)

	// WriteFile places a file inside the sandbox. Used for stop-file
	// coordination.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Exists reports whether a path exists inside the sandbox.
	Exists(ctx context.Context, path string) (bool, error)
}

// Provider creates and tracks sandboxes.
type Provider interface {
	// Get returns the project's sandbox, or a NOT_FOUND error when none
	// exists.
	Get(ctx context.Context, projectID string) (Sandbox, error)

	// Create builds and starts a sandbox for the project, persisting its
	// instance record. Creating over an existing sandbox replaces it.
	Create(ctx context.Context, projectID string) (Sandbox, error)

	// HealthCheck verifies the backing runtime is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases provider resources. Running sandboxes are left alive
	// for adoption by the next process.
	Close() error
}
