// Package docker implements the sandbox provider on the Docker Engine API.
// Each project gets one long-lived container; agent runs are execs inside
// it, so concurrent runs share the environment while keeping their own
// stop-files.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
)

// ContainerConfig holds configuration for creating a sandbox container.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	Labels      map[string]string
}

// MountConfig holds one bind mount.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo holds the state of a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ExecOptions configures a container exec.
type ExecOptions struct {
	Cmd        []string
	Env        []string
	WorkingDir string
}

// ExecStatus is the live state of an exec.
type ExecStatus struct {
	Running  bool
	ExitCode int
}

// Attach is an attached exec I/O stream. Reader carries the engine's
// multiplexed stdout/stderr frames; Close severs the connection.
type Attach struct {
	Reader io.Reader
	conn   io.Closer
}

// Close severs the attach connection. Safe on a nil connection.
func (a *Attach) Close() {
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

// Client wraps the Docker client with the operations the sandbox needs.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &Client{cli: cli, logger: log}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// CreateContainer creates a container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image))

	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	c.logger.Info("container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	c.logger.Info("container started", zap.String("container_id", containerID))
	return nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	c.logger.Info("container stopped", zap.String("container_id", containerID))
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	c.logger.Info("container removed", zap.String("container_id", containerID))
	return nil
}

// GetContainerInfo inspects a container. A missing container yields a
// NOT_FOUND error from the engine, surfaced unwrapped for callers to test
// with client.IsErrNotFound.
func (c *Client) GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	info := &ContainerInfo{
		ID:    inspect.ID,
		Name:  inspect.Name,
		State: inspect.State.Status,
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
	}
	if inspect.State != nil {
		info.ExitCode = inspect.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	return info, nil
}

// IsNotFound reports whether an error from the engine means the object does
// not exist.
func IsNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// ExecCreate registers an exec in a running container and returns its ID.
func (c *Client) ExecCreate(ctx context.Context, containerID string, opts ExecOptions) (string, error) {
	resp, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec in container %s: %w", containerID, err)
	}
	return resp.ID, nil
}

// ExecAttach attaches to a created exec, starting it.
func (c *Client) ExecAttach(ctx context.Context, execID string) (*Attach, error) {
	resp, err := c.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec %s: %w", execID, err)
	}
	return &Attach{Reader: resp.Reader, conn: resp.Conn}, nil
}

// ExecInspect returns the live status of an exec.
func (c *Client) ExecInspect(ctx context.Context, execID string) (*ExecStatus, error) {
	inspect, err := c.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec %s: %w", execID, err)
	}
	return &ExecStatus{Running: inspect.Running, ExitCode: inspect.ExitCode}, nil
}

// CopyFileToContainer writes a single file into the container at the given
// absolute path.
func (c *Client) CopyFileToContainer(ctx context.Context, containerID, dstPath string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(dstPath),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar: %w", err)
	}

	err := c.cli.CopyToContainer(ctx, containerID, path.Dir(dstPath), &buf, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy file to container %s: %w", containerID, err)
	}
	return nil
}

// PathExists reports whether a path exists inside the container.
func (c *Client) PathExists(ctx context.Context, containerID, p string) (bool, error) {
	if _, err := c.cli.ContainerStatPath(ctx, containerID, p); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s in container %s: %w", p, containerID, err)
	}
	return true, nil
}
