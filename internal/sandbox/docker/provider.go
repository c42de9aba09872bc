package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/config"
	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
)

// api is the engine surface the provider and its sandboxes consume.
// *Client satisfies it; tests substitute a fake.
type api interface {
	Ping(ctx context.Context) error
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error)
	ExecCreate(ctx context.Context, containerID string, opts ExecOptions) (string, error)
	ExecAttach(ctx context.Context, execID string) (*Attach, error)
	ExecInspect(ctx context.Context, execID string) (*ExecStatus, error)
	CopyFileToContainer(ctx context.Context, containerID, dstPath string, data []byte) error
	PathExists(ctx context.Context, containerID, p string) (bool, error)
	Close() error
}

// Provider manages one sandbox container per project, backed by the
// sandbox_instances table so running containers are re-adopted after a
// process restart.
type Provider struct {
	dockerCfg  config.DockerConfig
	sandboxCfg config.SandboxConfig
	repo       repository.Repository
	logger     *logger.Logger

	// newClientFunc allows tests to substitute the Docker client.
	newClientFunc func(config.DockerConfig, *logger.Logger) (api, error)

	mu          sync.Mutex
	initialized bool
	client      api
	sandboxes   map[string]*Instance // projectID -> adopted or created sandbox
}

// NewProvider creates a sandbox provider. The Docker client is created
// lazily on first use so a daemon that is down at boot does not wedge the
// process; the connection is retried on the next call.
func NewProvider(dockerCfg config.DockerConfig, sandboxCfg config.SandboxConfig, repo repository.Repository, log *logger.Logger) *Provider {
	return &Provider{
		dockerCfg:  dockerCfg,
		sandboxCfg: sandboxCfg,
		repo:       repo,
		logger:     log.WithFields(zap.String("component", "sandbox-provider")),
		newClientFunc: func(cfg config.DockerConfig, l *logger.Logger) (api, error) {
			return NewClient(cfg, l)
		},
		sandboxes: make(map[string]*Instance),
	}
}

func (p *Provider) ensureClient() (api, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return p.client, nil
	}

	cli, err := p.newClientFunc(p.dockerCfg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize docker client: %w", err)
	}
	p.client = cli
	p.initialized = true
	return p.client, nil
}

// Get returns the project's sandbox. A sandbox known from a previous
// process is adopted from its persisted record if the container still
// exists; a record whose container is gone is marked failed and a
// not-found error is returned so the caller creates a fresh sandbox.
func (p *Provider) Get(ctx context.Context, projectID string) (sandbox.Sandbox, error) {
	p.mu.Lock()
	inst, ok := p.sandboxes[projectID]
	p.mu.Unlock()
	if ok {
		return inst, nil
	}

	record, err := p.repo.GetSandboxInstanceByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if record.ContainerID == "" {
		return nil, apperrors.NotFound("sandbox for project", projectID)
	}

	cli, err := p.ensureClient()
	if err != nil {
		return nil, err
	}

	info, err := cli.GetContainerInfo(ctx, record.ContainerID)
	if err != nil {
		if IsNotFound(err) {
			p.markFailed(ctx, record)
			return nil, apperrors.NotFound("sandbox for project", projectID)
		}
		return nil, fmt.Errorf("failed to inspect sandbox container %s: %w", record.ContainerID, err)
	}

	project, err := p.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	inst = p.newInstance(record.ID, projectID, record.ContainerID, project.Path, cli)
	p.mu.Lock()
	p.sandboxes[projectID] = inst
	p.mu.Unlock()

	p.logger.Info("adopted existing sandbox",
		zap.String("project_id", projectID),
		zap.String("container_id", record.ContainerID),
		zap.String("state", info.State))
	return inst, nil
}

// Create builds a fresh sandbox container for the project, replacing any
// previous one, and persists the instance record.
func (p *Provider) Create(ctx context.Context, projectID string) (sandbox.Sandbox, error) {
	cli, err := p.ensureClient()
	if err != nil {
		return nil, err
	}

	project, err := p.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// A stale container from a previous sandbox is removed before the
	// replacement is created so the name stays free.
	if old, err := p.repo.GetSandboxInstanceByProject(ctx, projectID); err == nil && old.ContainerID != "" {
		if rmErr := cli.RemoveContainer(ctx, old.ContainerID, true); rmErr != nil && !IsNotFound(rmErr) {
			p.logger.Warn("failed to remove previous sandbox container",
				zap.String("container_id", old.ContainerID),
				zap.Error(rmErr))
		}
	}
	p.mu.Lock()
	delete(p.sandboxes, projectID)
	p.mu.Unlock()

	record := &models.SandboxInstance{
		ProjectID: projectID,
		Image:     p.sandboxCfg.Image,
		Status:    models.SandboxStatusCreating,
	}
	if err := p.repo.UpsertSandboxInstance(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist sandbox record: %w", err)
	}

	containerID, err := cli.CreateContainer(ctx, ContainerConfig{
		Name:  fmt.Sprintf("taskforge-sandbox-%s", projectID),
		Image: p.sandboxCfg.Image,
		// The container idles; agent runs are execs inside it.
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: p.sandboxCfg.WorkspacePath,
		Mounts: []MountConfig{
			{Source: project.Path, Target: p.sandboxCfg.WorkspacePath},
		},
		NetworkMode: p.dockerCfg.DefaultNetwork,
		Labels: map[string]string{
			"taskforge.component": "sandbox",
			"taskforge.project":   projectID,
		},
	})
	if err != nil {
		p.markFailed(ctx, record)
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	record.ContainerID = containerID

	if err := cli.StartContainer(ctx, containerID); err != nil {
		p.markFailed(ctx, record)
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	record.Status = models.SandboxStatusRunning
	if err := p.repo.UpsertSandboxInstance(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist sandbox record: %w", err)
	}

	inst := p.newInstance(record.ID, projectID, containerID, project.Path, cli)
	p.mu.Lock()
	p.sandboxes[projectID] = inst
	p.mu.Unlock()

	p.logger.Info("sandbox created",
		zap.String("project_id", projectID),
		zap.String("sandbox_id", record.ID),
		zap.String("container_id", containerID))
	return inst, nil
}

// HealthCheck verifies the Docker daemon is reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	cli, err := p.ensureClient()
	if err != nil {
		return err
	}
	return cli.Ping(ctx)
}

// Close releases the Docker client. Running sandbox containers are left
// alive; the next process adopts them through their persisted records.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	p.initialized = false
	return p.client.Close()
}

func (p *Provider) newInstance(id, projectID, containerID, projectPath string, cli api) *Instance {
	return &Instance{
		id:            id,
		projectID:     projectID,
		containerID:   containerID,
		projectPath:   projectPath,
		workspacePath: p.sandboxCfg.WorkspacePath,
		cli:           cli,
		logger: p.logger.WithFields(
			zap.String("project_id", projectID),
			zap.String("container_id", containerID)),
	}
}

func (p *Provider) markFailed(ctx context.Context, record *models.SandboxInstance) {
	record.Status = models.SandboxStatusFailed
	if err := p.repo.UpsertSandboxInstance(ctx, record); err != nil {
		p.logger.Warn("failed to mark sandbox record failed",
			zap.String("project_id", record.ProjectID),
			zap.Error(err))
	}
}
