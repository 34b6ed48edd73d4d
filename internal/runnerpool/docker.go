package runnerpool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	runnerUser      = "1000"
	stopTimeoutSecs = 10

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// DockerBackend implements ContainerBackend over the real Docker API,
// grounded on the teacher's container.DockerManager.EnsureContainer /
// StopContainer, generalized from one named container per user to
// anonymous, disposable runner containers.
type DockerBackend struct {
	cli              *client.Client
	image            string
	memoryLimitBytes int64
	cpuQuota         int64
	pidsLimit        int64
}

// DockerBackendConfig carries the knobs needed to create runner containers.
type DockerBackendConfig struct {
	Image            string
	MemoryLimitBytes int64
	CPUQuota         int64
	PidsLimit        int64
}

// NewDockerBackend creates a Docker-backed container runtime for the pool.
func NewDockerBackend(cfg DockerBackendConfig) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerBackend{
		cli:              cli,
		image:            cfg.Image,
		memoryLimitBytes: cfg.MemoryLimitBytes,
		cpuQuota:         cfg.CPUQuota,
		pidsLimit:        cfg.PidsLimit,
	}, nil
}

// CreateRunner starts a new, anonymously-named agent-runner container.
func (b *DockerBackend) CreateRunner(ctx context.Context) (string, error) {
	name := "taskexec-runner-" + uuid.NewString()[:8]

	cfg := &container.Config{
		Image:        b.image,
		User:         runnerUser,
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    b.memoryLimitBytes,
			CPUQuota:  b.cpuQuota,
			PidsLimit: ptr(b.pidsLimit),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create runner container: %w", createErr)
		}
		slog.Warn("runner container name conflict, retrying", "name", name, "attempt", i+1)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create runner container after retries: %w", createErr)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("failed to remove runner container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start runner container %s: %w", resp.ID, err)
	}

	slog.Info("runner container created", "container_id", resp.ID)
	return resp.ID, nil
}

// DisconnectRunner stops and removes containerID. Idempotent.
func (b *DockerBackend) DisconnectRunner(ctx context.Context, containerID string) error {
	if _, err := b.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect runner container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := b.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("runner container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove runner container %s: %w", containerID, err)
	}
	return nil
}

// Client returns the underlying Docker client, for the Engine Adapter's
// exec-attach calls.
func (b *DockerBackend) Client() *client.Client {
	return b.cli
}

func ptr[T any](v T) *T {
	return &v
}
