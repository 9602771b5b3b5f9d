package dockerbuild

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Runtime is the subset of the Docker API the builder needs.
type Runtime interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error)
	Remove(ctx context.Context, id string) error
	// List returns all containers, running or not, carrying every label.
	List(ctx context.Context, labels map[string]string) ([]types.Container, error)
}

// NewClient creates a Docker client and validates the daemon is accessible.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf(`Docker daemon not accessible: %w

Ensure Docker is running:
  • macOS: Docker Desktop
  • Linux: sudo systemctl start docker`, err)
	}

	return cli, nil
}

// NewRuntime adapts a Docker client to Runtime.
func NewRuntime(cli *client.Client) Runtime {
	return &dockerRuntime{cli: cli}
}

type dockerRuntime struct {
	cli *client.Client
}

func (r *dockerRuntime) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *dockerRuntime) Start(ctx context.Context, id string) error {
	return r.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (r *dockerRuntime) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

func (r *dockerRuntime) Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error) {
	return r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
}

func (r *dockerRuntime) Remove(ctx context.Context, id string) error {
	return r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (r *dockerRuntime) List(ctx context.Context, labels map[string]string) ([]types.Container, error) {
	filter := filters.NewArgs()
	for k, v := range labels {
		filter.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	return r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filter,
	})
}
