package scheduler

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

const workMount = "/work"

// DockerClient runs calculations in containers on the local Docker
// daemon. It exists for single-node and development deployments where
// no batch cluster is available; the engine treats it exactly like a
// remote scheduler.
type DockerClient struct {
	client *client.Client
	image  string
	pulled bool
}

func NewDockerClient(ctx context.Context, solverImage string) (*DockerClient, error) {
	if solverImage == "" {
		return nil, fmt.Errorf("solver image is required")
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerClient{client: dockerClient, image: solverImage}, nil
}

func (c *DockerClient) Name() string { return "docker" }

func (c *DockerClient) Submit(ctx context.Context, dir string) (string, error) {
	if err := c.pullImageIfNeeded(ctx); err != nil {
		return "", fmt.Errorf("failed to pull solver image: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image:      c.image,
		Cmd:        []string{"/bin/sh", "-c", "./job.sh > stdout.log 2> stderr.log"},
		WorkingDir: workMount,
		Labels: map[string]string{
			"managed-by": "vaspilot",
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: abs, Target: workMount},
		},
	}

	resp, err := c.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

func (c *DockerClient) Poll(ctx context.Context, id string) (RunInfo, error) {
	inspect, err := c.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return RunInfo{State: StateUnknown, Reason: "container no longer exists"}, nil
		}
		return RunInfo{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	switch {
	case inspect.State.Running:
		return RunInfo{State: StateRunning}, nil
	case inspect.State.Status == "created":
		return RunInfo{State: StateQueued}, nil
	case inspect.State.OOMKilled:
		return RunInfo{State: StateFailed, Reason: "job killed: out of memory (OOMKilled)"}, nil
	case inspect.State.ExitCode == 0:
		return RunInfo{State: StateSucceeded}, nil
	default:
		reason := fmt.Sprintf("solver exited with code %d", inspect.State.ExitCode)
		if inspect.State.Error != "" {
			reason += ": " + inspect.State.Error
		}
		return RunInfo{State: StateFailed, Reason: reason}, nil
	}
}

func (c *DockerClient) Cancel(ctx context.Context, id string) error {
	stopTimeout := 10
	if err := c.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &stopTimeout}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (c *DockerClient) Ready(ctx context.Context) error {
	_, err := c.client.Ping(ctx)
	return err
}

func (c *DockerClient) Close() error {
	return c.client.Close()
}

func (c *DockerClient) pullImageIfNeeded(ctx context.Context) error {
	if c.pulled {
		return nil
	}
	if _, err := c.client.ImageInspect(ctx, c.image); err == nil {
		c.pulled = true
		return nil
	}

	reader, err := c.client.ImagePull(ctx, c.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return err
	}
	c.pulled = true
	return nil
}
