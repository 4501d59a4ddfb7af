// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"indexbatcher/src/logging"
)

// Spec describes one container to create.
type Spec struct {
	Name  string
	Image string
	Cmd   []string
	Env   []string
	Binds []string // host:container
}

// State is the subset of an inspect result the scheduler reads.
type State struct {
	Running    bool
	ExitCode   int
	StartedAt  string
	FinishedAt string
}

// Runtime is the container engine the backend drives.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (State, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// DockerRuntime implements Runtime on the Docker engine API.
type DockerRuntime struct {
	cli *client.Client
}

func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// Create creates the container. Errors keep the engine's error type, so a name
// conflict still matches cerrdefs.IsConflict.
func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env:   spec.Env,
		Tty:   false,
	}
	hostCfg := &container.HostConfig{Binds: spec.Binds}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", shortID(id), err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, id string) (State, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("failed to inspect container %s: %w", shortID(id), err)
	}
	if inspect.State == nil {
		return State{}, fmt.Errorf("container %s has no state", shortID(id))
	}
	return State{
		Running:    inspect.State.Running,
		ExitCode:   inspect.State.ExitCode,
		StartedAt:  inspect.State.StartedAt,
		FinishedAt: inspect.State.FinishedAt,
	}, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, id string) error {
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", shortID(id), err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
	}
	return nil
}

// PullImages makes sure every image is present locally. Failures only warn;
// creation fails later if the image is really missing.
func (d *DockerRuntime) PullImages(ctx context.Context, images []string) {
	for _, name := range images {
		logging.Log(fmt.Sprintf("Ensuring Docker image %s is available...", name), slog.LevelInfo)
		pullCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		reader, err := d.cli.ImagePull(pullCtx, name, image.PullOptions{})
		if err != nil {
			cancel()
			logging.Log(fmt.Sprintf("Warning: failed to pull image %s: %v. Execution might fail if image is not present locally.", name, err), slog.LevelWarn)
			continue
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		cancel()
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
