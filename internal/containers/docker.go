package containers

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerRuntime implements Runtime on top of the Docker Engine API client.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects using the standard DOCKER_HOST/DOCKER_CERT_PATH
// environment, negotiating the API version with the daemon.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("containers: docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) IsAvailable(ctx context.Context) bool {
	_, err := d.cli.Ping(ctx)
	return err == nil
}

func (d *DockerRuntime) Version(ctx context.Context) (string, error) {
	v, err := d.cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("containers: version: %w", err)
	}
	return v.Version, nil
}

func (d *DockerRuntime) Pull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("containers: pull %s: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("containers: inspect image %s: %w", ref, err)
	}
	return true, nil
}

// Build is not part of Carapace's own operation path: agent images are
// built externally and referenced by tag in the runtime config. The method
// stays on the interface for runtime-abstraction parity and refuses here.
func (d *DockerRuntime) Build(ctx context.Context, dockerfileDir, tag string) error {
	return fmt.Errorf("containers: Build is not supported; supply a pre-built image reference")
}

func (d *DockerRuntime) InspectLabels(ctx context.Context, containerID string) (map[string]string, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("containers: inspect labels %s: %w", containerID, err)
	}
	if info.Config == nil {
		return nil, nil
	}
	return info.Config.Labels, nil
}

func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	networkMode := container.NetworkMode(spec.NetworkMode)
	if networkMode == "" {
		networkMode = "none"
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		User:  spec.User,
		// Tty avoids Docker's stdout/stderr multiplex framing, so the
		// output reader can treat the attach stream as plain NDJSON lines.
		Tty:          true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &container.HostConfig{
		Binds:          spec.Binds,
		NetworkMode:    networkMode,
		ReadonlyRootfs: spec.ReadOnly,
		CapDrop:        spec.CapDrop,
	}
	if spec.TmpfsPath != "" {
		hostCfg.Tmpfs = map[string]string{spec.TmpfsPath: ""}
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return Handle{}, fmt.Errorf("containers: create: %w", err)
	}

	attach, err := d.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("containers: attach %s: %w", created.ID, err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return Handle{}, fmt.Errorf("containers: start %s: %w", created.ID, err)
	}

	return Handle{ID: created.ID, Stdout: attach.Conn}, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("containers: stop %s: %w", containerID, err)
	}
	return nil
}

func (d *DockerRuntime) Kill(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		return fmt.Errorf("containers: kill %s: %w", containerID, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("containers: remove %s: %w", containerID, err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, containerID string) (Status, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Status{}, fmt.Errorf("containers: inspect %s: %w", containerID, err)
	}
	if info.State == nil {
		return Status{}, nil
	}
	return Status{Running: info.State.Running, ExitCode: info.State.ExitCode}, nil
}

var _ Runtime = (*DockerRuntime)(nil)
