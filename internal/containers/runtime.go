// Package containers implements the container lifecycle manager: spawning
// agent containers on triggering bus events, supervising them, enforcing a
// per-group concurrency cap, and tearing them down on shutdown.
package containers

import (
	"context"
	"io"
	"time"
)

// RunSpec describes one container to start.
type RunSpec struct {
	Image       string
	Env         map[string]string
	Binds       []string // host:container bind mounts (requests.sock, events.sock)
	TmpfsPath   string   // writable ephemeral scratch mount
	NetworkMode string   // "none" unless an allowlist applies
	User        string   // non-root
	ReadOnly    bool     // read-only root filesystem
	CapDrop     []string // dropped capabilities
}

// Handle identifies a running container and exposes its stdout stream.
type Handle struct {
	ID     string
	Stdout io.ReadCloser
}

// Runtime absorbs per-runtime quirks (SELinux relabeling, health-field
// naming, …) behind one surface. DockerRuntime is the only concrete
// implementation; the interface exists so tests can substitute a fake
// without a real daemon.
type Runtime interface {
	IsAvailable(ctx context.Context) bool
	Version(ctx context.Context) (string, error)
	Pull(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)
	Build(ctx context.Context, dockerfileDir, tag string) error
	InspectLabels(ctx context.Context, containerID string) (map[string]string, error)
	Run(ctx context.Context, spec RunSpec) (Handle, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (Status, error)
}

// Status is the runtime-agnostic view of a container's liveness.
type Status struct {
	Running  bool
	ExitCode int
}
