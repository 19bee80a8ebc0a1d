// Package engine is berth's view of a container engine. Two implementations
// exist: APIEngine talks to the Docker Engine API and CLIEngine drives the
// docker or podman binary. Both satisfy Engine.
package engine

import (
	"context"
	"errors"
	"io"
	"os"
)

var (
	// ErrNotFound is returned when a container or image does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by CreateContainer when the name is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConnectionLost is returned when the engine stops answering in the
	// middle of an operation.
	ErrConnectionLost = errors.New("connection to container engine lost")
)

// State is the engine-reported state of a container.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateRestarting State = "restarting"
	StateRemoving   State = "removing"
	StateExited     State = "exited"
	StateDead       State = "dead"
)

// ContainerInfo is what berth needs to know about an existing container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  State
	Labels map[string]string
}

// MountType distinguishes bind mounts from named volumes.
type MountType string

const (
	MountBind   MountType = "bind"
	MountVolume MountType = "volume"
)

// Mount is a filesystem attached to a container at creation.
type Mount struct {
	Type     MountType
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec specifies container creation parameters.
type ContainerSpec struct {
	// Name is the container name (e.g., "berth-project-0123456789ab")
	Name string

	// Image is the resolved image reference
	Image string

	// Cmd is the long-lived main process
	Cmd []string

	// SuppressEntrypoint replaces the image entrypoint with an empty one
	SuppressEntrypoint bool

	// Env contains environment variables to set in the container
	Env map[string]string

	// WorkDir is the working directory inside the container
	WorkDir string

	// User is "uid:gid" or empty for the image default
	User string

	Labels map[string]string
	Mounts []Mount

	// Init runs an init process as PID 1 to reap zombies and relay signals
	Init bool
}

// BuildRequest describes a local image build.
type BuildRequest struct {
	// Tag is the reference the built image is stored under
	Tag string

	// ContextDir is the absolute build context directory
	ContextDir string

	// Dockerfile is the absolute host path of the Dockerfile. It may lie
	// outside ContextDir.
	Dockerfile string

	Target   string
	Args     map[string]string
	Labels   map[string]string
	Excludes []string
}

// Size is a terminal size in character cells.
type Size struct {
	Height uint
	Width  uint
}

// ExecRequest runs a process inside a running container.
type ExecRequest struct {
	Container string
	Cmd       []string
	User      string
	WorkDir   string
	Env       map[string]string

	// Tty allocates a pseudo-terminal; stdout and stderr are merged
	Tty bool

	// Stdin is copied to the process; nil means no stdin is attached
	Stdin io.Reader

	Stdout io.Writer
	Stderr io.Writer

	// Resize delivers terminal size changes for Tty execs
	Resize <-chan Size
}

// Engine is the set of container engine operations berth relies on.
// Implementations must be safe for concurrent use.
type Engine interface {
	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error

	// ImageExists reports whether ref is present locally.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// PullImage fetches ref from its registry, writing progress to progress.
	PullImage(ctx context.Context, ref string, progress io.Writer) error

	// BuildImage builds and tags an image, writing build output to progress.
	BuildImage(ctx context.Context, req BuildRequest, progress io.Writer) error

	// InspectContainer returns ErrNotFound if no container has that name.
	InspectContainer(ctx context.Context, name string) (ContainerInfo, error)

	// CreateContainer returns ErrAlreadyExists if the name is taken.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	StartContainer(ctx context.Context, name string) error

	// Exec runs a process to completion and returns its exit code.
	// ErrConnectionLost is returned if the engine goes away mid-stream.
	Exec(ctx context.Context, req ExecRequest) (int, error)

	// WriteFile creates a file inside a container, making parent directories.
	WriteFile(ctx context.Context, name, path string, content []byte, mode os.FileMode) error

	// PathExists reports whether path exists inside a container.
	PathExists(ctx context.Context, name, path string) (bool, error)

	// RemoveContainer force-removes a container, running or not.
	RemoveContainer(ctx context.Context, name string) error

	// ListContainers returns all containers carrying every given label.
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	Close() error
}

// keyValues renders m as sorted key=value pairs.
func keyValues(m map[string]string) []string {
	keys := sortedKeys(m)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
