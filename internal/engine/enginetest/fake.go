// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/RevCBH/berth/internal/engine"
)

// Container is a container held by a Fake.
type Container struct {
	Info  engine.ContainerInfo
	Spec  engine.ContainerSpec
	Files map[string][]byte
}

// Fake is an in-memory engine. Containers, images and files live in maps;
// hooks let tests script failures and exec behavior. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	images     map[string]bool
	containers map[string]*Container
	nextID     int
	calls      []string
	execs      []engine.ExecRequest
	builds     []engine.BuildRequest

	// PullErrs are returned by successive PullImage calls, then nil.
	PullErrs []error

	// BuildErrs are returned by successive BuildImage calls, then nil.
	BuildErrs []error

	// ImageExistsErr fails every ImageExists call.
	ImageExistsErr error

	// InspectErr fails every InspectContainer call.
	InspectErr error

	// StartErr fails every StartContainer call.
	StartErr error

	// BeforeCreate runs before a container is created, outside the lock.
	// Tests use it to simulate a racing invocation.
	BeforeCreate func(spec engine.ContainerSpec)

	// ExecFunc decides the outcome of Exec. Nil means exit 0.
	ExecFunc func(req engine.ExecRequest) (int, error)
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		images:     make(map[string]bool),
		containers: make(map[string]*Container),
	}
}

// AddImage marks ref as present.
func (f *Fake) AddImage(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
}

// HasImage reports whether ref is present.
func (f *Fake) HasImage(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref]
}

// AddContainer inserts a container directly, bypassing Create.
func (f *Fake) AddContainer(info engine.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.ID == "" {
		f.nextID++
		info.ID = fmt.Sprintf("fake-%d", f.nextID)
	}
	f.containers[info.Name] = &Container{Info: info, Files: map[string][]byte{}}
}

// Container returns a copy of the named container, or nil.
func (f *Fake) Container(name string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil
	}
	cp := *c
	cp.Files = make(map[string][]byte, len(c.Files))
	for k, v := range c.Files {
		cp.Files[k] = v
	}
	return &cp
}

// ContainerCount returns how many containers exist.
func (f *Fake) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// SetState changes a container's state, e.g. to simulate it exiting.
func (f *Fake) SetState(name string, state engine.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.Info.State = state
	}
}

// Calls returns every operation in order, e.g. "pull alpine", "start berth-x".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CountCalls counts operations starting with prefix.
func (f *Fake) CountCalls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Execs returns every exec request in order.
func (f *Fake) Execs() []engine.ExecRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.ExecRequest(nil), f.execs...)
}

// Builds returns every build request in order.
func (f *Fake) Builds() []engine.BuildRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.BuildRequest(nil), f.builds...)
}

func (f *Fake) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *Fake) Ping(ctx context.Context) error {
	return nil
}

func (f *Fake) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("image-exists " + ref)
	if f.ImageExistsErr != nil {
		return false, f.ImageExistsErr
	}
	return f.images[ref], nil
}

func (f *Fake) PullImage(ctx context.Context, ref string, progress io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull " + ref)
	if len(f.PullErrs) > 0 {
		err := f.PullErrs[0]
		f.PullErrs = f.PullErrs[1:]
		if err != nil {
			return err
		}
	}
	if progress != nil {
		fmt.Fprintf(progress, "pulled %s\n", ref)
	}
	f.images[ref] = true
	return nil
}

func (f *Fake) BuildImage(ctx context.Context, req engine.BuildRequest, progress io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build " + req.Tag)
	f.builds = append(f.builds, req)
	if len(f.BuildErrs) > 0 {
		err := f.BuildErrs[0]
		f.BuildErrs = f.BuildErrs[1:]
		if err != nil {
			return err
		}
	}
	f.images[req.Tag] = true
	return nil
}

func (f *Fake) InspectContainer(ctx context.Context, name string) (engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect " + name)
	if f.InspectErr != nil {
		return engine.ContainerInfo{}, f.InspectErr
	}
	c, ok := f.containers[name]
	if !ok {
		return engine.ContainerInfo{}, fmt.Errorf("inspect container %s: %w", name, engine.ErrNotFound)
	}
	return c.Info, nil
}

func (f *Fake) CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	if f.BeforeCreate != nil {
		f.BeforeCreate(spec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create " + spec.Name)
	if _, ok := f.containers[spec.Name]; ok {
		return "", fmt.Errorf("create container %s: %w", spec.Name, engine.ErrAlreadyExists)
	}
	if !f.images[spec.Image] {
		return "", fmt.Errorf("create container %s: image %s: %w", spec.Name, spec.Image, engine.ErrNotFound)
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[spec.Name] = &Container{
		Info: engine.ContainerInfo{
			ID:     id,
			Name:   spec.Name,
			Image:  spec.Image,
			State:  engine.StateCreated,
			Labels: spec.Labels,
		},
		Spec:  spec,
		Files: map[string][]byte{},
	}
	return id, nil
}

func (f *Fake) StartContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start " + name)
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("start container %s: %w", name, engine.ErrNotFound)
	}
	c.Info.State = engine.StateRunning
	return nil
}

func (f *Fake) Exec(ctx context.Context, req engine.ExecRequest) (int, error) {
	f.mu.Lock()
	f.record("exec " + req.Container + " " + strings.Join(req.Cmd, " "))
	f.execs = append(f.execs, req)
	c, ok := f.containers[req.Container]
	running := ok && c.Info.State == engine.StateRunning
	execFunc := f.ExecFunc
	f.mu.Unlock()

	if !ok {
		return -1, fmt.Errorf("exec in %s: %w", req.Container, engine.ErrNotFound)
	}
	if !running {
		return -1, fmt.Errorf("exec in %s: container is not running", req.Container)
	}
	if execFunc == nil {
		return 0, nil
	}
	return execFunc(req)
}

func (f *Fake) WriteFile(ctx context.Context, name, p string, content []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("write " + name + " " + p)
	c, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("write %s: %w", p, engine.ErrNotFound)
	}
	c.Files[path.Clean(p)] = append([]byte(nil), content...)
	return nil
}

func (f *Fake) PathExists(ctx context.Context, name, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stat " + name + " " + p)
	c, ok := f.containers[name]
	if !ok {
		return false, fmt.Errorf("stat %s: %w", p, engine.ErrNotFound)
	}
	_, exists := c.Files[path.Clean(p)]
	return exists, nil
}

func (f *Fake) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove " + name)
	if _, ok := f.containers[name]; !ok {
		return fmt.Errorf("remove container %s: %w", name, engine.ErrNotFound)
	}
	delete(f.containers, name)
	return nil
}

func (f *Fake) ListContainers(ctx context.Context, labels map[string]string) ([]engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	var out []engine.ContainerInfo
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.Info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, c.Info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) Close() error {
	return nil
}

var _ engine.Engine = (*Fake)(nil)
