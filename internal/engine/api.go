package engine

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const (
	pingTimeout = 2 * time.Second

	// execSettleTimeout bounds how long Exec waits for the engine to record
	// an exit code after the output stream closes.
	execSettleTimeout = time.Second
	execSettlePoll    = 50 * time.Millisecond

	// injectedDockerfile names a Dockerfile from outside the context once it
	// has been added to the archive.
	injectedDockerfile = ".berth.Dockerfile"
)

// APIEngine implements Engine over the Docker Engine API.
type APIEngine struct {
	client *client.Client
}

// NewAPIEngine connects to the engine named by the environment (DOCKER_HOST
// and friends), falling back to well-known socket locations.
func NewAPIEngine(ctx context.Context) (*APIEngine, error) {
	cli, err := connectAPI(ctx)
	if err != nil {
		return nil, err
	}
	return &APIEngine{client: cli}, nil
}

func connectAPI(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		if pingAPI(ctx, cli) == nil {
			return cli, nil
		}
		cli.Close()
	}

	// Common non-default socket locations (Docker Desktop, Colima, rootless)
	home := os.Getenv("HOME")
	socketPaths := []string{
		"unix://" + home + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + home + "/.colima/docker.sock",
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		socketPaths = append(socketPaths, "unix://"+runtimeDir+"/docker.sock")
	}

	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		if pingAPI(ctx, cli) == nil {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("could not connect to the container engine API: %w", ErrConnectionLost)
}

func pingAPI(ctx context.Context, cli *client.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}

// Ping checks that the engine is reachable.
func (e *APIEngine) Ping(ctx context.Context) error {
	if err := pingAPI(ctx, e.client); err != nil {
		return apiError("ping", err)
	}
	return nil
}

// ImageExists reports whether ref is present locally.
func (e *APIEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := e.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, apiError("inspect image "+ref, err)
}

// PullImage fetches ref and renders the engine's progress stream.
func (e *APIEngine) PullImage(ctx context.Context, ref string, progress io.Writer) error {
	rc, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return apiError("pull "+ref, err)
	}
	defer rc.Close()

	if err := displayStream(rc, progress); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// BuildImage sends the build context, minus excluded files, to the engine.
func (e *APIEngine) BuildImage(ctx context.Context, req BuildRequest, progress io.Writer) error {
	buildCtx, dockerfile, err := buildContext(req)
	if err != nil {
		return err
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(req.Args))
	for k, v := range req.Args {
		v := v
		args[k] = &v
	}

	resp, err := e.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  dockerfile,
		Target:      req.Target,
		BuildArgs:   args,
		Labels:      req.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return apiError("build "+req.Tag, err)
	}
	defer resp.Body.Close()

	if err := displayStream(resp.Body, progress); err != nil {
		return fmt.Errorf("build %s: %w", req.Tag, err)
	}
	return nil
}

// buildContext archives the context directory and returns it with the
// Dockerfile path the engine should use inside it. A Dockerfile outside the
// context is added to the archive as injectedDockerfile.
func buildContext(req BuildRequest) (io.ReadCloser, string, error) {
	rel, err := filepath.Rel(req.ContextDir, req.Dockerfile)
	inside := err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))

	excludes := append([]string(nil), req.Excludes...)
	// The builder needs these even if .dockerignore lists them.
	excludes = append(excludes, "!.dockerignore")
	if inside {
		rel = filepath.ToSlash(rel)
		excludes = append(excludes, "!"+rel)
	}

	tarball, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{
		ExcludePatterns: excludes,
	})
	if err != nil {
		return nil, "", fmt.Errorf("archive build context %s: %w", req.ContextDir, err)
	}
	if inside {
		return tarball, rel, nil
	}

	content, err := os.ReadFile(req.Dockerfile)
	if err != nil {
		tarball.Close()
		return nil, "", fmt.Errorf("read dockerfile: %w", err)
	}
	wrapped := archive.ReplaceFileTarWrapper(tarball, map[string]archive.TarModifierFunc{
		injectedDockerfile: func(string, *tar.Header, io.Reader) (*tar.Header, []byte, error) {
			return &tar.Header{Typeflag: tar.TypeReg, Mode: 0644}, content, nil
		},
	})
	return wrapped, injectedDockerfile, nil
}

// InspectContainer looks a container up by name.
func (e *APIEngine) InspectContainer(ctx context.Context, name string) (ContainerInfo, error) {
	info, err := e.client.ContainerInspect(ctx, name)
	if err != nil {
		return ContainerInfo{}, apiError("inspect container "+name, err)
	}

	out := ContainerInfo{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		out.Image = info.Config.Image
		out.Labels = info.Config.Labels
	}
	if info.State != nil {
		out.State = State(info.State.Status)
	}
	return out, nil
}

// CreateContainer creates, but does not start, a container.
func (e *APIEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        keyValues(spec.Env),
		WorkingDir: spec.WorkDir,
		User:       spec.User,
		Labels:     spec.Labels,
	}
	if spec.SuppressEntrypoint {
		cfg.Entrypoint = []string{""}
	}

	initProc := spec.Init
	hostCfg := &container.HostConfig{
		Mounts: apiMounts(spec.Mounts),
		Init:   &initProc,
	}

	resp, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", fmt.Errorf("create container %s: %w: %w", spec.Name, ErrAlreadyExists, err)
		}
		return "", apiError("create container "+spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created or exited container.
func (e *APIEngine) StartContainer(ctx context.Context, name string) error {
	if err := e.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return apiError("start container "+name, err)
	}
	return nil
}

// Exec runs req to completion, relaying stdio and terminal resizes.
func (e *APIEngine) Exec(ctx context.Context, req ExecRequest) (int, error) {
	created, err := e.client.ContainerExecCreate(ctx, req.Container, container.ExecOptions{
		User:         req.User,
		Tty:          req.Tty,
		AttachStdin:  req.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		Env:          keyValues(req.Env),
		WorkingDir:   req.WorkDir,
		Cmd:          req.Cmd,
	})
	if err != nil {
		return -1, apiError("create exec", err)
	}

	resp, err := e.client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{Tty: req.Tty})
	if err != nil {
		return -1, apiError("attach exec", err)
	}
	defer resp.Close()

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	// The stdin copy blocks on the caller's reader and is not waited for.
	if req.Stdin != nil {
		go func() {
			io.Copy(resp.Conn, req.Stdin)
			resp.CloseWrite()
		}()
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Close()
		case <-done:
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		var err error
		if req.Tty {
			_, err = io.Copy(stdout, resp.Reader)
		} else {
			_, err = stdcopy.StdCopy(stdout, stderr, resp.Reader)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("exec stream: %w: %w", ErrConnectionLost, err)
		}
		return nil
	})
	if req.Resize != nil {
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				case <-gctx.Done():
					return nil
				case size, ok := <-req.Resize:
					if !ok {
						return nil
					}
					// Resizes race with process exit; a failed resize is harmless.
					_ = e.client.ContainerExecResize(ctx, created.ID, container.ResizeOptions{
						Height: size.Height,
						Width:  size.Width,
					})
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return -1, err
	}

	return e.execExitCode(ctx, created.ID)
}

// execExitCode reads the exit code of a finished exec. A process the engine
// still reports as running after its stream closed means the stream was cut.
func (e *APIEngine) execExitCode(ctx context.Context, execID string) (int, error) {
	deadline := time.Now().Add(execSettleTimeout)
	for {
		inspect, err := e.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			if ctx.Err() != nil {
				return -1, ctx.Err()
			}
			return -1, fmt.Errorf("inspect exec: %w: %w", ErrConnectionLost, err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		if time.Now().After(deadline) {
			return -1, fmt.Errorf("exec stream closed while the process is still running: %w", ErrConnectionLost)
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(execSettlePoll):
		}
	}
}

// WriteFile copies a single file into the container.
func (e *APIEngine) WriteFile(ctx context.Context, name, path string, content []byte, mode os.FileMode) error {
	buf, err := singleFileTar(path, content, mode)
	if err != nil {
		return fmt.Errorf("pack %s: %w", path, err)
	}
	if err := e.client.CopyToContainer(ctx, name, "/", buf, container.CopyToContainerOptions{}); err != nil {
		return apiError("write "+path, err)
	}
	return nil
}

// PathExists stats path inside the container.
func (e *APIEngine) PathExists(ctx context.Context, name, path string) (bool, error) {
	_, err := e.client.ContainerStatPath(ctx, name, path)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, apiError("stat "+path, err)
}

// RemoveContainer force-removes a container.
func (e *APIEngine) RemoveContainer(ctx context.Context, name string) error {
	if err := e.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return apiError("remove container "+name, err)
	}
	return nil
}

// ListContainers returns all containers, running or not, with every label.
func (e *APIEngine) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for _, kv := range keyValues(labels) {
		args.Add("label", kv)
	}

	list, err := e.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, apiError("list containers", err)
	}

	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		info := ContainerInfo{
			ID:     c.ID,
			Image:  c.Image,
			State:  State(c.State),
			Labels: c.Labels,
		}
		if len(c.Names) > 0 {
			info.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, info)
	}
	return out, nil
}

// Close releases the API client.
func (e *APIEngine) Close() error {
	return e.client.Close()
}

func apiMounts(in []Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(in))
	for _, m := range in {
		typ := mount.TypeBind
		if m.Type == MountVolume {
			typ = mount.TypeVolume
		}
		out = append(out, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

// apiError classifies an API client error against the package sentinels.
func apiError(op string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionLost, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// displayStream renders a JSON progress stream. Errors embedded in the
// stream are returned.
func displayStream(in io.Reader, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	var (
		fd     uintptr
		isTerm bool
	)
	if f, ok := out.(*os.File); ok {
		fd = f.Fd()
		isTerm = term.IsTerminal(int(fd))
	}
	return jsonmessage.DisplayJSONMessagesStream(in, out, fd, isTerm, nil)
}

var _ Engine = (*APIEngine)(nil)
