// Package session drives a berth environment from configuration to an
// attached process: it reuses or creates the container, runs init commands
// once and hands the terminal to the configured shell.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/RevCBH/berth/internal/config"
	"github.com/RevCBH/berth/internal/engine"
	"github.com/RevCBH/berth/internal/events"
	"github.com/RevCBH/berth/internal/identity"
	"github.com/RevCBH/berth/internal/telemetry"
	"github.com/RevCBH/berth/internal/terminal"
)

// MarkerPath is written inside the container once every init command succeeded.
const MarkerPath = "/.berth/initialized"

// cleanupTimeout bounds best-effort work done after the session ended.
const cleanupTimeout = 5 * time.Second

// pidWrapper records the shell PID, then execs the real command in its place,
// so the recorded PID is the attached process.
const pidWrapper = `echo $$ > "$0"; exec "$@"`

// killScript delivers signal $0 to the PID stored in file $1.
const killScript = `kill -s "$0" "$(cat "$1")"`

// signalNames are the kill(1) names of forwarded signals.
var signalNames = map[syscall.Signal]string{
	syscall.SIGINT:  "INT",
	syscall.SIGTERM: "TERM",
	syscall.SIGHUP:  "HUP",
	syscall.SIGQUIT: "QUIT",
}

// ImageResolver makes an image available locally.
type ImageResolver interface {
	Ensure(ctx context.Context, src config.ImageSource) (string, error)
}

// Attacher connects the terminal to a process.
type Attacher interface {
	Attach(ctx context.Context, p terminal.Process) (terminal.Outcome, error)
}

// Config holds controller settings.
type Config struct {
	// SessionID names this invocation in logs and the exec pid file.
	// Empty means a random id.
	SessionID string

	// HostUser is "uid:gid", used when the configuration forwards the user
	HostUser string

	// Stdout and Stderr receive init command output
	Stdout io.Writer
	Stderr io.Writer
}

// Dependencies bundles external dependencies for injection
type Dependencies struct {
	Engine   engine.Engine
	Images   ImageResolver
	Attacher Attacher
	Bus      *events.Bus
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Controller runs sessions against one engine.
type Controller struct {
	cfg      Config
	engine   engine.Engine
	images   ImageResolver
	attacher Attacher
	bus      *events.Bus
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates a Controller.
func New(cfg Config, deps Dependencies) *Controller {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	c := &Controller{
		cfg:      cfg,
		engine:   deps.Engine,
		images:   deps.Images,
		attacher: deps.Attacher,
		bus:      deps.Bus,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Request is one invocation.
type Request struct {
	Config *config.Config

	// Command overrides the configured shell or command
	Command []string

	// Remove deletes the container after the session ends
	Remove bool
}

// Handle is a running container ready to attach to.
type Handle struct {
	Identity identity.Identity
	ID       string
	Image    string

	// Created is set when this invocation created the container
	Created bool

	// Initialized is set when this invocation ran the init commands
	Initialized bool
}

// Run ensures the container for req and attaches the terminal to the
// interactive process. It returns once that process has exited.
func (c *Controller) Run(ctx context.Context, req Request) (terminal.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "session.run",
		trace.WithAttributes(attribute.String("berth.session", c.cfg.SessionID)))
	defer span.End()

	c.bus.Emit(events.NewEvent(events.SessionStarted, "").With("config", req.Config.Path))

	h, err := c.Ensure(ctx, req.Config)
	if err != nil {
		return terminal.Outcome{}, c.fail(span, "", err)
	}

	outcome, err := c.attach(ctx, req.Config, h, req.Command)
	if req.Remove {
		c.remove(ctx, h.Identity.Name)
	}
	if err != nil {
		return terminal.Outcome{}, c.fail(span, h.Identity.Name, err)
	}

	span.SetAttributes(attribute.Int("berth.exit_code", outcome.ExitCode))
	c.bus.Emit(events.NewEvent(events.SessionExited, h.Identity.Name).
		With("exit_code", outcome.ExitCode).
		With("signaled", outcome.Signaled))
	return outcome, nil
}

func (c *Controller) fail(span trace.Span, container string, err error) error {
	telemetry.RecordError(span, err)
	c.bus.Emit(events.NewEvent(events.SessionFailed, container).WithError(err))
	return err
}

// Identity derives the session identity of cfg. A build context that cannot
// be hashed is an image resolution failure.
func (c *Controller) Identity(ctx context.Context, cfg *config.Config) (identity.Identity, error) {
	_, span := c.tracer.Start(ctx, "identity.derive")
	defer span.End()

	id, err := identity.Derive(cfg, cfg.Workspace)
	if err != nil {
		err = &Error{Kind: KindImageResolution, Op: "derive identity", Err: err}
		telemetry.RecordError(span, err)
		return identity.Identity{}, err
	}
	span.SetAttributes(attribute.String("berth.identity", id.Hash))
	c.bus.Emit(events.NewEvent(events.IdentityDerived, id.Name).
		With("hash", id.Hash).
		With("name", id.Name))
	return id, nil
}

// Ensure brings the container for cfg to the running state and runs init
// commands if they have not completed yet. The image is only resolved when the
// container has to be created.
func (c *Controller) Ensure(ctx context.Context, cfg *config.Config) (Handle, error) {
	id, err := c.Identity(ctx, cfg)
	if err != nil {
		return Handle{}, err
	}

	ctx, span := c.tracer.Start(ctx, "container.ensure",
		trace.WithAttributes(attribute.String("berth.container", id.Name)))
	defer span.End()

	h := Handle{Identity: id}

	info, err := c.engine.InspectContainer(ctx, id.Name)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		info, h.Created, err = c.create(ctx, cfg, id)
		if err != nil {
			telemetry.RecordError(span, err)
			return Handle{}, err
		}
	case err != nil:
		err = &Error{Kind: KindContainerLifecycle, Op: "inspect", Container: id.Name, Err: err}
		telemetry.RecordError(span, err)
		return Handle{}, err
	}

	if !h.Created {
		if err := checkOwnership(info, id); err != nil {
			telemetry.RecordError(span, err)
			return Handle{}, err
		}
		c.logger.Debug("reusing container", "container", id.Name, "state", info.State)
		c.bus.Emit(events.NewEvent(events.ContainerReused, id.Name).With("state", string(info.State)))
	}
	h.ID = info.ID
	h.Image = info.Image

	if err := c.start(ctx, info); err != nil {
		telemetry.RecordError(span, err)
		return Handle{}, err
	}

	h.Initialized, err = c.runInit(ctx, cfg, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return Handle{}, err
	}
	return h, nil
}

// create resolves the image and creates the container. Losing a create race
// to another invocation falls back to the container that invocation made.
func (c *Controller) create(ctx context.Context, cfg *config.Config, id identity.Identity) (engine.ContainerInfo, bool, error) {
	ref, err := c.ensureImage(ctx, cfg)
	if err != nil {
		return engine.ContainerInfo{}, false, &Error{Kind: KindImageResolution, Op: "ensure image", Container: id.Name, Err: err}
	}

	spec := containerSpec(cfg, id, ref, c.cfg.HostUser)
	containerID, err := c.engine.CreateContainer(ctx, spec)
	if errors.Is(err, engine.ErrAlreadyExists) {
		c.logger.Debug("container created concurrently, reusing", "container", id.Name)
		info, err := c.engine.InspectContainer(ctx, id.Name)
		if err != nil {
			return engine.ContainerInfo{}, false, &Error{Kind: KindContainerLifecycle, Op: "inspect", Container: id.Name, Err: err}
		}
		return info, false, nil
	}
	if err != nil {
		return engine.ContainerInfo{}, false, &Error{Kind: KindContainerLifecycle, Op: "create", Container: id.Name, Err: err}
	}

	c.logger.Info("created container", "container", id.Name, "image", ref)
	c.bus.Emit(events.NewEvent(events.ContainerCreated, id.Name).With("image", ref))
	return engine.ContainerInfo{
		ID:     containerID,
		Name:   id.Name,
		Image:  ref,
		State:  engine.StateCreated,
		Labels: spec.Labels,
	}, true, nil
}

func (c *Controller) ensureImage(ctx context.Context, cfg *config.Config) (string, error) {
	ctx, span := c.tracer.Start(ctx, "image.ensure",
		trace.WithAttributes(attribute.String("berth.image.kind", cfg.Image.Kind.String())))
	defer span.End()

	ref, err := c.images.Ensure(ctx, cfg.Image)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("berth.image.ref", ref))
	return ref, nil
}

// checkOwnership refuses containers that merely share the derived name.
func checkOwnership(info engine.ContainerInfo, id identity.Identity) error {
	if info.Labels[identity.LabelManagedBy] == identity.ManagedByValue &&
		info.Labels[identity.LabelIdentity] == id.Hash {
		return nil
	}
	return &Error{
		Kind:      KindContainerLifecycle,
		Op:        "reuse",
		Container: id.Name,
		Err: fmt.Errorf("%w (identity label %q, want %q); remove it with `berth rm`",
			ErrIdentityMismatch, info.Labels[identity.LabelIdentity], id.Hash),
	}
}

func (c *Controller) start(ctx context.Context, info engine.ContainerInfo) error {
	switch info.State {
	case engine.StateRunning:
		return nil
	case engine.StateCreated, engine.StateExited:
		if err := c.engine.StartContainer(ctx, info.Name); err != nil {
			return &Error{Kind: KindContainerLifecycle, Op: "start", Container: info.Name, Err: err}
		}
		c.logger.Debug("started container", "container", info.Name, "from", info.State)
		c.bus.Emit(events.NewEvent(events.ContainerStarted, info.Name).With("from", string(info.State)))
		return nil
	default:
		return &Error{
			Kind:      KindContainerLifecycle,
			Op:        "start",
			Container: info.Name,
			Err:       fmt.Errorf("%w: %s; remove it with `berth rm`", ErrUnusableState, info.State),
		}
	}
}

// runInit runs the init commands unless the marker shows a previous run
// completed. It reports whether the commands ran.
func (c *Controller) runInit(ctx context.Context, cfg *config.Config, id identity.Identity) (bool, error) {
	if len(cfg.Init) == 0 {
		return false, nil
	}

	done, err := c.engine.PathExists(ctx, id.Name, MarkerPath)
	if err != nil {
		return false, &Error{Kind: KindContainerLifecycle, Op: "check init marker", Container: id.Name, Err: err}
	}
	if done {
		c.bus.Emit(events.NewEvent(events.InitSkipped, id.Name))
		return false, nil
	}

	ctx, span := c.tracer.Start(ctx, "init.run",
		trace.WithAttributes(attribute.Int("berth.init.count", len(cfg.Init))))
	defer span.End()

	for i, cmd := range cfg.Init {
		c.logger.Info("running init command", "container", id.Name, "index", i+1, "command", cmd.String())
		c.bus.Emit(events.NewEvent(events.InitStarted, id.Name).
			With("index", i).
			With("command", cmd.String()))

		code, err := c.engine.Exec(ctx, engine.ExecRequest{
			Container: id.Name,
			Cmd:       cmd.Args(cfg.Shell.Outer),
			WorkDir:   cfg.WorkDir,
			Stdout:    c.cfg.Stdout,
			Stderr:    c.cfg.Stderr,
		})
		if err == nil && code != 0 {
			err = &InitError{Index: i, Command: cmd.String(), ExitCode: code}
		}
		if err != nil {
			telemetry.RecordError(span, err)
			c.bus.Emit(events.NewEvent(events.InitFailed, id.Name).
				With("index", i).
				With("command", cmd.String()).
				WithError(err))
			return false, &Error{Kind: KindInitCommand, Op: "init", Container: id.Name, Err: err}
		}
	}

	if err := c.engine.WriteFile(ctx, id.Name, MarkerPath, []byte(id.Hash+"\n"), 0o644); err != nil {
		return false, &Error{Kind: KindContainerLifecycle, Op: "write init marker", Container: id.Name, Err: err}
	}
	c.bus.Emit(events.NewEvent(events.InitCompleted, id.Name).With("count", len(cfg.Init)))
	return true, nil
}

// attach runs the interactive process through the attacher.
func (c *Controller) attach(ctx context.Context, cfg *config.Config, h Handle, override []string) (terminal.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "attach")
	defer span.End()

	name := h.Identity.Name
	outer := cfg.Shell.Outer
	pidFile := "/tmp/berth-" + c.cfg.SessionID + ".pid"
	args := cfg.InteractiveArgs(override)
	cmd := append([]string{outer, "-c", pidWrapper, pidFile}, args...)

	c.logger.Debug("attaching", "container", name, "command", strings.Join(args, " "))

	outcome, err := c.attacher.Attach(ctx, terminal.Process{
		Attached: func() {
			c.bus.Emit(events.NewEvent(events.AttachStarted, name).With("command", strings.Join(args, " ")))
		},
		Run: func(ctx context.Context, s terminal.Streams) (int, error) {
			var env map[string]string
			if term := os.Getenv("TERM"); s.Tty && term != "" {
				env = map[string]string{"TERM": term}
			}
			return c.engine.Exec(ctx, engine.ExecRequest{
				Container: name,
				Cmd:       cmd,
				WorkDir:   cfg.WorkDir,
				Env:       env,
				Tty:       s.Tty,
				Stdin:     s.Stdin,
				Stdout:    s.Stdout,
				Stderr:    s.Stderr,
				Resize:    s.Resize,
			})
		},
		Signal: func(ctx context.Context, sig syscall.Signal) error {
			return c.signal(ctx, name, outer, pidFile, sig)
		},
	})
	c.removePIDFile(ctx, name, pidFile)
	if err != nil {
		err = &Error{Kind: KindAttach, Op: "attach", Container: name, Err: err}
		telemetry.RecordError(span, err)
		return terminal.Outcome{}, err
	}
	span.SetAttributes(attribute.Int("berth.exit_code", outcome.ExitCode))
	return outcome, nil
}

// signal delivers sig to the attached process by its recorded PID. It runs as
// root so it can reach processes of any container user.
func (c *Controller) signal(ctx context.Context, container, outer, pidFile string, sig syscall.Signal) error {
	sigName, ok := signalNames[sig]
	if !ok {
		return &Error{Kind: KindSignalForwarding, Op: "signal", Container: container, Err: fmt.Errorf("signal %s is not forwarded", sig)}
	}

	var stderr bytes.Buffer
	code, err := c.engine.Exec(ctx, engine.ExecRequest{
		Container: container,
		Cmd:       []string{outer, "-c", killScript, sigName, pidFile},
		User:      "0",
		Stdout:    io.Discard,
		Stderr:    &stderr,
	})
	if err == nil && code != 0 {
		err = fmt.Errorf("kill exited with code %d: %s", code, strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return &Error{Kind: KindSignalForwarding, Op: "signal " + sigName, Container: container, Err: err}
	}
	return nil
}

func (c *Controller) removePIDFile(ctx context.Context, container, pidFile string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, err := c.engine.Exec(ctx, engine.ExecRequest{
		Container: container,
		Cmd:       []string{"rm", "-f", pidFile},
		User:      "0",
		Stdout:    io.Discard,
		Stderr:    io.Discard,
	})
	if err != nil {
		c.logger.Debug("failed to remove pid file", "container", container, "error", err)
	}
}

func (c *Controller) remove(ctx context.Context, container string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := c.engine.RemoveContainer(ctx, container); err != nil {
		c.logger.Warn("failed to remove container", "container", container, "error", err)
		return
	}
	c.bus.Emit(events.NewEvent(events.ContainerRemoved, container))
}

// Remove force-removes the container for cfg. Containers berth does not
// manage are left alone. It reports whether a container was removed.
func (c *Controller) Remove(ctx context.Context, cfg *config.Config) (identity.Identity, bool, error) {
	id, err := c.Identity(ctx, cfg)
	if err != nil {
		return identity.Identity{}, false, err
	}

	info, err := c.engine.InspectContainer(ctx, id.Name)
	if errors.Is(err, engine.ErrNotFound) {
		return id, false, nil
	}
	if err != nil {
		return id, false, &Error{Kind: KindContainerLifecycle, Op: "inspect", Container: id.Name, Err: err}
	}
	if info.Labels[identity.LabelManagedBy] != identity.ManagedByValue {
		return id, false, &Error{
			Kind:      KindContainerLifecycle,
			Op:        "remove",
			Container: id.Name,
			Err:       errors.New("container is not managed by berth"),
		}
	}

	if err := c.engine.RemoveContainer(ctx, id.Name); err != nil {
		return id, false, &Error{Kind: KindContainerLifecycle, Op: "remove", Container: id.Name, Err: err}
	}
	c.logger.Info("removed container", "container", id.Name)
	c.bus.Emit(events.NewEvent(events.ContainerRemoved, id.Name))
	return id, true, nil
}
