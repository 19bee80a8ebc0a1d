// Package terminal connects the user's terminal to a process running in a
// container: raw mode, window size propagation and signal relay.
package terminal

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/term"

	"github.com/RevCBH/berth/internal/engine"
	"github.com/RevCBH/berth/internal/events"
)

// ForwardedSignals are relayed to the attached process.
var ForwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// Streams are handed to the attached process.
type Streams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Tty is set when the process should get a pseudo-terminal
	Tty bool

	// Resize delivers window size changes; nil when Tty is false
	Resize <-chan engine.Size
}

// Process is the attached process as seen by the bridge.
type Process struct {
	// Run executes the process and returns its exit code
	Run func(ctx context.Context, s Streams) (int, error)

	// Signal delivers sig to the process
	Signal func(ctx context.Context, sig syscall.Signal) error

	// Attached, if set, is called once signals are routed to the process,
	// just before Run.
	Attached func()
}

// Outcome is how the attached process ended.
type Outcome struct {
	ExitCode int

	// Signaled is set when a forwarded signal ended the process
	Signaled bool
}

// Bridge relays a terminal to a Process.
type Bridge struct {
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer

	ttyOverride *bool
	logger      *slog.Logger
	bus         *events.Bus

	// signals is non-nil when tests inject signals instead of the OS
	signals chan os.Signal

	isTerminal func(fd int) bool
	makeRaw    func(fd int) (*term.State, error)
	restore    func(fd int, state *term.State) error
	getSize    func(fd int) (width, height int, err error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTTY forces interactive mode on or off. Nil means detect.
func WithTTY(tty *bool) Option {
	return func(b *Bridge) {
		b.ttyOverride = tty
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithBus sets the event bus signal events are emitted on.
func WithBus(bus *events.Bus) Option {
	return func(b *Bridge) {
		b.bus = bus
	}
}

// WithSignals makes the bridge read signals from ch instead of registering
// with the OS. Tests use this to avoid global signal state.
func WithSignals(ch chan os.Signal) Option {
	return func(b *Bridge) {
		b.signals = ch
	}
}

// NewBridge creates a Bridge over the given streams.
func NewBridge(stdin *os.File, stdout, stderr io.Writer, opts ...Option) *Bridge {
	b := &Bridge{
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		logger:     slog.Default(),
		isTerminal: term.IsTerminal,
		makeRaw:    term.MakeRaw,
		restore:    term.Restore,
		getSize:    term.GetSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Interactive reports whether the process gets a pseudo-terminal: both stdin
// and stdout must be terminals unless overridden.
func (b *Bridge) Interactive() bool {
	if b.ttyOverride != nil {
		return *b.ttyOverride
	}
	if b.stdin == nil || !b.isTerminal(int(b.stdin.Fd())) {
		return false
	}
	out, ok := b.stdout.(*os.File)
	return ok && b.isTerminal(int(out.Fd()))
}

// Attach runs p with the terminal attached. The terminal is restored before
// Attach returns, whatever the outcome.
func (b *Bridge) Attach(ctx context.Context, p Process) (Outcome, error) {
	tty := b.Interactive()

	var stdin io.Reader
	if b.stdin != nil {
		stdin = b.stdin
	}
	streams := Streams{
		Stdin:  stdin,
		Stdout: b.stdout,
		Stderr: b.stderr,
		Tty:    tty,
	}

	var resize chan engine.Size
	if tty {
		resize = make(chan engine.Size, 1)
		streams.Resize = resize

		fd := int(b.stdin.Fd())
		if b.isTerminal(fd) {
			state, err := b.makeRaw(fd)
			if err != nil {
				return Outcome{}, err
			}
			defer b.restore(fd, state)
		}
	}

	sigCh := b.signals
	if sigCh == nil {
		sigCh = make(chan os.Signal, 4)
		notify := append([]os.Signal{}, ForwardedSignals...)
		if tty {
			notify = append(notify, syscall.SIGWINCH)
		}
		signal.Notify(sigCh, notify...)
		defer signal.Stop(sigCh)
	}

	var forwarded atomic.Bool
	done := make(chan struct{})
	var wg sync.WaitGroup
	stopRelay := sync.OnceFunc(func() {
		close(done)
		wg.Wait()
	})
	defer stopRelay()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				if sig == syscall.SIGWINCH {
					b.pushSize(resize)
					continue
				}
				sysSig, ok := sig.(syscall.Signal)
				if !ok {
					continue
				}
				forwarded.Store(true)
				b.forward(ctx, p, sysSig)
			}
		}
	}()

	if tty {
		b.pushSize(resize)
	}
	if p.Attached != nil {
		p.Attached()
	}

	code, err := p.Run(ctx, streams)
	stopRelay()
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		ExitCode: code,
		Signaled: forwarded.Load() && code > 128,
	}, nil
}

// forward relays sig. Failures are reported but never end the session.
func (b *Bridge) forward(ctx context.Context, p Process, sig syscall.Signal) {
	if p.Signal == nil {
		return
	}
	if err := p.Signal(ctx, sig); err != nil {
		b.logger.Warn("failed to forward signal", "signal", sig.String(), "error", err)
		b.bus.Emit(events.NewEvent(events.SignalFailed, "").With("signal", sig.String()).WithError(err))
		return
	}
	b.logger.Debug("forwarded signal", "signal", sig.String())
	b.bus.Emit(events.NewEvent(events.SignalForwarded, "").With("signal", sig.String()))
}

// pushSize sends the current window size, replacing any size not yet consumed.
func (b *Bridge) pushSize(resize chan engine.Size) {
	if resize == nil || b.stdin == nil {
		return
	}
	width, height, err := b.getSize(int(b.stdin.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return
	}
	size := engine.Size{Height: uint(height), Width: uint(width)}
	select {
	case <-resize:
	default:
	}
	select {
	case resize <- size:
	default:
	}
}
