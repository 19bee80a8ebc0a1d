package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// interruptSignals abort berth while it is still preparing the environment.
var interruptSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// SignalHandler cancels the invocation context when berth is interrupted
// before the terminal is attached. Once attached, signals belong to the
// in-container process and the handler must be stopped.
type SignalHandler struct {
	cancel context.CancelFunc
	logger *slog.Logger

	signals  chan os.Signal
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	received os.Signal
}

// NewSignalHandler creates a handler that calls cancel on the first interrupt.
func NewSignalHandler(cancel context.CancelFunc, logger *slog.Logger) *SignalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHandler{
		cancel:  cancel,
		logger:  logger,
		signals: make(chan os.Signal, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start registers for interrupt signals and watches for the first one.
func (h *SignalHandler) Start() {
	signal.Notify(h.signals, interruptSignals...)
	h.watch()
}

// watch consumes h.signals until the first signal or Stop. Tests call it
// directly and feed h.signals themselves.
func (h *SignalHandler) watch() {
	go func() {
		defer close(h.done)
		select {
		case sig := <-h.signals:
			h.mu.Lock()
			h.received = sig
			h.mu.Unlock()

			h.logger.Debug("interrupted before attach", "signal", sig.String())
			if h.cancel != nil {
				h.cancel()
			}
		case <-h.stopCh:
		}
	}()
}

// Received returns the signal that interrupted berth, or nil.
func (h *SignalHandler) Received() os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received
}

// Done is closed once the handler has either fired or been stopped.
func (h *SignalHandler) Done() <-chan struct{} {
	return h.done
}

// Stop unregisters the handler. It is safe to call more than once.
func (h *SignalHandler) Stop() {
	signal.Stop(h.signals)
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

// interruptExitCode is the shell convention for a process ended by sig.
func interruptExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 130
}
