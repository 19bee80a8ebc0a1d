package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/RevCBH/berth/internal/config"
)

// ErrNoRuntime is returned when no container runtime is found.
var ErrNoRuntime = errors.New("no container runtime found (need docker or podman)")

// lookPath and probe are swapped out in tests.
var (
	lookPath = exec.LookPath
	probe    = func(bin string) error {
		return exec.Command(bin, "version").Run()
	}
)

// DetectRuntime finds an available container runtime.
// Checks docker first, then podman. Verifies the binary actually works
// by running `<runtime> version`.
func DetectRuntime() (string, error) {
	for _, bin := range []string{"docker", "podman"} {
		if _, err := lookPath(bin); err != nil {
			continue
		}
		if err := probe(bin); err != nil {
			continue
		}
		return bin, nil
	}
	return "", ErrNoRuntime
}

// newAPIEngine is swapped out in tests.
var newAPIEngine = func(ctx context.Context) (Engine, error) {
	eng, err := NewAPIEngine(ctx)
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// Open selects an engine according to settings. In auto mode the API is tried
// first and the CLI is the fallback.
func Open(ctx context.Context, settings *config.Settings, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch settings.Engine {
	case config.EngineAPI:
		return newAPIEngine(ctx)

	case config.EngineCLI:
		return openCLI(settings.Runtime)

	default:
		eng, apiErr := newAPIEngine(ctx)
		if apiErr == nil {
			logger.Debug("using container engine API")
			return eng, nil
		}
		logger.Debug("engine API unavailable, falling back to CLI", "error", apiErr)

		cli, err := openCLI(settings.Runtime)
		if err != nil {
			return nil, fmt.Errorf("%w (engine API: %v)", err, apiErr)
		}
		logger.Debug("using container runtime CLI", "runtime", cli.Runtime())
		return cli, nil
	}
}

func openCLI(runtime string) (*CLIEngine, error) {
	if runtime == "" {
		detected, err := DetectRuntime()
		if err != nil {
			return nil, err
		}
		runtime = detected
	} else if _, err := lookPath(runtime); err != nil {
		return nil, fmt.Errorf("runtime %s: %w", runtime, ErrNoRuntime)
	}
	return NewCLIEngine(runtime), nil
}
