package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/RevCBH/berth/internal/config"
	"github.com/RevCBH/berth/internal/engine"
	"github.com/RevCBH/berth/internal/events"
	"github.com/RevCBH/berth/internal/image"
	"github.com/RevCBH/berth/internal/session"
	"github.com/RevCBH/berth/internal/telemetry"
	"github.com/RevCBH/berth/internal/terminal"
)

// wireNeeds selects which parts of the environment a command uses
type wireNeeds struct {
	Config bool
	Engine bool
}

// Environment holds all wired components of one invocation
type Environment struct {
	SessionID string
	Settings  *config.Settings
	Logger    *slog.Logger
	Bus       *events.Bus

	// Config is nil unless the command needs a configuration
	Config *config.Config

	// Engine, Images and Controller are nil unless the command needs an engine
	Engine     engine.Engine
	Images     *image.Resolver
	Controller *session.Controller

	Telemetry *telemetry.Provider

	eventsFile *os.File
}

// wire assembles the components a command needs
func (a *App) wire(ctx context.Context, needs wireNeeds) (*Environment, error) {
	settings, err := a.loadSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if a.opts.Engine != "" {
		switch a.opts.Engine {
		case config.EngineAuto, config.EngineAPI, config.EngineCLI:
			settings.Engine = a.opts.Engine
		default:
			return nil, fmt.Errorf("--engine must be one of: auto, api, cli (got %q)", a.opts.Engine)
		}
	}

	env := &Environment{
		SessionID: uuid.NewString(),
		Settings:  settings,
	}
	env.Logger = newLogger(a.stderr, settings.LogLevel, a.opts.Verbose).With("session", env.SessionID[:8])
	env.Bus = events.NewBus(env.SessionID)
	env.Bus.Subscribe(events.LogHandler(env.Logger))

	if a.opts.EventsFile != "" {
		f, err := os.OpenFile(a.opts.EventsFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open events file: %w", err)
		}
		env.eventsFile = f
		env.Bus.Subscribe(events.JSONEmitterHandler(events.NewJSONEmitter(f), env.Logger))
	}

	if needs.Config {
		path, err := a.configPath()
		if err != nil {
			env.Close(ctx)
			return nil, err
		}
		env.Config, err = config.Load(path)
		if err != nil {
			env.Close(ctx)
			return nil, err
		}
		env.Logger.Debug("loaded config", "path", path, "workspace", env.Config.Workspace)
	}

	env.Telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		Enabled:     settings.Trace.Enabled,
		ServiceName: "berth",
		Version:     a.versionInfo.Version,
		File:        settings.Trace.File,
	})
	if err != nil {
		env.Close(ctx)
		return nil, err
	}

	if !needs.Engine {
		return env, nil
	}

	env.Engine, err = a.openEngine(ctx, settings, env.Logger)
	if err != nil {
		env.Close(ctx)
		return nil, fmt.Errorf("connect to container engine: %w", err)
	}

	env.Images = image.NewResolver(env.Engine,
		image.WithRetry(image.RetryConfig{
			MaxAttempts: settings.Pull.Attempts,
			Delay:       settings.PullDelay(),
		}),
		image.WithProgress(a.stderr),
		image.WithBus(env.Bus),
		image.WithLogger(env.Logger),
	)

	var tty *bool
	if env.Config != nil {
		tty = env.Config.TTY
	}
	bridge := terminal.NewBridge(a.stdin, a.stdout, a.stderr,
		terminal.WithTTY(tty),
		terminal.WithLogger(env.Logger),
		terminal.WithBus(env.Bus),
	)

	env.Controller = session.New(session.Config{
		SessionID: env.SessionID,
		HostUser:  fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Stdout:    a.stdout,
		Stderr:    a.stderr,
	}, session.Dependencies{
		Engine:   env.Engine,
		Images:   env.Images,
		Attacher: bridge,
		Bus:      env.Bus,
		Tracer:   env.Telemetry.Tracer(),
		Logger:   env.Logger,
	})
	return env, nil
}

// configPath resolves the config file: --config, then BERTH_CONFIG, then a
// search from the working directory upward.
func (a *App) configPath() (string, error) {
	if a.opts.ConfigPath != "" {
		return a.opts.ConfigPath, nil
	}
	if p := os.Getenv("BERTH_CONFIG"); p != "" {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return config.Find(wd)
}

// Close releases the engine connection and flushes telemetry
func (e *Environment) Close(ctx context.Context) error {
	var errs []error
	if e.Engine != nil {
		if err := e.Engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if err := e.Telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}
	if e.eventsFile != nil {
		if err := e.eventsFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close events file: %w", err))
		}
	}
	return errors.Join(errs...)
}
