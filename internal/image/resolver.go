// Package image makes sure the image a configuration names exists locally,
// pulling or building it when it does not.
package image

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/RevCBH/berth/internal/config"
	"github.com/RevCBH/berth/internal/engine"
	"github.com/RevCBH/berth/internal/events"
	"github.com/RevCBH/berth/internal/identity"
)

// LabelBuildHash marks images berth built with their build identity.
const LabelBuildHash = "berth.build-hash"

// Resolver turns an ImageSource into a locally present image reference.
type Resolver struct {
	engine   engine.Engine
	retry    RetryConfig
	progress io.Writer
	bus      *events.Bus
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRetry sets the retry policy for pulls and builds.
func WithRetry(cfg RetryConfig) Option {
	return func(r *Resolver) {
		r.retry = cfg
	}
}

// WithProgress sets where pull and build output is written.
func WithProgress(w io.Writer) Option {
	return func(r *Resolver) {
		r.progress = w
	}
}

// WithBus sets the event bus image events are emitted on.
func WithBus(bus *events.Bus) Option {
	return func(r *Resolver) {
		r.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a Resolver backed by eng.
func NewResolver(eng engine.Engine, opts ...Option) *Resolver {
	r := &Resolver{
		engine:   eng,
		retry:    DefaultRetryConfig,
		progress: io.Discard,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry.MaxAttempts < 1 {
		r.retry.MaxAttempts = 1
	}
	return r
}

// Ensure returns a reference to a local image for src. Nothing is fetched or
// built when the image is already present.
func (r *Resolver) Ensure(ctx context.Context, src config.ImageSource) (string, error) {
	switch src.Kind {
	case config.ImageTag:
		return src.Tag, r.ensureTag(ctx, src.Tag, false)
	case config.ImageBuild:
		return r.ensureBuild(ctx, src.Build)
	default:
		return "", fmt.Errorf("unsupported image source %s", src.Kind)
	}
}

// Refresh is Ensure, except that tag sources are pulled even when present.
func (r *Resolver) Refresh(ctx context.Context, src config.ImageSource) (string, error) {
	if src.Kind == config.ImageTag {
		return src.Tag, r.ensureTag(ctx, src.Tag, true)
	}
	return r.Ensure(ctx, src)
}

// Reference returns the reference Ensure resolves src to, without contacting
// the engine.
func Reference(src config.ImageSource) (string, error) {
	switch src.Kind {
	case config.ImageTag:
		return src.Tag, nil
	case config.ImageBuild:
		hash, err := identity.BuildHash(src.Build)
		if err != nil {
			return "", err
		}
		return identity.BuildTag(src.Build.Name, hash), nil
	default:
		return "", fmt.Errorf("unsupported image source %s", src.Kind)
	}
}

func (r *Resolver) ensureTag(ctx context.Context, ref string, force bool) error {
	if !force {
		present, err := r.engine.ImageExists(ctx, ref)
		if err != nil {
			return fmt.Errorf("check image %s: %w", ref, err)
		}
		if present {
			r.logger.Debug("image present", "ref", ref)
			r.bus.Emit(events.NewEvent(events.ImagePresent, "").With("ref", ref))
			return nil
		}
	}

	r.logger.Info("pulling image", "ref", ref)
	result := RetryTransient(ctx, r.retryConfig(ref), func(ctx context.Context) error {
		return r.engine.PullImage(ctx, ref, r.progress)
	})
	if !result.Success {
		r.bus.Emit(events.NewEvent(events.ImageFailed, "").With("ref", ref).WithError(result.LastErr))
		return fmt.Errorf("pull %s (%d attempts): %w", ref, result.Attempts, result.LastErr)
	}

	r.bus.Emit(events.NewEvent(events.ImagePulled, "").With("ref", ref).With("attempts", result.Attempts))
	return nil
}

func (r *Resolver) ensureBuild(ctx context.Context, spec *config.BuildSpec) (string, error) {
	hash, err := identity.BuildHash(spec)
	if err != nil {
		return "", err
	}
	tag := identity.BuildTag(spec.Name, hash)

	present, err := r.engine.ImageExists(ctx, tag)
	if err != nil {
		return "", fmt.Errorf("check image %s: %w", tag, err)
	}
	if present {
		r.logger.Debug("build up to date", "ref", tag)
		r.bus.Emit(events.NewEvent(events.ImagePresent, "").With("ref", tag))
		return tag, nil
	}

	contextDir := config.ResolvePath(spec.Context)
	excludes, err := identity.ContextExcludes(contextDir)
	if err != nil {
		return "", err
	}

	req := engine.BuildRequest{
		Tag:        tag,
		ContextDir: contextDir,
		Dockerfile: config.ResolvePath(spec.Dockerfile),
		Target:     spec.Target,
		Args:       spec.Args,
		Labels: map[string]string{
			identity.LabelManagedBy: identity.ManagedByValue,
			LabelBuildHash:          hash,
		},
		Excludes: excludes,
	}

	r.logger.Info("building image", "ref", tag, "context", contextDir)
	result := RetryTransient(ctx, r.retryConfig(tag), func(ctx context.Context) error {
		return r.engine.BuildImage(ctx, req, r.progress)
	})
	if !result.Success {
		r.bus.Emit(events.NewEvent(events.ImageFailed, "").With("ref", tag).WithError(result.LastErr))
		return "", fmt.Errorf("build %s (%d attempts): %w", tag, result.Attempts, result.LastErr)
	}

	r.bus.Emit(events.NewEvent(events.ImageBuilt, "").With("ref", tag).With("attempts", result.Attempts))
	return tag, nil
}

func (r *Resolver) retryConfig(ref string) RetryConfig {
	cfg := r.retry
	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error) {
		r.logger.Warn("transient image failure, retrying", "ref", ref, "attempt", attempt, "delay", cfg.Delay, "error", err)
		r.bus.Emit(events.NewEvent(events.ImageRetry, "").
			With("ref", ref).
			With("attempt", attempt).
			With("delay", cfg.Delay.String()).
			WithError(err))
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return cfg
}
