// Package telemetry wires OpenTelemetry tracing for a berth invocation.
// Spans are exported as JSON to a file when tracing is enabled; otherwise a
// no-op tracer is used.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/RevCBH/berth"

// Config controls span export.
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string

	// File receives spans as JSON. Empty means stderr.
	File string

	// Writer overrides File; used by tests.
	Writer io.Writer
}

// Provider owns the tracer provider and the export destination.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	closer         io.Closer
	shutdownOnce   sync.Once
}

// Setup initialises tracing following cfg.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}, nil
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "berth"
	}

	p := &Provider{}
	w := cfg.Writer
	if w == nil {
		if cfg.File == "" {
			w = os.Stderr
		} else {
			if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
				return nil, fmt.Errorf("create trace dir: %w", err)
			}
			f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open trace file: %w", err)
			}
			w = f
			p.closer = f
		}
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("init trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithMaxExportBatchSize(64)),
		sdktrace.WithResource(res),
	)
	p.tracer = p.tracerProvider.Tracer(instrumentationName)
	return p, nil
}

// Tracer returns the tracer spans should be started from. A nil provider
// yields a no-op tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return p.tracer
}

// Shutdown flushes pending spans and closes the export file.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var err error
	p.shutdownOnce.Do(func() {
		var errs []error
		if p.tracerProvider != nil {
			if shutdownErr := p.tracerProvider.Shutdown(ctx); shutdownErr != nil {
				errs = append(errs, shutdownErr)
			}
		}
		if p.closer != nil {
			if closeErr := p.closer.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
