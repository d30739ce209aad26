// Package telemetry installs the OpenTelemetry tracer provider that records
// control-channel spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TraceFileName is written under Config.Dir when no Output is given.
const TraceFileName = "trace.jsonl"

// ServiceName identifies reqflow spans.
const ServiceName = "reqflow"

// Config selects where spans go.
type Config struct {
	// Output receives one JSON document per span. When nil, spans are appended
	// to Dir/trace.jsonl.
	Output io.Writer
	Dir    string
	// ServiceVersion is recorded on the resource.
	ServiceVersion string
	// Sync exports every span as it ends instead of batching.
	Sync bool
}

// Provider owns the installed tracer provider.
type Provider struct {
	tp   *sdktrace.TracerProvider
	file *os.File
}

// Init builds a tracer provider exporting to cfg and installs it as the
// global provider.
func Init(cfg Config) (*Provider, error) {
	p := &Provider{}
	out := cfg.Output
	if out == nil {
		dir := cfg.Dir
		if dir == "" {
			dir = os.TempDir()
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, TraceFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		out, p.file = f, f
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		p.closeFile()
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Sync {
		opts = append(opts, sdktrace.WithSyncer(exp))
	} else {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	p.tp = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tp)
	return p, nil
}

// Shutdown flushes pending spans and releases the trace file.
func (p *Provider) Shutdown(ctx context.Context) error {
	err := p.tp.Shutdown(ctx)
	return errors.Join(err, p.closeFile())
}

func (p *Provider) closeFile() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
