package hub

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig selects the span exporter wrapping each scheduling pass,
// lease acquisition, and mode transition.
type TracingConfig struct {
	Enabled bool
	// Exporter is "stdout" or "none"; "stdout" is the boring default (no
	// external collector required).
	Exporter string
}

// DefaultTracingConfig disables tracing. hub.New builds the tracer from
// Config.Tracing; cmd/loom-hub has no flag that enables it.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{Enabled: false, Exporter: "stdout"}
}

type tracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func newTracerProvider(cfg TracingConfig) (*tracerProvider, error) {
	if !cfg.Enabled {
		noopProvider := noop.NewTracerProvider()
		return &tracerProvider{tracer: noopProvider.Tracer("noop")}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "stdout", "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
	case "none":
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}

	res := resource.NewSchemaless(attribute.String("service.name", "loom-hub"))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &tracerProvider{provider: provider, tracer: provider.Tracer("loom-hub")}, nil
}

func (p *tracerProvider) Tracer() trace.Tracer { return p.tracer }

func (p *tracerProvider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
