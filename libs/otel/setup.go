package otelx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Enabled       bool          `envconfig:"OTEL_ENABLED" default:"false"`
	Endpoint      string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"otel-collector:4317"`
	SampleRatio   float64       `envconfig:"OTEL_SAMPLING_RATIO" default:"1"`
	Environment   string        `envconfig:"DEPLOY_ENV" default:"local"`
	ExportTimeout time.Duration `envconfig:"OTEL_EXPORT_TIMEOUT" default:"3s"`

	ServiceName string `ignored:"true"`
}

// LoadConfig reads the OTEL_* variables for service.
func LoadConfig(service string) (Config, error) {
	cfg := Config{ServiceName: service}
	if err := config.Load("", &cfg); err != nil {
		return Config{}, err
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return Config{}, fmt.Errorf("OTEL_SAMPLING_RATIO must be within [0,1] (got %v)", cfg.SampleRatio)
	}
	cfg.Endpoint = grpcEndpoint(cfg.Endpoint)
	return cfg, nil
}

// grpcEndpoint accepts the URL form collectors are usually configured with and
// returns the host:port the gRPC exporter expects.
func grpcEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, scheme := range []string{"http://", "https://", "grpc://"} {
		raw = strings.TrimPrefix(raw, scheme)
	}
	return strings.TrimRight(raw, "/")
}

// Setup installs the W3C propagators and, when enabled, a batching tracer
// provider exporting to the collector. The returned func flushes pending spans.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s: %w", cfg.Endpoint, err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer is a no-op until Setup installs a provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
