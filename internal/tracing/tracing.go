// Package tracing wires the OTLP trace exporter. The provider is a
// lifecycle component; when disabled it installs nothing and the global
// no-op tracer stays in place.
package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/corekeeper/ckcore/internal/logging"
)

const exporterDialTimeout = 5 * time.Second

// Config selects the OTLP gRPC endpoint and its transport security.
type Config struct {
	Enabled     bool
	Endpoint    string
	TLSCAPath   string
	TLSInsecure bool
}

// Provider owns the tracer provider for the process.
type Provider struct {
	tp      *sdktrace.TracerProvider
	log     *logging.Logger
	enabled bool
}

// NewProvider builds the provider and, when enabled, installs it as the
// global tracer provider.
func NewProvider(cfg Config) (*Provider, error) {
	log := logging.GetLogger("tracing")
	if !cfg.Enabled {
		return &Provider{log: log}, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing enabled but no endpoint configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	switch {
	case cfg.TLSInsecure:
		creds := credentials.NewTLS(&tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		})
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
		log.Warn("tracing exporter skips TLS certificate verification")
	case cfg.TLSCAPath != "":
		pem, err := os.ReadFile(cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("reading tracing CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tracing CA %s holds no usable certificates", cfg.TLSCAPath)
		}
		creds := credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
	default:
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("building OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("ckcore"),
	))
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	log.Info("tracing enabled, exporting to %s", cfg.Endpoint)
	return &Provider{tp: tp, log: log, enabled: true}, nil
}

// Start implements lifecycle.Component.
func (p *Provider) Start(ctx context.Context) error { return nil }

// Stop flushes buffered spans.
func (p *Provider) Stop(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Name implements lifecycle.Component.
func (p *Provider) Name() string { return "tracing" }

// Tracer returns a tracer from the installed provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p.enabled }
