// Package otel owns the OpenTelemetry log pipeline of the process.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rentmap/mapcluster/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ErrNoExporter is returned when OTel is enabled without any log sink.
var ErrNoExporter = errors.New("otel enabled but no log writer or endpoint configured")

// Config holds OTel configuration
type Config struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	LogWriter    io.Writer // OTel log records as pretty JSON, optional if Endpoint is set
	Endpoint     string    // OTLP/HTTP endpoint
	Insecure     bool
}

// FromConfig builds a Config from the loaded settings, sending file records
// to w.
func FromConfig(c config.OTelConfig, w io.Writer) Config {
	return Config{
		Enabled:      c.Enabled,
		ServiceName:  c.ServiceName,
		BatchTimeout: c.BatchTimeout,
		LogWriter:    w,
		Endpoint:     c.Endpoint,
		Insecure:     c.Insecure,
	}
}

// Provider manages the OpenTelemetry log provider. A disabled provider is
// valid and every method on it is a no-op.
type Provider struct {
	logProvider *sdklog.LoggerProvider
	config      Config
}

// New creates a new OTel provider with the given configuration.
func New(cfg Config) (*Provider, error) {
	p := &Provider{config: cfg}
	if !cfg.Enabled {
		return p, nil
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	ctx := context.Background()

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporters []sdklog.Exporter
	if cfg.LogWriter != nil {
		exp, err := stdoutlog.New(stdoutlog.WithWriter(cfg.LogWriter), stdoutlog.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create file log exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	if cfg.Endpoint != "" {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		exp, err := otlploghttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	if len(exporters) == 0 {
		return nil, ErrNoExporter
	}

	opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	for _, exp := range exporters {
		opts = append(opts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exp,
			sdklog.WithExportTimeout(cfg.BatchTimeout),
		)))
	}
	p.logProvider = sdklog.NewLoggerProvider(opts...)

	return p, nil
}

// LoggerProvider returns the log provider for the otelslog bridge, or nil
// when OTel is disabled.
func (p *Provider) LoggerProvider() *sdklog.LoggerProvider {
	if p == nil {
		return nil
	}
	return p.logProvider
}

// Meter returns a meter from the global provider. Pipeline instruments are
// exported through Prometheus, so no OTel metric exporter is installed here.
func (p *Provider) Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Flush forces a flush of all pending logs, e.g. before a replay exits.
func (p *Provider) Flush(ctx context.Context) error {
	if p == nil || p.logProvider == nil {
		return nil
	}
	if err := p.logProvider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("log flush failed: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the log provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.logProvider == nil {
		return nil
	}
	if err := p.logProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("log shutdown failed: %w", err)
	}
	return nil
}

// Enabled returns whether OTel is enabled
func (p *Provider) Enabled() bool {
	return p != nil && p.config.Enabled
}
