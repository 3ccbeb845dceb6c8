// Package telemetry installs the OpenTelemetry meter provider and records
// per-cycle sync metrics.
//
// Telemetry is off by default; Init then installs a no-op provider. When
// enabled, metrics are written by the stdout exporter on a fixed interval.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationScope = "github.com/JonMunkholm/sheetsync"

// Config controls the meter provider.
type Config struct {
	Enabled     bool
	Interval    time.Duration
	ServiceName string
	Version     string
	Writer      io.Writer // stdout exporter destination; nil means stdout
}

// Provider owns the installed meter provider.
type Provider struct {
	mp       metric.MeterProvider
	shutdown func(context.Context) error
}

// Init builds the meter provider and installs it globally.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := metricnoop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return &Provider{mp: mp, shutdown: func(context.Context) error { return nil }}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	var expOpts []stdoutmetric.Option
	if cfg.Writer != nil {
		expOpts = append(expOpts, stdoutmetric.WithWriter(cfg.Writer))
	}
	exp, err := stdoutmetric.New(expOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp, shutdown: mp.Shutdown}, nil
}

// Meter returns a meter scoped to this module.
func (p *Provider) Meter() metric.Meter {
	return p.mp.Meter(instrumentationScope)
}

// Shutdown flushes pending metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
