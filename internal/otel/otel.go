// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel bootstraps the OpenTelemetry SDK for the node binary.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxcluster/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	apimetric "go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	apitrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	exportTimeout  = 30 * time.Second
	metricInterval = 10 * time.Second
	spanBatchSize  = 512
	spanBatchDelay = 5 * time.Second
)

// ShutdownFunc flushes pending telemetry and stops the exporters.
type ShutdownFunc func(context.Context) error

type shutdowns []ShutdownFunc

func (s shutdowns) run(ctx context.Context) error {
	var errs []error
	for _, fn := range s {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// InitProvider installs the global tracer and meter providers used by the
// cluster client. Disabled signals get noop providers.
func InitProvider(ctx context.Context, cfg config.TelemetryConfig, nodeID string) (ShutdownFunc, error) {
	var (
		tp   apitrace.TracerProvider = tracenoop.NewTracerProvider()
		mp   apimetric.MeterProvider = metricnoop.NewMeterProvider()
		stop shutdowns
	)

	if cfg.Enabled && (cfg.TracesEnabled || cfg.MetricsEnabled) {
		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(nodeID),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}

		if cfg.TracesEnabled {
			sdkTP, err := newTracerProvider(ctx, cfg, res)
			if err != nil {
				return nil, err
			}
			tp = sdkTP
			stop = append(stop, sdkTP.Shutdown)
		}
		if cfg.MetricsEnabled {
			sdkMP, err := newMeterProvider(ctx, cfg, res)
			if err != nil {
				_ = stop.run(ctx)
				return nil, err
			}
			mp = sdkMP
			stop = append(stop, sdkMP.Shutdown)
		}
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	return stop.run, nil
}

// newTracerProvider samples cfg.TraceSampleRate of new traces and follows the
// parent's decision otherwise.
func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.TraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(spanBatchSize),
			trace.WithBatchTimeout(spanBatchDelay),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(metricInterval))),
	), nil
}
