// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxcluster/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestInitProviderDisabled(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), config.TelemetryConfig{}, "node-1")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	assert.IsType(t, tracenoop.TracerProvider{}, otel.GetTracerProvider())
	assert.IsType(t, metricnoop.MeterProvider{}, otel.GetMeterProvider())
}

func TestInitProviderMetricsOnly(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.Enabled = true
	cfg.TracesEnabled = false

	// The gRPC exporter connects lazily, so no collector is needed.
	shutdown, err := InitProvider(context.Background(), cfg, "node-1")
	require.NoError(t, err)
	assert.IsType(t, tracenoop.TracerProvider{}, otel.GetTracerProvider())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestShutdownsJoinErrors(t *testing.T) {
	errTrace, errMetric := errors.New("trace flush"), errors.New("metric flush")
	calls := 0
	stop := shutdowns{
		func(context.Context) error { calls++; return errTrace },
		func(context.Context) error { calls++; return nil },
		func(context.Context) error { calls++; return errMetric },
	}

	err := stop.run(context.Background())
	assert.Equal(t, 3, calls, "every provider is shut down")
	assert.ErrorIs(t, err, errTrace)
	assert.ErrorIs(t, err, errMetric)
	assert.NoError(t, shutdowns(nil).run(context.Background()))
}
