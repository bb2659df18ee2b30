// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/fluxcluster/cluster"

// Metrics holds OpenTelemetry instruments for the cluster client.
type Metrics struct {
	// Counters
	relayPublished metric.Int64Counter
	relayDelivered metric.Int64Counter
	relayDuplicate metric.Int64Counter
	routingErrors  metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsActive metric.Int64UpDownCounter
	contextsActive    metric.Int64UpDownCounter
}

// NewMetrics creates the instruments from the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFromMeter(otel.Meter(instrumentationName))
}

// NewMetricsFromMeter creates the instruments from the given meter.
func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.relayPublished, err = meter.Int64Counter(
		"fluxcluster.relay.published",
		metric.WithDescription("Packets relayed to target brokers, per mapper context"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relayPublished counter: %w", err)
	}

	m.relayDelivered, err = meter.Int64Counter(
		"fluxcluster.relay.delivered",
		metric.WithDescription("Relayed messages delivered to the local broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relayDelivered counter: %w", err)
	}

	m.relayDuplicate, err = meter.Int64Counter(
		"fluxcluster.relay.duplicates",
		metric.WithDescription("Relayed batches suppressed as duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relayDuplicate counter: %w", err)
	}

	m.routingErrors, err = meter.Int64Counter(
		"fluxcluster.routing.errors",
		metric.WithDescription("Channels that could not be routed through a mapper context"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create routingErrors counter: %w", err)
	}

	m.connectionsActive, err = meter.Int64UpDownCounter(
		"fluxcluster.connections.active",
		metric.WithDescription("Open connections to target brokers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsActive counter: %w", err)
	}

	m.contextsActive, err = meter.Int64UpDownCounter(
		"fluxcluster.contexts.active",
		metric.WithDescription("Mapper contexts currently in place"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create contextsActive counter: %w", err)
	}

	return m, nil
}

// All record methods are nil-safe so components can run without metrics.

func (m *Metrics) recordPublished(kind Kind) {
	if m == nil {
		return
	}
	m.relayPublished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("context", kind.String())))
}

func (m *Metrics) recordDelivered(n int) {
	if m == nil {
		return
	}
	m.relayDelivered.Add(context.Background(), int64(n))
}

func (m *Metrics) recordDuplicate() {
	if m == nil {
		return
	}
	m.relayDuplicate.Add(context.Background(), 1)
}

func (m *Metrics) recordRoutingError(kind Kind, op string) {
	if m == nil {
		return
	}
	m.routingErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("context", kind.String()),
		attribute.String("op", op),
	))
}

func (m *Metrics) recordConnections(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.connectionsActive.Add(context.Background(), int64(delta))
}

func (m *Metrics) recordContexts(kind Kind, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.contextsActive.Add(context.Background(), int64(delta), metric.WithAttributes(attribute.String("context", kind.String())))
}
