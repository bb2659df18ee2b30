// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxcluster/cluster/events"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMessageCacheDuration is how long relayed batch ids are remembered.
const DefaultMessageCacheDuration = 10 * time.Second

// Config holds the cluster client settings.
type Config struct {
	// NodeID identifies this broker in relayed packets. Empty means the
	// local broker's NodeID is used.
	NodeID           string
	InstanceIP       string
	InstanceIPFamily string

	RetryDelay           time.Duration
	AckTimeout           time.Duration
	MessageCacheDuration time.Duration
	// BatchWindow coalesces outbound publications per channel. Zero disables batching.
	BatchWindow time.Duration
	// ConvergenceTimeout makes the node re-join when a membership change does
	// not converge in time. Zero disables it.
	ConvergenceTimeout time.Duration

	Clock clockwork.Clock
}

// Client attaches a local broker to the cluster. It relays local
// publications to the target brokers, delivers relayed messages locally
// and keeps the routing in step with cluster membership.
type Client struct {
	cfg        Config
	nodeID     string
	local      LocalBroker
	engine     *Engine
	coord      *Coordinator
	dedup      *dedupCache
	batcher    *channelBatcher[json.RawMessage]
	batchSched *scheduler

	events  events.Sink
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger shared by the client components.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithEvents sets the sink receiving every cluster event.
func WithEvents(sink events.Sink) Option {
	return func(c *Client) { c.events = sink }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClientTracer sets the tracer used by the coordinator.
func WithClientTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New creates a cluster client for the local broker. Nothing is started
// until Start is called.
func New(cfg Config, local LocalBroker, transport Transport, state StateSocket, opts ...Option) (*Client, error) {
	if local == nil {
		return nil, fmt.Errorf("%w: local broker is required", ErrInvalidConfig)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: state socket is required", ErrInvalidConfig)
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MessageCacheDuration <= 0 {
		cfg.MessageCacheDuration = DefaultMessageCacheDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	c := &Client{
		cfg:    cfg,
		nodeID: cfg.NodeID,
		local:  local,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.events == nil {
		c.events = events.Discard
	}
	if c.nodeID == "" {
		c.nodeID = local.NodeID()
	}

	c.engine = NewEngine(transport, local,
		WithMessageHandler(c.handleMessage),
		WithEngineEvents(c.events),
		WithEngineMetrics(c.metrics),
		WithEngineLogger(c.logger),
	)

	c.dedup = newDedupCache(cfg.MessageCacheDuration, newScheduler(cfg.Clock))
	c.batchSched = newScheduler(cfg.Clock)
	c.batcher = newChannelBatcher(cfg.BatchWindow, c.batchSched, c.logger, c.relay)

	info := NodeInfo{
		InstanceID:       c.nodeID,
		InstanceIP:       cfg.InstanceIP,
		InstanceIPFamily: cfg.InstanceIPFamily,
	}
	c.coord = NewCoordinator(c.engine, state, info,
		WithRetryDelay(cfg.RetryDelay),
		WithAckTimeout(cfg.AckTimeout),
		WithConvergenceTimeout(cfg.ConvergenceTimeout),
		WithClock(cfg.Clock),
		WithResetHook(c.dedup.Reset),
		WithCoordinatorEvents(c.events),
		WithCoordinatorLogger(c.logger),
		WithTracer(c.tracer),
	)

	return c, nil
}

// Start registers the client on the local broker and on the state socket.
func (c *Client) Start() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.local.Listen(c)
	c.coord.Start()

	c.logger.Info("cluster client started",
		slog.String("node_id", c.nodeID),
		slog.Duration("batch_window", c.cfg.BatchWindow))
	return nil
}

// Close flushes buffered publications and releases every connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.batcher.Flush()
		c.batchSched.Stop()
		c.coord.Close()
		c.engine.Close()
		c.dedup.Close()
		c.logger.Info("cluster client stopped", slog.String("node_id", c.nodeID))
	})
	return nil
}

// Engine returns the routing engine.
func (c *Client) Engine() *Engine {
	return c.engine
}

// Coordinator returns the convergence coordinator.
func (c *Client) Coordinator() *Coordinator {
	return c.coord
}

// NodeID returns the id stamped on outbound packets.
func (c *Client) NodeID() string {
	return c.nodeID
}

// OnSubscribe implements BrokerListener.
func (c *Client) OnSubscribe(channel string) {
	if c.closed.Load() {
		return
	}
	c.engine.Subscribe(channel)
}

// OnUnsubscribe implements BrokerListener.
func (c *Client) OnUnsubscribe(channel string) {
	if c.closed.Load() {
		return
	}
	c.engine.Unsubscribe(channel)
}

// OnPublish implements BrokerListener.
func (c *Client) OnPublish(channel string, payload json.RawMessage) {
	if c.closed.Load() {
		return
	}
	c.batcher.Add(channel, payload)
}

// relay wraps messages into one packet and publishes it to the cluster.
func (c *Client) relay(channel string, messages []json.RawMessage) {
	data, err := NewPacket(c.nodeID, messages).Encode()
	if err != nil {
		c.logger.Error("failed to encode cluster packet",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		return
	}
	c.engine.Publish(channel, data)
}

func (c *Client) handleMessage(channel string, data json.RawMessage) {
	p, err := DecodePacket(data)
	if err != nil {
		c.events.Emit(events.DecodeError{ChannelName: channel, Err: err})
		return
	}
	if c.nodeID != "" && p.From(c.nodeID) {
		return
	}
	if len(p.Messages) == 0 {
		return
	}

	if p.ID != "" && c.dedup.Observe(p.ID) {
		c.metrics.recordDuplicate()
		c.events.Emit(events.DuplicateSuppressed{ChannelName: channel, BatchID: p.ID})
		return
	}

	delivered := 0
	for _, msg := range p.Messages {
		if err := c.local.Deliver(channel, msg); err != nil {
			c.logger.Warn("failed to deliver relayed message",
				slog.String("channel", channel),
				slog.String("error", err.Error()))
			continue
		}
		delivered++
	}
	c.metrics.recordDelivered(delivered)
}

var _ BrokerListener = (*Client)(nil)
