// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/absmach/fluxcluster/cluster/events"
)

// Engine routes channels to target brokers through two ordered sequences of
// mapper contexts, one for subscriptions and one for publications.
//
// Contexts are appended at the tail and removed only from the front, so the
// oldest context is the most established one and the newest is the latest
// migration target. Every subscribe, unsubscribe and publish fans out across
// all contexts of the matching sequence. Connections are shared between
// contexts and closed once no context in either sequence references them.
type Engine struct {
	mu          sync.Mutex
	transport   Transport
	local       SubscriptionSource
	conns       map[string]Conn
	subContexts []*mapperContext
	pubContexts []*mapperContext

	onMessage func(channel string, data json.RawMessage)
	events    events.Sink
	metrics   *Metrics
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMessageHandler sets the handler for data arriving on subscribed channels.
func WithMessageHandler(fn func(channel string, data json.RawMessage)) EngineOption {
	return func(e *Engine) { e.onMessage = fn }
}

// WithEngineEvents sets the sink receiving routing and transport errors.
func WithEngineEvents(sink events.Sink) EngineOption {
	return func(e *Engine) { e.events = sink }
}

// WithEngineMetrics sets the metric instruments.
func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine with empty context sequences.
// local may be nil when the host broker does not expose its subscriptions.
func NewEngine(transport Transport, local SubscriptionSource, opts ...EngineOption) *Engine {
	e := &Engine{
		transport: transport,
		local:     local,
		conns:     make(map[string]Conn),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.events == nil {
		e.events = events.Discard
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.onMessage == nil {
		e.onMessage = func(string, json.RawMessage) {}
	}
	return e
}

// Push appends a mapper context built from targets to the sequence.
// Connections are created for targets not connected yet. A new subscription
// context immediately subscribes every active channel.
func (e *Engine) Push(kind Kind, m Mapper, targets []string) ContextInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	mc := &mapperContext{
		mapper:  m,
		targets: append([]string{}, targets...),
		conns:   make(map[string]Conn, len(targets)),
	}
	for _, uri := range targets {
		conn, ok := e.connect(uri)
		if !ok {
			continue
		}
		mc.conns[uri] = conn
	}

	switch kind {
	case SubContexts:
		mc.subscriptions = make(map[string]struct{})
		e.subContexts = append(e.subContexts, mc)
		for _, channel := range e.activeChannels() {
			e.subscribeWith(mc, channel)
		}
	case PubContexts:
		e.pubContexts = append(e.pubContexts, mc)
	}
	e.metrics.recordContexts(kind, 1)

	e.logger.Debug("mapper context pushed",
		slog.String("context", kind.String()),
		slog.Any("targets", mc.targets),
		slog.Int("contexts", len(*e.sequence(kind))))

	return mc.info(kind)
}

// Shift removes the oldest mapper context of the sequence. For subscription
// contexts, active channels are unsubscribed through the removed context
// first, unless a remaining context still routes them to the same target.
// Connections no longer referenced by any context are then closed.
func (e *Engine) Shift(kind Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shift(kind)
}

func (e *Engine) shift(kind Kind) {
	seq := e.sequence(kind)
	if len(*seq) == 0 {
		return
	}

	var active []string
	if kind == SubContexts {
		active = e.activeChannels()
	}

	old := (*seq)[0]
	(*seq)[0] = nil
	*seq = (*seq)[1:]
	e.metrics.recordContexts(kind, -1)

	for _, channel := range active {
		e.unsubscribeWith(old, channel)
	}
	e.disposeUnused()

	e.logger.Debug("mapper context shifted",
		slog.String("context", kind.String()),
		slog.Any("targets", old.targets),
		slog.Int("contexts", len(*seq)))
}

// Reset removes every context of both sequences, oldest first.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.pubContexts) > 0 {
		e.shift(PubContexts)
	}
	for len(e.subContexts) > 0 {
		e.shift(SubContexts)
	}
}

// Subscribe subscribes the channel through every subscription context.
func (e *Engine) Subscribe(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, mc := range e.subContexts {
		e.subscribeWith(mc, channel)
	}
}

// Unsubscribe unsubscribes the channel through every subscription context.
func (e *Engine) Unsubscribe(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, mc := range e.subContexts {
		e.unsubscribeWith(mc, channel)
	}
}

// Publish forwards data on the channel through every publication context.
// A context without a matching target does not stop the others.
func (e *Engine) Publish(channel string, data json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, mc := range e.pubContexts {
		target, conn, ok := mc.resolve(channel)
		if !ok {
			e.routingError(PubContexts, "publish", channel, target)
			continue
		}
		if err := conn.Publish(channel, data); err != nil {
			e.events.Emit(events.TransportError{URI: target, ChannelName: channel, Err: err})
			continue
		}
		e.metrics.recordPublished(PubContexts)
	}
}

// ActiveChannels returns the channels subscribed through any subscription
// context connection, followed by local broker channels not covered yet.
func (e *Engine) ActiveChannels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeChannels()
}

func (e *Engine) activeChannels() []string {
	visited := make(map[string]struct{})
	seen := make(map[string]struct{})
	channels := []string{}

	for _, mc := range e.subContexts {
		for _, uri := range mc.targets {
			conn, ok := mc.conns[uri]
			if !ok {
				continue
			}
			if _, ok := visited[uri]; ok {
				continue
			}
			visited[uri] = struct{}{}
			for _, channel := range conn.Subscriptions() {
				if _, ok := seen[channel]; ok {
					continue
				}
				seen[channel] = struct{}{}
				channels = append(channels, channel)
			}
		}
	}

	if e.local == nil {
		return channels
	}
	for _, subs := range e.local.Subscriptions() {
		for _, channel := range subs {
			if _, ok := seen[channel]; ok {
				continue
			}
			seen[channel] = struct{}{}
			channels = append(channels, channel)
		}
	}
	return channels
}

// Len returns the number of contexts in the sequence.
func (e *Engine) Len(kind Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(*e.sequence(kind))
}

// Targets returns the target lists of the sequence, oldest first.
func (e *Engine) Targets(kind Kind) [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := *e.sequence(kind)
	out := make([][]string, len(seq))
	for i, mc := range seq {
		out[i] = append([]string{}, mc.targets...)
	}
	return out
}

// Connections returns the URIs of the open target connections.
func (e *Engine) Connections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.conns))
	for uri := range e.conns {
		out = append(out, uri)
	}
	return out
}

// Close removes every context and closes every connection.
func (e *Engine) Close() {
	e.Reset()
}

func (e *Engine) sequence(kind Kind) *[]*mapperContext {
	if kind == PubContexts {
		return &e.pubContexts
	}
	return &e.subContexts
}

// connect returns the shared connection for uri, creating it if needed.
func (e *Engine) connect(uri string) (Conn, bool) {
	if conn, ok := e.conns[uri]; ok {
		return conn, true
	}
	ep, err := ParseEndpoint(uri)
	if err != nil {
		e.events.Emit(events.TransportError{URI: uri, Err: err})
		return nil, false
	}

	conn := e.transport.Connect(ep)
	conn.OnError(func(err error) {
		e.events.Emit(events.TransportError{URI: uri, Err: err})
	})
	e.conns[uri] = conn
	e.metrics.recordConnections(1)

	e.logger.Info("target connection created", slog.String("target", uri))
	return conn, true
}

func (e *Engine) subscribeWith(mc *mapperContext, channel string) {
	target, conn, ok := mc.resolve(channel)
	if !ok {
		e.routingError(SubContexts, "subscribe", channel, target)
		return
	}
	if err := conn.Subscribe(channel); err != nil {
		e.events.Emit(events.TransportError{URI: target, ChannelName: channel, Err: err})
		return
	}
	mc.subscriptions[channel] = struct{}{}

	if !conn.Watching(channel) {
		conn.Watch(channel, func(data json.RawMessage) {
			e.onMessage(channel, data)
		})
	}
}

// unsubscribeWith drops the channel from the context. The network
// unsubscribe happens only if no other subscription context still routes the
// channel to the same target.
func (e *Engine) unsubscribeWith(mc *mapperContext, channel string) {
	target, conn, ok := mc.resolve(channel)
	delete(mc.subscriptions, channel)
	if !ok {
		e.routingError(SubContexts, "unsubscribe", channel, target)
		return
	}

	for _, other := range e.subContexts {
		if other == mc {
			continue
		}
		if _, ok := other.subscriptions[channel]; !ok {
			continue
		}
		if other.mapper.Select(channel, other.targets) == target {
			return
		}
	}

	if err := conn.Unsubscribe(channel); err != nil {
		e.events.Emit(events.TransportError{URI: target, ChannelName: channel, Err: err})
	}
	conn.Unwatch(channel)
}

// disposeUnused closes connections that no context references anymore.
func (e *Engine) disposeUnused() {
	for uri, conn := range e.conns {
		if e.referenced(uri) {
			continue
		}
		conn.Disconnect()
		delete(e.conns, uri)
		e.metrics.recordConnections(-1)
		e.logger.Info("target connection closed", slog.String("target", uri))
	}
}

func (e *Engine) referenced(uri string) bool {
	for _, mc := range e.subContexts {
		if mc.references(uri) {
			return true
		}
	}
	for _, mc := range e.pubContexts {
		if mc.references(uri) {
			return true
		}
	}
	return false
}

func (e *Engine) routingError(kind Kind, op, channel, target string) {
	e.metrics.recordRoutingError(kind, op)
	e.events.Emit(events.RoutingError{
		ChannelName: channel,
		Target:      target,
		Context:     kind.String(),
		Op:          op,
		Err:         noMatchingTarget(channel),
	})
}
