// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker provides an in-memory channel broker that hosts a cluster
// client. Local clients subscribe and publish on channels; the cluster
// client is notified through the registered listener.
package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/fluxcluster/cluster"
)

var (
	ErrEmptyChannel  = errors.New("channel name is empty")
	ErrEmptyClientID = errors.New("client id is empty")
)

// Handler receives messages published on a subscribed channel.
type Handler func(channel string, payload json.RawMessage)

// Broker is an in-memory channel broker.
type Broker struct {
	nodeID string
	logger *slog.Logger
	stats  *Stats

	// notifyMu orders listener notifications with the state changes that
	// caused them.
	notifyMu sync.Mutex

	mu       sync.RWMutex
	clients  map[string]map[string]Handler // client id -> channel -> handler
	channels map[string]int                // channel -> subscriber count
	listener cluster.BrokerListener
}

var _ cluster.LocalBroker = (*Broker)(nil)

// New returns a broker identified by nodeID.
func New(nodeID string, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		nodeID:   nodeID,
		logger:   logger,
		stats:    NewStats(),
		clients:  make(map[string]map[string]Handler),
		channels: make(map[string]int),
	}
}

// NodeID implements cluster.LocalBroker.
func (b *Broker) NodeID() string {
	return b.nodeID
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Listen implements cluster.LocalBroker.
func (b *Broker) Listen(l cluster.BrokerListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

// Subscribe registers the client on the channel. The listener is notified
// when the channel gets its first subscriber.
func (b *Broker) Subscribe(clientID, channel string, h Handler) error {
	if clientID == "" {
		return ErrEmptyClientID
	}
	if channel == "" {
		return ErrEmptyChannel
	}

	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	subs, ok := b.clients[clientID]
	if !ok {
		subs = make(map[string]Handler)
		b.clients[clientID] = subs
	}
	_, existed := subs[channel]
	subs[channel] = h
	first := false
	if !existed {
		b.channels[channel]++
		first = b.channels[channel] == 1
		b.stats.IncrementSubscriptions()
	}
	l := b.listener
	b.mu.Unlock()

	if first {
		b.logger.Debug("channel subscribed", slog.String("channel", channel))
		if l != nil {
			l.OnSubscribe(channel)
		}
	}
	return nil
}

// Unsubscribe removes the client from the channel. The listener is notified
// when the channel loses its last subscriber.
func (b *Broker) Unsubscribe(clientID, channel string) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	last := b.removeLocked(clientID, channel)
	l := b.listener
	b.mu.Unlock()

	if last {
		b.logger.Debug("channel unsubscribed", slog.String("channel", channel))
		if l != nil {
			l.OnUnsubscribe(channel)
		}
	}
}

// Disconnect removes every subscription of the client.
func (b *Broker) Disconnect(clientID string) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	var emptied []string
	for channel := range b.clients[clientID] {
		if b.removeLocked(clientID, channel) {
			emptied = append(emptied, channel)
		}
	}
	l := b.listener
	b.mu.Unlock()

	sort.Strings(emptied)
	for _, channel := range emptied {
		if l != nil {
			l.OnUnsubscribe(channel)
		}
	}
}

func (b *Broker) removeLocked(clientID, channel string) bool {
	subs, ok := b.clients[clientID]
	if !ok {
		return false
	}
	if _, ok := subs[channel]; !ok {
		return false
	}
	delete(subs, channel)
	if len(subs) == 0 {
		delete(b.clients, clientID)
	}
	b.stats.DecrementSubscriptions()

	b.channels[channel]--
	if b.channels[channel] > 0 {
		return false
	}
	delete(b.channels, channel)
	return true
}

// Publish delivers the payload to local subscribers and hands it to the
// listener for relaying.
func (b *Broker) Publish(channel string, payload json.RawMessage) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	b.stats.IncrementPublishReceived()
	b.deliver(channel, payload)

	b.mu.RLock()
	l := b.listener
	b.mu.RUnlock()
	if l != nil {
		l.OnPublish(channel, payload)
	}
	return nil
}

// Deliver implements cluster.LocalBroker. Relayed messages reach local
// subscribers only and are never handed back to the listener.
func (b *Broker) Deliver(channel string, payload json.RawMessage) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	b.stats.IncrementRelayedIn()
	b.deliver(channel, payload)
	return nil
}

func (b *Broker) deliver(channel string, payload json.RawMessage) {
	b.mu.RLock()
	var handlers []Handler
	for _, subs := range b.clients {
		if h, ok := subs[channel]; ok && h != nil {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.stats.IncrementDropped()
		return
	}
	for _, h := range handlers {
		h(channel, payload)
	}
	b.stats.AddMessagesSent(len(handlers))
}

// Subscriptions implements cluster.SubscriptionSource. Channel lists are sorted.
func (b *Broker) Subscriptions() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]string, len(b.clients))
	for clientID, subs := range b.clients {
		channels := make([]string, 0, len(subs))
		for channel := range subs {
			channels = append(channels, channel)
		}
		sort.Strings(channels)
		out[clientID] = channels
	}
	return out
}

// Channels returns the channels with at least one local subscriber, sorted.
func (b *Broker) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.channels))
	for channel := range b.channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}
