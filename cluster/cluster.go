// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
)

// Transport opens links to sibling broker instances.
type Transport interface {
	// Connect returns a connection to the endpoint. It must not block:
	// the connection is established, and re-established, in the background.
	Connect(ep Endpoint) Conn
}

// Conn is one persistent link to a sibling broker instance.
// It is shared by every mapper context that references its URI.
type Conn interface {
	// URI returns the target URI the connection was created for.
	URI() string

	// Subscribe subscribes to the channel. Subscribing twice has no
	// additional network effect.
	Subscribe(channel string) error

	// Unsubscribe drops the channel subscription.
	Unsubscribe(channel string) error

	// Watch registers the handler for inbound data on the channel.
	// At most one handler is kept per channel; re-registration is a no-op.
	Watch(channel string, handler func(data json.RawMessage))

	// Unwatch removes the channel handler.
	Unwatch(channel string)

	// Watching reports whether a handler is registered for the channel.
	Watching(channel string) bool

	// Subscriptions returns the channels currently subscribed, pending ones included.
	Subscriptions() []string

	// Publish sends data on the channel.
	Publish(channel string, data json.RawMessage) error

	// Disconnect closes the link and forgets its subscriptions.
	Disconnect()

	// OnError registers a handler for transport level errors.
	OnError(handler func(err error))
}

// StateSocket is the link to the state-coordination service.
type StateSocket interface {
	// Emit sends an event and waits for its acknowledgement.
	Emit(ctx context.Context, event string, data any) (json.RawMessage, error)

	// On registers the handler for an event pushed by the server.
	// A nil error from the handler acknowledges the event.
	On(event string, handler func(data json.RawMessage) error)

	// OnConnect registers a handler invoked on every (re)connect.
	OnConnect(handler func())

	// OnError registers a handler for socket errors.
	OnError(handler func(err error))

	Close() error
}

// State server protocol events.
const (
	EventClientJoinCluster    = "clientJoinCluster"
	EventServerJoinCluster    = "serverJoinCluster"
	EventServerLeaveCluster   = "serverLeaveCluster"
	EventClientSetState       = "clientSetState"
	EventClientStatesConverge = "clientStatesConverge"
)

// SubscriptionSource reports the channels the local broker currently holds.
// Keys are local identifiers (worker, client), values are channel names.
type SubscriptionSource interface {
	Subscriptions() map[string][]string
}

// LocalBroker is the broker process hosting the cluster client.
type LocalBroker interface {
	SubscriptionSource

	// NodeID returns the stable identifier of this broker instance.
	NodeID() string

	// Deliver publishes a message relayed from the cluster to local subscribers.
	// It must not emit a publish event back to the listener.
	Deliver(channel string, payload json.RawMessage) error

	// Listen registers the listener for local subscribe, unsubscribe and publish events.
	Listen(l BrokerListener)
}

// BrokerListener receives local broker events.
type BrokerListener interface {
	OnSubscribe(channel string)
	OnUnsubscribe(channel string)
	OnPublish(channel string, payload json.RawMessage)
}

// NodeInfo is sent to the state server when joining the cluster.
type NodeInfo struct {
	InstanceID       string `json:"instanceId"`
	InstanceIP       string `json:"instanceIp,omitempty"`
	InstanceIPFamily string `json:"instanceIpFamily,omitempty"`
}

// Router is the part of the Engine the Coordinator drives.
type Router interface {
	Push(kind Kind, m Mapper, targets []string) ContextInfo
	Shift(kind Kind)
	Len(kind Kind) int
	Reset()
}

var _ Router = (*Engine)(nil)
