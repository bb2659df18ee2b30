// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package clustertest provides in-memory sibling brokers and a state server
// for testing cluster clients without a network.
package clustertest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/absmach/fluxcluster/cluster"
)

// ErrUnavailable is returned by connections to a server that is down.
var ErrUnavailable = errors.New("server unavailable")

// Publication is a message received by a Server.
type Publication struct {
	Channel string
	Data    json.RawMessage
}

// Network is an in-memory cluster.Transport. Every URI maps to one Server,
// created on first use. Delivery is synchronous.
type Network struct {
	mu      sync.Mutex
	servers map[string]*Server
	dialed  []string
}

var _ cluster.Transport = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{servers: make(map[string]*Server)}
}

// Server returns the server for uri, creating it if needed.
func (n *Network) Server(uri string) *Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.serverLocked(uri)
}

func (n *Network) serverLocked(uri string) *Server {
	s, ok := n.servers[uri]
	if !ok {
		s = &Server{
			URI:         uri,
			subscribers: make(map[string]map[*Conn]struct{}),
		}
		n.servers[uri] = s
	}
	return s
}

// Connect implements cluster.Transport.
func (n *Network) Connect(ep cluster.Endpoint) cluster.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.dialed = append(n.dialed, ep.URI)
	s := n.serverLocked(ep.URI)
	c := &Conn{
		uri:      ep.URI,
		server:   s,
		watchers: make(map[string]func(json.RawMessage)),
	}
	s.addConn(c)
	return c
}

// Dialed returns every URI passed to Connect, in call order.
func (n *Network) Dialed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.dialed...)
}

// Server is a sibling broker that fans published data out to subscribed connections.
type Server struct {
	URI string

	mu          sync.Mutex
	down        bool
	conns       []*Conn
	subscribers map[string]map[*Conn]struct{}
	published   []Publication
}

func (s *Server) addConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = append(s.conns, c)
}

// SetDown makes subscribe and publish requests fail while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Published returns every publication received, in order.
func (s *Server) Published() []Publication {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Publication{}, s.published...)
}

// PublishedOn returns the data published on the channel, in order.
func (s *Server) PublishedOn(channel string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []json.RawMessage
	for _, p := range s.published {
		if p.Channel == channel {
			out = append(out, p.Data)
		}
	}
	return out
}

// Subscribers returns the number of connections subscribed to the channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[channel])
}

// OpenConns returns the connections that were not disconnected.
func (s *Server) OpenConns() []*Conn {
	s.mu.Lock()
	conns := append([]*Conn{}, s.conns...)
	s.mu.Unlock()

	var out []*Conn
	for _, c := range conns {
		if !c.Disconnected() {
			out = append(out, c)
		}
	}
	return out
}

// Publish publishes data to the subscribed connections, as a sibling
// broker does for its own clients.
func (s *Server) Publish(channel string, data json.RawMessage) error {
	return s.publish(channel, data)
}

func (s *Server) subscribe(c *Conn, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return ErrUnavailable
	}
	subs, ok := s.subscribers[channel]
	if !ok {
		subs = make(map[*Conn]struct{})
		s.subscribers[channel] = subs
	}
	subs[c] = struct{}{}
	return nil
}

func (s *Server) unsubscribe(c *Conn, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subscribers[channel], c)
	if len(s.subscribers[channel]) == 0 {
		delete(s.subscribers, channel)
	}
}

func (s *Server) publish(channel string, data json.RawMessage) error {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.published = append(s.published, Publication{Channel: channel, Data: data})
	targets := make([]*Conn, 0, len(s.subscribers[channel]))
	for c := range s.subscribers[channel] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.deliver(channel, data)
	}
	return nil
}

// Conn is an in-memory cluster.Conn.
type Conn struct {
	uri    string
	server *Server

	mu           sync.Mutex
	subs         []string
	watchers     map[string]func(json.RawMessage)
	watchCalls   int
	disconnected bool
	onError      func(error)
}

var _ cluster.Conn = (*Conn)(nil)

func (c *Conn) URI() string {
	return c.uri
}

func (c *Conn) Subscribe(channel string) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return ErrUnavailable
	}
	c.mu.Unlock()

	if err := c.server.subscribe(c, channel); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		if ch == channel {
			return nil
		}
	}
	c.subs = append(c.subs, channel)
	return nil
}

func (c *Conn) Unsubscribe(channel string) error {
	c.server.unsubscribe(c, channel)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.subs {
		if ch == channel {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Conn) Watch(channel string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watchers[channel]; ok {
		return
	}
	c.watchers[channel] = handler
	c.watchCalls++
}

func (c *Conn) Unwatch(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchers, channel)
}

func (c *Conn) Watching(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watchers[channel]
	return ok
}

func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.subs...)
}

func (c *Conn) Publish(channel string, data json.RawMessage) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return ErrUnavailable
	}
	c.mu.Unlock()
	return c.server.publish(channel, data)
}

func (c *Conn) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.watchers = make(map[string]func(json.RawMessage))
	c.disconnected = true
	c.mu.Unlock()

	for _, channel := range subs {
		c.server.unsubscribe(c, channel)
	}
}

func (c *Conn) OnError(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Fail reports err through the registered error handler.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	h := c.onError
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Disconnected reports whether Disconnect was called.
func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// WatchCalls returns how many handlers were registered on the connection.
func (c *Conn) WatchCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchCalls
}

func (c *Conn) deliver(channel string, data json.RawMessage) {
	c.mu.Lock()
	h := c.watchers[channel]
	c.mu.Unlock()
	if h != nil {
		h(data)
	}
}
