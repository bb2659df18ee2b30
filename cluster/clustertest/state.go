// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package clustertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/absmach/fluxcluster/cluster"
)

// ErrNoHandler is returned by Push when no handler is registered for the event.
var ErrNoHandler = errors.New("no handler registered")

// Responder answers a request emitted on a StateSocket.
type Responder func(event string, data json.RawMessage) (json.RawMessage, error)

// Request is a request emitted on a StateSocket.
type Request struct {
	Event string
	Data  json.RawMessage
}

// StateSocket is an in-memory cluster.StateSocket. Requests are answered by
// its Responder; server pushes are simulated with Push.
type StateSocket struct {
	mu        sync.Mutex
	respond   Responder
	handlers  map[string]func(json.RawMessage) error
	onConnect []func()
	onError   []func(error)
	requests  []Request
	closed    bool
}

var _ cluster.StateSocket = (*StateSocket)(nil)

// NewStateSocket returns a socket answering every request with respond.
// A nil respond acknowledges every request with no data.
func NewStateSocket(respond Responder) *StateSocket {
	return &StateSocket{
		respond:  respond,
		handlers: make(map[string]func(json.RawMessage) error),
	}
}

// SetResponder replaces the responder.
func (s *StateSocket) SetResponder(respond Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = respond
}

func (s *StateSocket) Emit(ctx context.Context, event string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("socket closed")
	}
	s.requests = append(s.requests, Request{Event: event, Data: payload})
	respond := s.respond
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if respond == nil {
		return nil, nil
	}
	return respond(event, payload)
}

func (s *StateSocket) On(event string, handler func(json.RawMessage) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = handler
}

func (s *StateSocket) OnConnect(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, handler)
}

func (s *StateSocket) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, handler)
}

func (s *StateSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Connect runs the connect handlers, as a real socket does on (re)connect.
func (s *StateSocket) Connect() {
	s.mu.Lock()
	handlers := append([]func(){}, s.onConnect...)
	s.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// Push delivers a server event to the registered handler and returns its
// acknowledgement error.
func (s *StateSocket) Push(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	h, ok := s.handlers[event]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, event)
	}
	return h(data)
}

// Fail reports err through the error handlers.
func (s *StateSocket) Fail(err error) {
	s.mu.Lock()
	handlers := append([]func(error){}, s.onError...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

// Requests returns every request emitted, in order.
func (s *StateSocket) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request{}, s.requests...)
}

// States returns the instance states reported with clientSetState, in order.
func (s *StateSocket) States() []string {
	var out []string
	for _, r := range s.Requests() {
		if r.Event != cluster.EventClientSetState {
			continue
		}
		var report struct {
			InstanceState string `json:"instanceState"`
		}
		if err := json.Unmarshal(r.Data, &report); err == nil {
			out = append(out, report.InstanceState)
		}
	}
	return out
}

// LastState returns the last reported instance state, or "".
func (s *StateSocket) LastState() string {
	states := s.States()
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

// StateServer simulates the state-coordination service for a set of
// cluster clients. It answers joins with the current membership, notifies
// clients of membership changes and broadcasts convergence once every
// joined client reported the same state.
type StateServer struct {
	mu        sync.Mutex
	instances []string
	time      int64
	sockets   []*StateSocket
	joined    map[*StateSocket]bool
	states    map[*StateSocket]string
	converged []string
}

func NewStateServer(instances ...string) *StateServer {
	return &StateServer{
		instances: append([]string{}, instances...),
		time:      1,
		joined:    make(map[*StateSocket]bool),
		states:    make(map[*StateSocket]string),
	}
}

// Socket returns a new client socket connected to the server.
func (s *StateServer) Socket() *StateSocket {
	sock := NewStateSocket(nil)
	sock.SetResponder(func(event string, data json.RawMessage) (json.RawMessage, error) {
		return s.handle(sock, event, data)
	})

	s.mu.Lock()
	s.sockets = append(s.sockets, sock)
	s.mu.Unlock()
	return sock
}

// SetInstances replaces the membership and notifies every joined client
// with event (serverJoinCluster or serverLeaveCluster).
func (s *StateServer) SetInstances(event string, instances ...string) {
	s.mu.Lock()
	s.time++
	s.instances = append([]string{}, instances...)
	snap := cluster.Snapshot{Targets: append([]string{}, instances...), Time: s.time}
	var joined []*StateSocket
	for _, sock := range s.sockets {
		if s.joined[sock] {
			joined = append(joined, sock)
		}
	}
	s.mu.Unlock()

	for _, sock := range joined {
		_ = sock.Push(event, snap)
	}
}

// Converged returns every state broadcast as converged, in order.
func (s *StateServer) Converged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.converged...)
}

// States returns the latest state reported by each joined client.
func (s *StateServer) States() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, sock := range s.sockets {
		if s.joined[sock] {
			out = append(out, s.states[sock])
		}
	}
	return out
}

// AllInPhase reports whether every joined client reported the phase.
func (s *StateServer) AllInPhase(phase cluster.Phase) bool {
	states := s.States()
	if len(states) == 0 {
		return false
	}
	for _, st := range states {
		if !strings.HasPrefix(st, string(phase)+":") {
			return false
		}
	}
	return true
}

func (s *StateServer) handle(sock *StateSocket, event string, data json.RawMessage) (json.RawMessage, error) {
	switch event {
	case cluster.EventClientJoinCluster:
		s.mu.Lock()
		s.joined[sock] = true
		delete(s.states, sock)
		snap := cluster.Snapshot{Targets: append([]string{}, s.instances...), Time: s.time}
		s.mu.Unlock()
		return json.Marshal(snap)

	case cluster.EventClientSetState:
		var report struct {
			InstanceState string `json:"instanceState"`
		}
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.states[sock] = report.InstanceState
		state, ok := s.agreedLocked()
		var targets []*StateSocket
		if ok {
			s.converged = append(s.converged, state)
			for _, other := range s.sockets {
				if s.joined[other] {
					targets = append(targets, other)
				}
			}
		}
		s.mu.Unlock()

		for _, other := range targets {
			_ = other.Push(cluster.EventClientStatesConverge, map[string]string{"state": state})
		}
		return nil, nil

	default:
		return nil, nil
	}
}

// agreedLocked returns the state shared by every joined client.
func (s *StateServer) agreedLocked() (string, bool) {
	var state string
	first := true
	for _, sock := range s.sockets {
		if !s.joined[sock] {
			continue
		}
		st, ok := s.states[sock]
		if !ok {
			return "", false
		}
		if first {
			state, first = st, false
			continue
		}
		if st != state {
			return "", false
		}
	}
	return state, !first
}
