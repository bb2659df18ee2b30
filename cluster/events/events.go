// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the typed events emitted by the cluster client.
package events

import "time"

// Event type constants.
const (
	TypeRoutingError        = "routing.error"
	TypeTransportError      = "transport.error"
	TypeClusterJoined       = "cluster.joined"
	TypeJoinFailed          = "cluster.join_failed"
	TypeMembershipChanged   = "cluster.membership_changed"
	TypeStateReported       = "cluster.state_reported"
	TypeStateReportFailed   = "cluster.state_report_failed"
	TypeStatesConverged     = "cluster.states_converged"
	TypeDecodeError         = "relay.decode_error"
	TypeDuplicateSuppressed = "relay.duplicate_suppressed"
)

// Event is the common interface for all cluster events.
type Event interface {
	// Type returns the event type identifier (e.g., "routing.error").
	Type() string

	// Channel returns the channel for routing and relay events, empty for others.
	Channel() string
}

// Failure is implemented by events that carry an error.
type Failure interface {
	Event
	Cause() error
}

// RoutingError is emitted when a channel cannot be routed through a mapper context.
type RoutingError struct {
	ChannelName string
	Target      string
	Context     string // "sub" or "pub"
	Op          string // "subscribe", "unsubscribe" or "publish"
	Err         error
}

func (e RoutingError) Type() string    { return TypeRoutingError }
func (e RoutingError) Channel() string { return e.ChannelName }
func (e RoutingError) Cause() error    { return e.Err }

// TransportError is emitted for errors reported by a target or state server connection.
type TransportError struct {
	URI         string
	ChannelName string
	Err         error
}

func (e TransportError) Type() string    { return TypeTransportError }
func (e TransportError) Channel() string { return e.ChannelName }
func (e TransportError) Cause() error    { return e.Err }

// ClusterJoined is emitted after a successful join request.
type ClusterJoined struct {
	Targets []string
	Time    int64
}

func (e ClusterJoined) Type() string    { return TypeClusterJoined }
func (e ClusterJoined) Channel() string { return "" }

// JoinFailed is emitted when a join request fails; it is retried after RetryIn.
type JoinFailed struct {
	RetryIn time.Duration
	Err     error
}

func (e JoinFailed) Type() string    { return TypeJoinFailed }
func (e JoinFailed) Channel() string { return "" }
func (e JoinFailed) Cause() error    { return e.Err }

// MembershipChanged is emitted for every server join/leave notification.
// Accepted is false when the snapshot was stale or unchanged.
type MembershipChanged struct {
	Event    string
	Targets  []string
	Time     int64
	Accepted bool
}

func (e MembershipChanged) Type() string    { return TypeMembershipChanged }
func (e MembershipChanged) Channel() string { return "" }

// StateReported is emitted when the state server acknowledged a state report.
type StateReported struct {
	State string
}

func (e StateReported) Type() string    { return TypeStateReported }
func (e StateReported) Channel() string { return "" }

// StateReportFailed is emitted when a state report was not acknowledged.
type StateReportFailed struct {
	State   string
	RetryIn time.Duration
	Err     error
}

func (e StateReportFailed) Type() string    { return TypeStateReportFailed }
func (e StateReportFailed) Channel() string { return "" }
func (e StateReportFailed) Cause() error    { return e.Err }

// StatesConverged is emitted for every convergence broadcast.
// Matched is false when the broadcast state did not match the local snapshot.
type StatesConverged struct {
	State   string
	Matched bool
}

func (e StatesConverged) Type() string    { return TypeStatesConverged }
func (e StatesConverged) Channel() string { return "" }

// DecodeError is emitted when a relayed packet cannot be decoded.
type DecodeError struct {
	ChannelName string
	Err         error
}

func (e DecodeError) Type() string    { return TypeDecodeError }
func (e DecodeError) Channel() string { return e.ChannelName }
func (e DecodeError) Cause() error    { return e.Err }

// DuplicateSuppressed is emitted when a relayed batch was already delivered.
type DuplicateSuppressed struct {
	ChannelName string
	BatchID     string
}

func (e DuplicateSuppressed) Type() string    { return TypeDuplicateSuppressed }
func (e DuplicateSuppressed) Channel() string { return e.ChannelName }
