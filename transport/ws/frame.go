// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ws implements the cluster transports over websockets using the
// SocketCluster JSON framing: requests carry a call id, acknowledgements
// answer it with a response id.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Protocol events.
const (
	EventHandshake   = "#handshake"
	EventSubscribe   = "#subscribe"
	EventUnsubscribe = "#unsubscribe"
	EventPublish     = "#publish"
	EventDisconnect  = "#disconnect"
)

// Heartbeat frames are sent as bare strings.
const (
	PingFrame = "#1"
	PongFrame = "#2"
)

// DefaultPath is the path SocketCluster servers accept connections on.
const DefaultPath = "/socketcluster/"

var (
	// ErrNotConnected is returned when a request is sent while the socket is down.
	ErrNotConnected = errors.New("socket not connected")

	// ErrAckTimeout is returned when a request is not acknowledged in time.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrSocketClosed is returned for requests on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrPublishQueueFull is returned when too many publications wait for a connection.
	ErrPublishQueueFull = errors.New("publish queue full")

	// ErrRemote wraps errors reported by the remote end in an acknowledgement.
	ErrRemote = errors.New("remote error")
)

// Frame is a request, a server push or an acknowledgement.
// Requests that expect an answer carry a CID; the answer carries it back as RID.
type Frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	CID   int64           `json:"cid,omitempty"`
	RID   int64           `json:"rid,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

// Publication is the payload of a #publish frame.
type Publication struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Subscription is the payload of a #subscribe frame.
type Subscription struct {
	Channel string `json:"channel"`
}

// Handshake is the server answer to #handshake.
type Handshake struct {
	ID              string `json:"id"`
	PingTimeout     int64  `json:"pingTimeout"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

type remoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// DecodeError turns the error member of an acknowledgement into an error
// wrapping ErrRemote. It returns nil for an empty or null member.
func DecodeError(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var re remoteError
	if err := json.Unmarshal(raw, &re); err == nil && (re.Name != "" || re.Message != "") {
		if re.Name == "" {
			return fmt.Errorf("%w: %s", ErrRemote, re.Message)
		}
		return fmt.Errorf("%w: %s: %s", ErrRemote, re.Name, re.Message)
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return fmt.Errorf("%w: %s", ErrRemote, msg)
	}
	return fmt.Errorf("%w: %s", ErrRemote, string(raw))
}

// EncodeError is the inverse of DecodeError.
func EncodeError(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	data, _ := json.Marshal(remoteError{Name: "Error", Message: err.Error()})
	return data
}

// Ack builds the acknowledgement of the request with call id cid.
func Ack(cid int64, data any, err error) (Frame, error) {
	f := Frame{RID: cid, Error: EncodeError(err)}
	if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			return Frame{}, merr
		}
		f.Data = raw
	}
	return f, nil
}
