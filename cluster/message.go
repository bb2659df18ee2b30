// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Packet is the wire format relayed between brokers on a channel.
// Sender is nil when the publishing node has no id.
type Packet struct {
	Sender   *string           `json:"sender"`
	Messages []json.RawMessage `json:"messages"`
	ID       string            `json:"id"`
}

// NewPacket builds a packet with a fresh batch id.
func NewPacket(sender string, messages []json.RawMessage) Packet {
	p := Packet{
		Messages: messages,
		ID:       uuid.NewString(),
	}
	if sender != "" {
		p.Sender = &sender
	}
	return p
}

// From reports whether the packet was sent by the node with the given id.
func (p Packet) From(nodeID string) bool {
	return p.Sender != nil && *p.Sender == nodeID
}

func (p Packet) Encode() (json.RawMessage, error) {
	return json.Marshal(p)
}

func DecodePacket(data json.RawMessage) (Packet, error) {
	var p Packet
	err := json.Unmarshal(data, &p)
	return p, err
}
