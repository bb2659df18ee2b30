// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

// Kind names one of the two mapper context sequences of the Engine.
type Kind int

const (
	// SubContexts route inbound subscriptions.
	SubContexts Kind = iota
	// PubContexts route outbound publications.
	PubContexts
)

func (k Kind) String() string {
	switch k {
	case SubContexts:
		return "sub"
	case PubContexts:
		return "pub"
	default:
		return "unknown"
	}
}

// mapperContext binds a mapper to the membership snapshot it was built from.
// The target list never changes; a membership change produces a new context.
type mapperContext struct {
	mapper  Mapper
	targets []string
	conns   map[string]Conn

	// subscriptions holds the channels subscribed through this context.
	// It is nil for publication contexts.
	subscriptions map[string]struct{}
}

// resolve returns the target URI and its connection for the channel.
func (mc *mapperContext) resolve(channel string) (string, Conn, bool) {
	target := mc.mapper.Select(channel, mc.targets)
	conn, ok := mc.conns[target]
	return target, conn, ok
}

func (mc *mapperContext) references(uri string) bool {
	_, ok := mc.conns[uri]
	return ok
}

// ContextInfo describes a mapper context pushed on the Engine.
type ContextInfo struct {
	Kind    Kind
	Targets []string
	// Connected lists the targets that resolved to a connection.
	Connected []string
}

func (mc *mapperContext) info(kind Kind) ContextInfo {
	info := ContextInfo{
		Kind:      kind,
		Targets:   append([]string{}, mc.targets...),
		Connected: []string{},
	}
	for _, t := range mc.targets {
		if mc.references(t) {
			info.Connected = append(info.Connected, t)
		}
	}
	return info
}
