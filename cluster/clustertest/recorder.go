// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package clustertest

import (
	"sync"

	"github.com/absmach/fluxcluster/cluster/events"
)

// Recorder is an events.Sink keeping every event in order.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.Sink = (*Recorder)(nil)

func (r *Recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns every event recorded.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event{}, r.events...)
}

// OfType returns the recorded events of the given type.
func (r *Recorder) OfType(typ string) []events.Event {
	var out []events.Event
	for _, ev := range r.Events() {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
