// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bytes"
	"encoding/json"
)

// Snapshot is a cluster membership list as announced by the state server.
// Target order is significant: it is the order every node maps channels with.
type Snapshot struct {
	Targets []string `json:"serverInstances"`
	Time    int64    `json:"time"`
}

// snapshotTracker applies the acceptance rule for membership updates: a
// snapshot is taken only if it is newer than the last accepted one and its
// target list differs from it.
type snapshotTracker struct {
	time    int64
	targets []string
	encoded string
}

func newSnapshotTracker() *snapshotTracker {
	t := &snapshotTracker{}
	t.reset()
	return t
}

func (t *snapshotTracker) reset() {
	t.time = -1
	t.targets = []string{}
	t.encoded = "[]"
}

// accept applies s if it passes the acceptance rule and reports whether it did.
func (t *snapshotTracker) accept(s Snapshot) bool {
	encoded := encodeTargets(s.Targets)
	if s.Time <= t.time || encoded == t.encoded {
		return false
	}
	t.time = s.Time
	t.targets = append([]string{}, s.Targets...)
	t.encoded = encoded
	return true
}

func (t *snapshotTracker) current() Snapshot {
	return Snapshot{
		Targets: append([]string{}, t.targets...),
		Time:    t.time,
	}
}

// state builds the state string reported to the state server, e.g.
// `updatedSubs:["ws://10.0.0.1:8888"]`.
func (t *snapshotTracker) state(phase Phase) string {
	return string(phase) + ":" + t.encoded
}

// encodeTargets serializes a target list exactly like every other node does:
// a JSON array, `[]` when empty, without HTML escaping.
func encodeTargets(targets []string) string {
	if targets == nil {
		targets = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(targets); err != nil {
		return "[]"
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
