// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import "time"

// dedupCache remembers relayed batch ids for a fixed duration.
// An id seen again before it expires is a duplicate; seeing it again also
// restarts its expiry.
type dedupCache struct {
	ttl   time.Duration
	sched *scheduler
}

func newDedupCache(ttl time.Duration, sched *scheduler) *dedupCache {
	return &dedupCache{
		ttl:   ttl,
		sched: sched,
	}
}

// Observe records the batch id and reports whether it was already cached.
func (d *dedupCache) Observe(id string) bool {
	return d.sched.Schedule(id, d.ttl, nil)
}

func (d *dedupCache) Contains(id string) bool {
	return d.sched.Pending(id)
}

func (d *dedupCache) Len() int {
	return d.sched.Len()
}

// Reset forgets every id.
func (d *dedupCache) Reset() {
	d.sched.Clear()
}

func (d *dedupCache) Close() {
	d.sched.Stop()
}
