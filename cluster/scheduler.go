// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// scheduler runs keyed one-shot tasks. At most one task per key is pending:
// scheduling a key cancels the previous task for it. Each task carries a
// sequence token so a task that already fired but lost the race with a
// reschedule does not run.
type scheduler struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	tasks   map[string]*task
	seq     uint64
	stopped bool
}

type task struct {
	timer clockwork.Timer
	seq   uint64
}

func newScheduler(clock clockwork.Clock) *scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &scheduler{
		clock: clock,
		tasks: make(map[string]*task),
	}
}

// Schedule runs fn after d unless the key is rescheduled or cancelled first.
// It reports whether a pending task for the key was replaced.
func (s *scheduler) Schedule(key string, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	prev, replaced := s.tasks[key]
	if replaced {
		prev.timer.Stop()
	}

	// The task must never run inline while s.mu is held.
	if d <= 0 {
		d = time.Nanosecond
	}

	s.seq++
	seq := s.seq
	t := &task{seq: seq}
	t.timer = s.clock.AfterFunc(d, func() { s.fire(key, seq, fn) })
	s.tasks[key] = t

	return replaced
}

func (s *scheduler) fire(key string, seq uint64, fn func()) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok || t.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Cancel drops the pending task for key and reports whether there was one.
func (s *scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether a task for key is waiting to run.
func (s *scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Len returns the number of pending tasks.
func (s *scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Clear cancels every pending task; the scheduler stays usable.
func (s *scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
}

// Stop cancels every pending task and rejects new ones.
func (s *scheduler) Stop() {
	s.Clear()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
