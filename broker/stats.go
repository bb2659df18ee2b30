// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks local broker statistics.
type Stats struct {
	startTime time.Time

	// Subscription stats
	subscriptions   atomic.Int64
	unsubscriptions atomic.Uint64

	// Message stats
	publishReceived atomic.Uint64
	messagesSent    atomic.Uint64
	relayedIn       atomic.Uint64
	droppedMessages atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Subscription tracking.
func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) DecrementSubscriptions() {
	s.subscriptions.Add(-1)
	s.unsubscriptions.Add(1)
}

func (s *Stats) GetSubscriptions() int64 {
	return s.subscriptions.Load()
}

func (s *Stats) GetUnsubscriptions() uint64 {
	return s.unsubscriptions.Load()
}

// Message tracking.
func (s *Stats) IncrementPublishReceived() {
	s.publishReceived.Add(1)
}

func (s *Stats) IncrementRelayedIn() {
	s.relayedIn.Add(1)
}

func (s *Stats) AddMessagesSent(n int) {
	s.messagesSent.Add(uint64(n))
}

func (s *Stats) IncrementDropped() {
	s.droppedMessages.Add(1)
}

func (s *Stats) GetPublishReceived() uint64 {
	return s.publishReceived.Load()
}

func (s *Stats) GetRelayedIn() uint64 {
	return s.relayedIn.Load()
}

func (s *Stats) GetMessagesSent() uint64 {
	return s.messagesSent.Load()
}

func (s *Stats) GetDropped() uint64 {
	return s.droppedMessages.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
