// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"log/slog"
	"sync"
	"time"
)

const keyFlush = "flush"

// channelBatcher coalesces items per channel over a fixed window.
// The first item after a flush arms a single timer; when it fires every
// channel with pending items is flushed in the order it was first seen.
// A zero window sends every item on its own.
type channelBatcher[T any] struct {
	window time.Duration
	sched  *scheduler
	logger *slog.Logger
	sendFn func(channel string, items []T)

	mu      sync.Mutex
	order   []string
	pending map[string][]T
}

func newChannelBatcher[T any](
	window time.Duration,
	sched *scheduler,
	logger *slog.Logger,
	sendFn func(channel string, items []T),
) *channelBatcher[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &channelBatcher[T]{
		window:  window,
		sched:   sched,
		logger:  logger,
		sendFn:  sendFn,
		pending: make(map[string][]T),
	}
}

// Add queues item for the channel, or sends it right away without a window.
func (b *channelBatcher[T]) Add(channel string, item T) {
	if b.window <= 0 {
		b.sendFn(channel, []T{item})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	items, ok := b.pending[channel]
	if !ok {
		b.order = append(b.order, channel)
	}
	b.pending[channel] = append(items, item)

	if !b.sched.Pending(keyFlush) {
		b.sched.Schedule(keyFlush, b.window, b.Flush)
	}
}

// Flush sends every pending batch and clears the buffer.
func (b *channelBatcher[T]) Flush() {
	b.mu.Lock()
	order, pending := b.order, b.pending
	b.order = nil
	b.pending = make(map[string][]T)
	b.sched.Cancel(keyFlush)
	b.mu.Unlock()

	for _, channel := range order {
		items := pending[channel]
		if len(items) == 0 {
			continue
		}
		b.sendFn(channel, items)
	}
	if len(order) > 0 {
		b.logger.Debug("publish buffer flushed", slog.Int("channels", len(order)))
	}
}

// Len returns the number of channels with pending items.
func (b *channelBatcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
