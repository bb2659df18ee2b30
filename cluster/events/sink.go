// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxcluster/ratelimit"
)

// Sink consumes cluster events. Emit must not block for long: it is called
// from routing fan-out loops and transport callbacks.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type multiSink []Sink

func (m multiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Multi returns a sink emitting to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Bus fans events out to subscribers over buffered channels.
// Delivery is best-effort: events are dropped for subscribers that fall behind.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events, closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// LogSink logs events with slog. Failures are logged at warn level and
// limited per event type so a flapping target cannot flood the log.
type LogSink struct {
	logger       *slog.Logger
	limiter      *ratelimit.KeyedLimiter
	skipFailures bool
}

// NewLogSink creates a log sink allowing perSecond failure logs per event type.
func NewLogSink(logger *slog.Logger, perSecond float64, burst int) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{
		logger:  logger,
		limiter: ratelimit.NewKeyedLimiter(perSecond, burst, time.Minute),
	}
}

func (s *LogSink) Emit(ev Event) {
	attrs := []any{slog.String("event", ev.Type())}
	if ch := ev.Channel(); ch != "" {
		attrs = append(attrs, slog.String("channel", ch))
	}

	if f, ok := ev.(Failure); ok {
		if s.skipFailures {
			return
		}
		allowed, suppressed := s.limiter.Allow(ev.Type())
		if !allowed {
			return
		}
		if f.Cause() != nil {
			attrs = append(attrs, slog.String("error", f.Cause().Error()))
		}
		if suppressed > 0 {
			attrs = append(attrs, slog.Int("suppressed", suppressed))
		}
		s.logger.Warn("cluster event", attrs...)
		return
	}

	switch e := ev.(type) {
	case ClusterJoined:
		attrs = append(attrs, slog.Any("targets", e.Targets), slog.Int64("time", e.Time))
		s.logger.Info("cluster event", attrs...)
	case MembershipChanged:
		attrs = append(attrs, slog.String("notification", e.Event), slog.Any("targets", e.Targets), slog.Bool("accepted", e.Accepted))
		s.logger.Info("cluster event", attrs...)
	case StateReported:
		attrs = append(attrs, slog.String("state", e.State))
		s.logger.Debug("cluster event", attrs...)
	case StatesConverged:
		attrs = append(attrs, slog.String("state", e.State), slog.Bool("matched", e.Matched))
		s.logger.Info("cluster event", attrs...)
	default:
		s.logger.Debug("cluster event", attrs...)
	}
}

// SkipFailures stops logging Failure events. Other events are still logged.
// It must be called before the sink is used.
func (s *LogSink) SkipFailures() *LogSink {
	s.skipFailures = true
	return s
}

// Close stops the limiter cleanup goroutine.
func (s *LogSink) Close() {
	s.limiter.Stop()
}
