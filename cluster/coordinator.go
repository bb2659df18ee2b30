// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxcluster/cluster/events"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Phase is the local convergence phase reported to the state server.
type Phase string

const (
	PhaseJoining     Phase = "joining"
	PhaseActive      Phase = "active"
	PhaseUpdatedSubs Phase = "updatedSubs"
	PhaseUpdatedPubs Phase = "updatedPubs"
)

// Scheduler keys used by the Coordinator.
const (
	keyJoin     = "join"
	keyState    = "state"
	keyConverge = "converge"
)

const (
	DefaultRetryDelay = 2 * time.Second
	DefaultAckTimeout = 2 * time.Second
)

type stateReport struct {
	InstanceState string `json:"instanceState"`
}

type convergeNotice struct {
	State string `json:"state"`
}

// Coordinator drives the Router through cluster membership changes.
//
// A membership change is applied in two phases so that no message is lost
// while nodes disagree on the target list. Subscriptions move first: a new
// subscription context is pushed next to the old one and the node reports
// updatedSubs. Once every node reported it, publications move to the new
// context and the node reports updatedPubs. Once every node reported that,
// the old subscription context is dropped and the node is active again.
type Coordinator struct {
	mu         sync.Mutex
	router     Router
	mapper     Mapper
	sock       StateSocket
	info       NodeInfo
	sched      *scheduler
	tracker    *snapshotTracker
	phase      Phase
	generation uint64

	retryDelay         time.Duration
	ackTimeout         time.Duration
	convergenceTimeout time.Duration
	onReset            func()

	events events.Sink
	logger *slog.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRetryDelay sets the delay before a failed join or state report is retried.
func WithRetryDelay(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.retryDelay = d }
}

// WithAckTimeout bounds every request sent to the state server.
func WithAckTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.ackTimeout = d }
}

// WithConvergenceTimeout makes the node re-join when it stays out of the
// active phase longer than d. Zero disables it.
func WithConvergenceTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.convergenceTimeout = d }
}

// WithClock sets the clock driving retries and timeouts.
func WithClock(clock clockwork.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.sched = newScheduler(clock) }
}

// WithMapper replaces the hash mapper used for new contexts.
func WithMapper(m Mapper) CoordinatorOption {
	return func(c *Coordinator) { c.mapper = m }
}

// WithResetHook registers fn to run whenever the node (re)joins the cluster.
func WithResetHook(fn func()) CoordinatorOption {
	return func(c *Coordinator) { c.onReset = fn }
}

// WithCoordinatorEvents sets the sink receiving coordination events.
func WithCoordinatorEvents(sink events.Sink) CoordinatorOption {
	return func(c *Coordinator) { c.events = sink }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithTracer sets the tracer used for transition spans.
func WithTracer(t trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = t }
}

// NewCoordinator creates a Coordinator. Handlers are registered on the socket by Start.
func NewCoordinator(router Router, sock StateSocket, info NodeInfo, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		router:     router,
		mapper:     HashMapper{},
		sock:       sock,
		info:       info,
		tracker:    newSnapshotTracker(),
		phase:      PhaseJoining,
		retryDelay: DefaultRetryDelay,
		ackTimeout: DefaultAckTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sched == nil {
		c.sched = newScheduler(nil)
	}
	if c.events == nil {
		c.events = events.Discard
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start registers the state server handlers. The node joins the cluster on
// every socket (re)connect.
func (c *Coordinator) Start() {
	c.sock.OnConnect(func() {
		if c.ctx.Err() != nil {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.join()
		}()
	})
	c.sock.On(EventServerJoinCluster, func(data json.RawMessage) error {
		c.handleMembership(EventServerJoinCluster, data)
		return nil
	})
	c.sock.On(EventServerLeaveCluster, func(data json.RawMessage) error {
		c.handleMembership(EventServerLeaveCluster, data)
		return nil
	})
	c.sock.On(EventClientStatesConverge, func(data json.RawMessage) error {
		c.handleConverge(data)
		return nil
	})

	var uri string
	if u, ok := c.sock.(interface{ URI() string }); ok {
		uri = u.URI()
	}
	c.sock.OnError(func(err error) {
		if c.ctx.Err() != nil {
			return
		}
		c.events.Emit(events.TransportError{URI: uri, Err: err})
	})
}

// Close stops retries and waits for in-flight requests to return.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		c.cancel()
		c.sched.Stop()
		c.wg.Wait()
	})
}

// Phase returns the local convergence phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Snapshot returns the last accepted membership snapshot.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.current()
}

// State returns the state string for the current phase and snapshot.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.state(c.phase)
}

func (c *Coordinator) join() {
	if c.ctx.Err() != nil {
		return
	}
	ctx, span := c.tracer.Start(c.ctx, "cluster.join",
		trace.WithAttributes(attribute.String("instance.id", c.info.InstanceID)))
	defer span.End()

	snap, err := c.requestJoin(ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("%w: %w", ErrJoinFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "join failed")

		c.mu.Lock()
		c.phase = PhaseJoining
		c.generation++
		c.sched.Cancel(keyState)
		c.mu.Unlock()

		c.sched.Schedule(keyJoin, c.retryDelay, c.join)
		c.events.Emit(events.JoinFailed{RetryIn: c.retryDelay, Err: err})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sched.Cancel(keyJoin)
	c.sched.Cancel(keyState)
	c.sched.Cancel(keyConverge)

	c.router.Reset()
	if c.onReset != nil {
		c.onReset()
	}
	c.tracker.reset()
	c.tracker.accept(snap)

	targets := c.tracker.current().Targets
	c.router.Push(SubContexts, c.mapper, targets)
	c.router.Push(PubContexts, c.mapper, targets)
	span.SetAttributes(attribute.Int("cluster.targets", len(targets)))

	c.events.Emit(events.ClusterJoined{Targets: targets, Time: snap.Time})
	c.reportLocked(PhaseActive)
}

func (c *Coordinator) requestJoin(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	data, err := c.sock.Emit(ctx, EventClientJoinCluster, c.info)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("invalid join response: %w", err)
	}
	return snap, nil
}

func (c *Coordinator) handleMembership(event string, data json.RawMessage) {
	_, span := c.tracer.Start(c.ctx, "cluster.membership",
		trace.WithAttributes(attribute.String("cluster.event", event)))
	defer span.End()

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		span.RecordError(err)
		c.events.Emit(events.DecodeError{Err: fmt.Errorf("invalid %s notification: %w", event, err)})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := c.tracker.accept(snap)
	span.SetAttributes(attribute.Bool("cluster.accepted", accepted))
	c.events.Emit(events.MembershipChanged{
		Event:    event,
		Targets:  append([]string{}, snap.Targets...),
		Time:     snap.Time,
		Accepted: accepted,
	})
	if !accepted {
		return
	}

	c.router.Push(SubContexts, c.mapper, c.tracker.current().Targets)
	c.reportLocked(PhaseUpdatedSubs)
}

func (c *Coordinator) handleConverge(data json.RawMessage) {
	_, span := c.tracer.Start(c.ctx, "cluster.converge")
	defer span.End()

	var notice convergeNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		span.RecordError(err)
		c.events.Emit(events.DecodeError{Err: fmt.Errorf("invalid %s notification: %w", EventClientStatesConverge, err)})
		return
	}
	span.SetAttributes(attribute.String("cluster.state", notice.State))

	c.mu.Lock()
	defer c.mu.Unlock()

	switch notice.State {
	case c.tracker.state(PhaseUpdatedSubs):
		c.router.Push(PubContexts, c.mapper, c.tracker.current().Targets)
		c.collapse(PubContexts)
		c.events.Emit(events.StatesConverged{State: notice.State, Matched: true})
		c.reportLocked(PhaseUpdatedPubs)
	case c.tracker.state(PhaseUpdatedPubs):
		c.collapse(PubContexts)
		c.collapse(SubContexts)
		c.events.Emit(events.StatesConverged{State: notice.State, Matched: true})
		c.reportLocked(PhaseActive)
	default:
		c.events.Emit(events.StatesConverged{State: notice.State})
	}
}

// collapse drops every context of the sequence but the newest.
func (c *Coordinator) collapse(kind Kind) {
	for c.router.Len(kind) > 1 {
		c.router.Shift(kind)
	}
}

// reportLocked moves to phase and reports it. Any pending retry of an
// older report is dropped. c.mu must be held.
func (c *Coordinator) reportLocked(phase Phase) {
	c.phase = phase
	c.generation++
	gen := c.generation
	state := c.tracker.state(phase)

	c.sched.Cancel(keyState)
	c.armConvergence(phase)

	c.logger.Debug("reporting cluster state", slog.String("state", state))

	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sendState(gen, state)
	}()
}

func (c *Coordinator) armConvergence(phase Phase) {
	if phase == PhaseActive {
		c.sched.Cancel(keyConverge)
		return
	}
	if c.convergenceTimeout <= 0 {
		return
	}
	c.sched.Schedule(keyConverge, c.convergenceTimeout, func() {
		c.logger.Warn("cluster state did not converge, rejoining",
			slog.Duration("timeout", c.convergenceTimeout))
		c.join()
	})
}

func (c *Coordinator) sendState(gen uint64, state string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.ackTimeout)
	_, err := c.sock.Emit(ctx, EventClientSetState, stateReport{InstanceState: state})
	cancel()

	if err == nil {
		c.events.Emit(events.StateReported{State: state})
		return
	}
	if c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}
	c.sched.Schedule(keyState, c.retryDelay, func() {
		c.mu.Lock()
		current := gen == c.generation
		c.mu.Unlock()
		if current {
			c.sendState(gen, state)
		}
	})
	c.events.Emit(events.StateReportFailed{
		State:   state,
		RetryIn: c.retryDelay,
		Err:     fmt.Errorf("%w: %w", ErrStateReportFailed, err),
	})
}
