// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/absmach/fluxcluster/cluster"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
)

// Defaults used for zero Options fields.
const (
	DefaultConnectTimeout      = 3 * time.Second
	DefaultAckTimeout          = 2 * time.Second
	DefaultReconnectDelay      = 2 * time.Second
	DefaultReconnectRandomness = time.Second
	DefaultBreakerThreshold    = 5
	DefaultBreakerReset        = 30 * time.Second
	DefaultPublishQueueSize    = 1024
)

// Options configure a Socket.
type Options struct {
	// AuthKey is passed as the authKey query parameter when dialing.
	AuthKey string

	ConnectTimeout time.Duration
	AckTimeout     time.Duration

	// Reconnect waits are drawn from [ReconnectDelay, ReconnectDelay+ReconnectRandomness].
	ReconnectDelay      time.Duration
	ReconnectRandomness time.Duration

	// BreakerThreshold is the number of consecutive failed publishes that
	// opens the publish breaker. Negative disables the breaker.
	BreakerThreshold int
	BreakerReset     time.Duration

	// PublishQueueSize bounds the publications held while the socket is not
	// connected. Negative disables queueing.
	PublishQueueSize int

	Logger *slog.Logger
	Dialer *websocket.Dialer
	Clock  clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.ReconnectDelay < 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectRandomness < 0 {
		o.ReconnectRandomness = 0
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = DefaultBreakerThreshold
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = DefaultBreakerReset
	}
	if o.PublishQueueSize == 0 {
		o.PublishQueueSize = DefaultPublishQueueSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// URL returns the dial URL of the endpoint.
func URL(ep cluster.Endpoint, authKey string) string {
	u := url.URL{Scheme: "ws", Host: ep.Address(), Path: DefaultPath}
	if ep.Secure {
		u.Scheme = "wss"
	}
	if authKey != "" {
		q := url.Values{}
		q.Set("authKey", authKey)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

type call struct {
	event string
	done  func(data json.RawMessage, err error)
	timer clockwork.Timer
}

// queuedPublish is a publication waiting for the next handshake.
type queuedPublish struct {
	channel string
	data    json.RawMessage
	timer   clockwork.Timer
}

// Socket is an auto-reconnecting client socket. It serves both as a link to
// a sibling broker (cluster.Conn) and as the state server link
// (cluster.StateSocket).
//
// Subscriptions are kept across reconnects and replayed once the handshake
// completes. Publications made while the socket is down are queued and sent
// in order after the handshake, or reported as failed once AckTimeout
// passes. Other requests sent while the socket is down fail with
// ErrNotConnected.
type Socket struct {
	uri     string
	url     string
	opts    Options
	logger  *slog.Logger
	clock   clockwork.Clock
	breaker *gobreaker.TwoStepCircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	started   bool
	closed    bool
	cid       int64
	pending   map[int64]*call
	subs      []string
	outbox    []*queuedPublish
	draining  bool
	watchers  map[string]func(json.RawMessage)
	handlers  map[string]func(json.RawMessage) error
	onConnect []func()
	onError   []func(error)
}

var (
	_ cluster.Conn        = (*Socket)(nil)
	_ cluster.StateSocket = (*Socket)(nil)
)

// NewSocket creates a socket for the endpoint. It does not dial until Connect.
func NewSocket(ep cluster.Endpoint, opts Options) *Socket {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Socket{
		uri:      ep.URI,
		url:      URL(ep, opts.AuthKey),
		opts:     opts,
		logger:   opts.Logger.With(slog.String("target", ep.URI)),
		clock:    opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		pending:  make(map[int64]*call),
		watchers: make(map[string]func(json.RawMessage)),
		handlers: make(map[string]func(json.RawMessage) error),
	}

	if opts.BreakerThreshold > 0 {
		threshold := uint32(opts.BreakerThreshold)
		s.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        ep.URI,
			MaxRequests: 1,
			Timeout:     opts.BreakerReset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.logger.Info("publish breaker state changed",
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	return s
}

// Connect starts the connection loop. Handlers should be registered first:
// OnConnect handlers only run for connections established after they were added.
func (s *Socket) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.run()
}

func (s *Socket) URI() string {
	return s.uri
}

// Connected reports whether the handshake of the current connection completed.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Subscribe records the channel and sends #subscribe when connected.
// A pending subscription is sent on the next handshake. Failures of the
// request itself are reported through the error handlers.
func (s *Socket) Subscribe(channel string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	for _, ch := range s.subs {
		if ch == channel {
			s.mu.Unlock()
			return nil
		}
	}
	s.subs = append(s.subs, channel)
	connected := s.connected
	s.mu.Unlock()

	if connected {
		s.sendSubscribe(channel)
	}
	return nil
}

func (s *Socket) sendSubscribe(channel string) {
	_, err := s.send(EventSubscribe, Subscription{Channel: channel}, func(_ json.RawMessage, err error) {
		if err != nil {
			s.fail(fmt.Errorf("subscribe to %s: %w", channel, err))
		}
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		s.fail(fmt.Errorf("subscribe to %s: %w", channel, err))
	}
}

func (s *Socket) Unsubscribe(channel string) error {
	s.mu.Lock()
	found := false
	for i, ch := range s.subs {
		if ch == channel {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			found = true
			break
		}
	}
	connected := s.connected
	s.mu.Unlock()

	if !found || !connected {
		return nil
	}
	_, err := s.send(EventUnsubscribe, channel, func(_ json.RawMessage, err error) {
		if err != nil {
			s.fail(fmt.Errorf("unsubscribe from %s: %w", channel, err))
		}
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (s *Socket) Watch(channel string, handler func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchers[channel]; ok {
		return
	}
	s.watchers[channel] = handler
}

func (s *Socket) Unwatch(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, channel)
}

func (s *Socket) Watching(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchers[channel]
	return ok
}

func (s *Socket) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.subs...)
}

// Publish sends #publish without waiting for the acknowledgement.
// A missing or failed acknowledgement counts against the publish breaker
// and is reported through the error handlers. While the socket is not
// connected the publication is queued.
func (s *Socket) Publish(channel string, data json.RawMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("publish to %s: %w", s.uri, ErrSocketClosed)
	}
	if !s.connected || s.draining {
		err := s.enqueueLocked(channel, data)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	err := s.publish(channel, data)
	if errors.Is(err, ErrNotConnected) {
		s.mu.Lock()
		err = s.enqueueLocked(channel, data)
		s.mu.Unlock()
	}
	return err
}

func (s *Socket) publish(channel string, data json.RawMessage) error {
	report := func(bool) {}
	if s.breaker != nil {
		done, err := s.breaker.Allow()
		if err != nil {
			return fmt.Errorf("publish to %s: %w", s.uri, err)
		}
		report = done
	}

	_, err := s.send(EventPublish, Publication{Channel: channel, Data: data}, func(_ json.RawMessage, err error) {
		report(err == nil)
		if err != nil {
			s.fail(fmt.Errorf("publish to %s: %w", channel, err))
		}
	})
	if err != nil {
		// A dropped connection says nothing about the sibling.
		report(errors.Is(err, ErrNotConnected))
		return err
	}
	return nil
}

func (s *Socket) enqueueLocked(channel string, data json.RawMessage) error {
	if s.opts.PublishQueueSize < 0 {
		return fmt.Errorf("publish to %s: %w", s.uri, ErrNotConnected)
	}
	if len(s.outbox) >= s.opts.PublishQueueSize {
		return fmt.Errorf("publish to %s: %w", s.uri, ErrPublishQueueFull)
	}
	q := &queuedPublish{channel: channel, data: data}
	q.timer = s.clock.AfterFunc(s.opts.AckTimeout, func() { s.expire(q) })
	s.outbox = append(s.outbox, q)
	return nil
}

func (s *Socket) expire(q *queuedPublish) {
	s.mu.Lock()
	found := false
	for i, e := range s.outbox {
		if e == q {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.fail(fmt.Errorf("publish to %s: %w while not connected", q.channel, ErrAckTimeout))
	}
}

// flush sends the queued publications in order. New publications keep
// queueing behind them until the outbox is empty.
func (s *Socket) flush() {
	for {
		s.mu.Lock()
		if len(s.outbox) == 0 || !s.connected {
			s.draining = false
			s.mu.Unlock()
			return
		}
		batch := s.outbox
		s.outbox = nil
		s.mu.Unlock()

		for _, q := range batch {
			q.timer.Stop()
			err := s.publish(q.channel, q.data)
			if errors.Is(err, ErrNotConnected) {
				s.mu.Lock()
				err = s.enqueueLocked(q.channel, q.data)
				s.mu.Unlock()
			}
			if err != nil {
				s.fail(err)
			}
		}
	}
}

// discardOutbox drops the queued publications.
func (s *Socket) discardOutbox() {
	s.mu.Lock()
	outbox := s.outbox
	s.outbox = nil
	s.draining = false
	s.mu.Unlock()

	for _, q := range outbox {
		q.timer.Stop()
	}
}

// Disconnect closes the socket and forgets its subscriptions and watchers.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.subs = nil
	s.watchers = make(map[string]func(json.RawMessage))
	s.mu.Unlock()
	s.discardOutbox()

	if err := s.Close(); err != nil {
		s.logger.Debug("socket close failed", slog.String("error", err.Error()))
	}
}

func (s *Socket) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, handler)
}

// Emit sends the event and waits for its acknowledgement.
func (s *Socket) Emit(ctx context.Context, event string, data any) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)
	cid, err := s.send(event, data, func(data json.RawMessage, err error) {
		ch <- result{data: data, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		s.forget(cid)
		return nil, ctx.Err()
	}
}

func (s *Socket) On(event string, handler func(json.RawMessage) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = handler
}

func (s *Socket) OnConnect(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, handler)
}

// Close stops reconnecting, closes the current connection and fails every
// request still waiting for an acknowledgement.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.done
	}
	s.failPending(ErrSocketClosed)
	s.discardOutbox()
	return nil
}

func (s *Socket) run() {
	defer close(s.done)

	b := s.newBackOff()
	for {
		err := s.session()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Debug("socket disconnected", slog.String("error", err.Error()))
			s.fail(err)
		}

		wait := b.NextBackOff()
		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(wait):
		}
	}
}

// newBackOff draws every wait from [delay, delay+randomness]: the interval
// is centered between the bounds with a randomization factor reaching both.
func (s *Socket) newBackOff() backoff.BackOff {
	delay, randomness := s.opts.ReconnectDelay, s.opts.ReconnectRandomness
	mid := delay + randomness/2

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = mid
	b.RandomizationFactor = 0
	if mid > 0 {
		b.RandomizationFactor = float64(randomness/2) / float64(mid)
	}
	b.Multiplier = 1
	b.MaxInterval = delay + randomness
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}

// session runs one connection from dial to disconnect.
func (s *Socket) session() error {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	conn, _, err := s.opts.Dialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.uri, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(conn)
	}()

	if err := s.handshake(); err != nil {
		conn.Close()
		<-readErr
		s.drop()
		return err
	}

	s.mu.Lock()
	s.connected = true
	s.draining = len(s.outbox) > 0
	subs := append([]string{}, s.subs...)
	onConnect := append([]func(){}, s.onConnect...)
	s.mu.Unlock()

	s.logger.Debug("socket connected", slog.Int("subscriptions", len(subs)))
	for _, ch := range subs {
		s.sendSubscribe(ch)
	}
	s.flush()
	for _, h := range onConnect {
		h()
	}

	select {
	case err = <-readErr:
	case <-s.ctx.Done():
		conn.Close()
		<-readErr
		err = nil
	}
	conn.Close()
	s.drop()
	return err
}

func (s *Socket) handshake() error {
	type result struct {
		err error
	}
	ch := make(chan result, 1)
	cid, err := s.send(EventHandshake, map[string]any{"authToken": nil}, func(_ json.RawMessage, err error) {
		ch <- result{err: err}
	})
	if err != nil {
		return fmt.Errorf("handshake with %s: %w", s.uri, err)
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("handshake with %s: %w", s.uri, r.err)
		}
		return nil
	case <-s.ctx.Done():
		s.forget(cid)
		return s.ctx.Err()
	}
}

// drop clears the current connection and fails the requests sent on it.
func (s *Socket) drop() {
	s.mu.Lock()
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
	s.failPending(ErrNotConnected)
}

func (s *Socket) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleFrame(conn, data)
	}
}

func (s *Socket) handleFrame(conn *websocket.Conn, data []byte) {
	if string(data) == PingFrame {
		if err := s.write(conn, websocket.TextMessage, []byte(PongFrame)); err != nil {
			s.logger.Debug("pong failed", slog.String("error", err.Error()))
		}
		return
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Debug("invalid frame", slog.String("error", err.Error()))
		return
	}

	switch {
	case f.RID != 0:
		s.resolve(f.RID, f.Data, DecodeError(f.Error))
	case f.Event == EventPublish:
		var p Publication
		if err := json.Unmarshal(f.Data, &p); err != nil {
			s.logger.Debug("invalid publication", slog.String("error", err.Error()))
			return
		}
		s.mu.Lock()
		h := s.watchers[p.Channel]
		s.mu.Unlock()
		if h != nil {
			h(p.Data)
		}
	case f.Event != "":
		s.mu.Lock()
		h := s.handlers[f.Event]
		s.mu.Unlock()
		if h == nil {
			return
		}
		herr := h(f.Data)
		if f.CID == 0 {
			return
		}
		ack, err := Ack(f.CID, nil, herr)
		if err == nil {
			err = s.writeFrame(conn, ack)
		}
		if err != nil {
			s.logger.Debug("ack failed", slog.String("event", f.Event), slog.String("error", err.Error()))
		}
	}
}

// send writes a request. When done is not nil the request gets a call id and
// done runs once with the acknowledgement, a timeout or a disconnect.
func (s *Socket) send(event string, data any, done func(json.RawMessage, error)) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", event, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSocketClosed
	}
	conn := s.conn
	if conn == nil || (!s.connected && event != EventHandshake) {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	s.cid++
	cid := s.cid
	if done != nil {
		c := &call{event: event, done: done}
		c.timer = s.clock.AfterFunc(s.opts.AckTimeout, func() {
			s.resolve(cid, nil, fmt.Errorf("%w: %s", ErrAckTimeout, event))
		})
		s.pending[cid] = c
	}
	s.mu.Unlock()

	if err := s.writeFrame(conn, Frame{Event: event, Data: raw, CID: cid}); err != nil {
		s.forget(cid)
		return 0, fmt.Errorf("write %s: %w", event, err)
	}
	return cid, nil
}

func (s *Socket) resolve(cid int64, data json.RawMessage, err error) {
	s.mu.Lock()
	c, ok := s.pending[cid]
	delete(s.pending, cid)
	s.mu.Unlock()
	if !ok {
		return
	}
	c.timer.Stop()
	c.done(data, err)
}

func (s *Socket) forget(cid int64) {
	s.mu.Lock()
	c, ok := s.pending[cid]
	delete(s.pending, cid)
	s.mu.Unlock()
	if ok {
		c.timer.Stop()
	}
}

func (s *Socket) failPending(err error) {
	s.mu.Lock()
	calls := s.pending
	s.pending = make(map[int64]*call)
	s.mu.Unlock()

	for _, c := range calls {
		c.timer.Stop()
		c.done(nil, fmt.Errorf("%s: %w", c.event, err))
	}
}

func (s *Socket) writeFrame(conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.write(conn, websocket.TextMessage, data)
}

func (s *Socket) write(conn *websocket.Conn, kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.AckTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, data)
}

func (s *Socket) fail(err error) {
	s.mu.Lock()
	handlers := append([]func(error){}, s.onError...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}
