// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxcluster/broker"
	"github.com/absmach/fluxcluster/cluster"
	wsserver "github.com/absmach/fluxcluster/server/websocket"
	"github.com/absmach/fluxcluster/transport/ws"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() ws.Options {
	return ws.Options{
		ConnectTimeout:      time.Second,
		AckTimeout:          time.Second,
		ReconnectDelay:      20 * time.Millisecond,
		ReconnectRandomness: 0,
		Logger:              quietLogger(),
	}
}

func endpointOf(t *testing.T, ts *httptest.Server) cluster.Endpoint {
	t.Helper()
	ep, err := cluster.ParseEndpoint("ws" + strings.TrimPrefix(ts.URL, "http"))
	require.NoError(t, err)
	return ep
}

// sibling starts a broker served over websockets.
func sibling(t *testing.T, authKey string) (*broker.Broker, *wsserver.Server, *httptest.Server) {
	t.Helper()
	b := broker.New("sibling", quietLogger())
	srv := wsserver.New(wsserver.Config{AuthKey: authKey}, b, quietLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return b, srv, ts
}

func openSocket(t *testing.T, ep cluster.Endpoint, opts ws.Options) *ws.Socket {
	t.Helper()
	s := ws.NewSocket(ep, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type collector struct {
	mu   sync.Mutex
	msgs []string
	errs []error
}

func (c *collector) message(data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(data))
}

func (c *collector) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.msgs...)
}

func (c *collector) failures() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error{}, c.errs...)
}

func TestURL(t *testing.T) {
	cases := []struct {
		desc    string
		ep      cluster.Endpoint
		authKey string
		url     string
	}{
		{
			desc: "plain with port",
			ep:   cluster.Endpoint{Host: "10.0.0.1", Port: 8888},
			url:  "ws://10.0.0.1:8888/socketcluster/",
		},
		{
			desc: "secure default port",
			ep:   cluster.Endpoint{Host: "broker.local", Secure: true},
			url:  "wss://broker.local:443/socketcluster/",
		},
		{
			desc:    "auth key",
			ep:      cluster.Endpoint{Host: "10.0.0.1"},
			authKey: "s3cr3t&x",
			url:     "ws://10.0.0.1:80/socketcluster/?authKey=s3cr3t%26x",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.url, ws.URL(tc.ep, tc.authKey))
		})
	}
}

func TestSocketSubscribeAndPublish(t *testing.T) {
	b, _, ts := sibling(t, "key")
	opts := testOptions()
	opts.AuthKey = "key"
	s := openSocket(t, endpointOf(t, ts), opts)

	in := &collector{}
	require.NoError(t, s.Subscribe("news"))
	s.Watch("news", in.message)
	assert.Equal(t, []string{"news"}, s.Subscriptions())

	s.Connect()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"news"}, b.Channels())
	}, waitFor, tick)

	require.NoError(t, b.Publish("news", json.RawMessage(`"from sibling"`)))
	require.Eventually(t, func() bool {
		return len(in.messages()) == 1
	}, waitFor, tick)

	local := &collector{}
	require.NoError(t, b.Subscribe("local", "news", func(_ string, payload json.RawMessage) {
		local.message(payload)
	}))
	require.NoError(t, s.Publish("news", json.RawMessage(`"from socket"`)))
	require.Eventually(t, func() bool {
		return len(local.messages()) == 1 && len(in.messages()) == 2
	}, waitFor, tick)
	assert.Equal(t, []string{`"from socket"`}, local.messages())
	assert.Equal(t, []string{`"from sibling"`, `"from socket"`}, in.messages())
}

func TestSocketSingleWatcher(t *testing.T) {
	s := ws.NewSocket(cluster.Endpoint{URI: "ws://10.0.0.1:8888", Host: "10.0.0.1", Port: 8888}, testOptions())

	first, second := &collector{}, &collector{}
	s.Watch("news", first.message)
	s.Watch("news", second.message)
	assert.True(t, s.Watching("news"))

	s.Unwatch("news")
	assert.False(t, s.Watching("news"))
	assert.Equal(t, "ws://10.0.0.1:8888", s.URI())
}

func TestSocketUnsubscribe(t *testing.T) {
	b, _, ts := sibling(t, "")
	s := openSocket(t, endpointOf(t, ts), testOptions())
	s.Connect()

	require.Eventually(t, s.Connected, waitFor, tick)
	require.NoError(t, s.Subscribe("a"))
	require.NoError(t, s.Subscribe("b"))
	require.Eventually(t, func() bool {
		return len(b.Channels()) == 2
	}, waitFor, tick)

	require.NoError(t, s.Unsubscribe("a"))
	require.NoError(t, s.Unsubscribe("missing"))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"b"}, b.Channels())
	}, waitFor, tick)
	assert.Equal(t, []string{"b"}, s.Subscriptions())
}

func TestSocketReconnectReplaysSubscriptions(t *testing.T) {
	b, srv, ts := sibling(t, "")
	s := openSocket(t, endpointOf(t, ts), testOptions())

	var (
		mu       sync.Mutex
		connects int
	)
	s.OnConnect(func() {
		mu.Lock()
		defer mu.Unlock()
		connects++
	})
	countConnects := func() int {
		mu.Lock()
		defer mu.Unlock()
		return connects
	}

	require.NoError(t, s.Subscribe("news"))
	s.Connect()
	require.Eventually(t, func() bool { return countConnects() == 1 }, waitFor, tick)

	srv.CloseSessions()
	require.Eventually(t, func() bool { return countConnects() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"news"}, b.Channels()) && srv.Sessions() == 1
	}, waitFor, tick)
}

func TestSocketAuthRejected(t *testing.T) {
	_, srv, ts := sibling(t, "right")
	opts := testOptions()
	opts.AuthKey = "wrong"
	s := openSocket(t, endpointOf(t, ts), opts)

	errs := &collector{}
	s.OnError(errs.fail)
	s.Connect()

	require.Eventually(t, func() bool {
		return len(errs.failures()) >= 2
	}, waitFor, tick, "dial failures are reported on every attempt")
	assert.False(t, s.Connected())
	assert.Zero(t, srv.Sessions())
	assert.Contains(t, errs.failures()[0].Error(), "dial")
}

func TestSocketNotConnected(t *testing.T) {
	s := openSocket(t, cluster.Endpoint{URI: "ws://127.0.0.1:1", Host: "127.0.0.1", Port: 1}, testOptions())

	_, err := s.Emit(context.Background(), "event", nil)
	assert.ErrorIs(t, err, ws.ErrNotConnected)

	require.NoError(t, s.Subscribe("news"), "subscriptions are kept until the socket connects")
	assert.Equal(t, []string{"news"}, s.Subscriptions())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Subscribe("other"), ws.ErrSocketClosed)
	assert.ErrorIs(t, s.Publish("news", json.RawMessage(`1`)), ws.ErrSocketClosed)
	_, err = s.Emit(context.Background(), "event", nil)
	assert.ErrorIs(t, err, ws.ErrSocketClosed)
	require.NoError(t, s.Close())
}

func TestSocketPublishWhileConnecting(t *testing.T) {
	b, _, ts := sibling(t, "")
	s := openSocket(t, endpointOf(t, ts), testOptions())

	local := &collector{}
	require.NoError(t, b.Subscribe("local", "news", func(_ string, payload json.RawMessage) {
		local.message(payload)
	}))

	require.NoError(t, s.Publish("news", json.RawMessage(`1`)), "publications before the handshake are queued")
	s.Connect()
	require.NoError(t, s.Publish("news", json.RawMessage(`2`)))

	require.Eventually(t, func() bool {
		return len(local.messages()) == 2
	}, waitFor, tick)
	assert.Equal(t, []string{"1", "2"}, local.messages())
}

func TestSocketQueuedPublishExpires(t *testing.T) {
	opts := testOptions()
	opts.AckTimeout = 50 * time.Millisecond
	s := openSocket(t, cluster.Endpoint{URI: "ws://127.0.0.1:1", Host: "127.0.0.1", Port: 1}, opts)

	errs := &collector{}
	s.OnError(errs.fail)
	require.NoError(t, s.Publish("news", json.RawMessage(`1`)))

	require.Eventually(t, func() bool {
		return len(errs.failures()) == 1
	}, waitFor, tick)
	assert.ErrorIs(t, errs.failures()[0], ws.ErrAckTimeout)
}

func TestSocketPublishQueueBounds(t *testing.T) {
	ep := cluster.Endpoint{URI: "ws://127.0.0.1:1", Host: "127.0.0.1", Port: 1}

	opts := testOptions()
	opts.PublishQueueSize = 1
	s := openSocket(t, ep, opts)
	require.NoError(t, s.Publish("news", json.RawMessage(`1`)))
	assert.ErrorIs(t, s.Publish("news", json.RawMessage(`2`)), ws.ErrPublishQueueFull)

	opts.PublishQueueSize = -1
	s = openSocket(t, ep, opts)
	assert.ErrorIs(t, s.Publish("news", json.RawMessage(`1`)), ws.ErrNotConnected)
}

func TestSocketDisconnectForgetsState(t *testing.T) {
	_, srv, ts := sibling(t, "")
	s := ws.NewSocket(endpointOf(t, ts), testOptions())
	require.NoError(t, s.Subscribe("news"))
	s.Watch("news", func(json.RawMessage) {})
	s.Connect()
	require.Eventually(t, s.Connected, waitFor, tick)

	s.Disconnect()
	assert.Empty(t, s.Subscriptions())
	assert.False(t, s.Watching("news"))
	assert.False(t, s.Connected())
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, waitFor, tick)
}

func TestDialerConnects(t *testing.T) {
	b, _, ts := sibling(t, "")
	d := ws.NewDialer(testOptions())

	conn := d.Connect(endpointOf(t, ts))
	t.Cleanup(conn.Disconnect)
	assert.Equal(t, endpointOf(t, ts).URI, conn.URI())

	require.NoError(t, conn.Subscribe("news"))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"news"}, b.Channels())
	}, waitFor, tick)
}

// stateServer is a scripted SocketCluster peer. Only the handler goroutine
// writes to the connection.
type stateServer struct {
	upgrader websocket.Upgrader
	respond  func(f ws.Frame) (data any, err error, reply bool)
	push     chan []byte
	acks     chan ws.Frame
	pongs    chan struct{}
}

func newStateServer(t *testing.T, respond func(f ws.Frame) (any, error, bool)) (*stateServer, *httptest.Server) {
	t.Helper()
	s := &stateServer{
		respond: respond,
		push:    make(chan []byte, 10),
		acks:    make(chan ws.Frame, 10),
		pongs:   make(chan struct{}, 10),
	}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func (s *stateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	in := make(chan []byte)
	go func() {
		defer close(in)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			in <- data
		}
	}()

	for {
		select {
		case data, ok := <-in:
			if !ok {
				return
			}
			if string(data) == ws.PongFrame {
				select {
				case s.pongs <- struct{}{}:
				default:
				}
				continue
			}
			var f ws.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			if f.RID != 0 {
				s.acks <- f
				continue
			}
			var (
				resp  any
				rerr  error
				reply = true
			)
			if f.Event == ws.EventHandshake {
				resp = ws.Handshake{ID: "peer"}
			} else {
				resp, rerr, reply = s.respond(f)
			}
			if !reply || f.CID == 0 {
				continue
			}
			ack, err := ws.Ack(f.CID, resp, rerr)
			if err != nil {
				continue
			}
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
		case msg := <-s.push:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func TestSocketEmit(t *testing.T) {
	_, ts := newStateServer(t, func(f ws.Frame) (any, error, bool) {
		switch f.Event {
		case cluster.EventClientJoinCluster:
			var info cluster.NodeInfo
			if err := json.Unmarshal(f.Data, &info); err != nil {
				return nil, err, true
			}
			return cluster.Snapshot{Targets: []string{"ws://" + info.InstanceID}, Time: 3}, nil, true
		case "fail":
			return nil, errors.New("not allowed"), true
		default:
			return nil, nil, false
		}
	})
	opts := testOptions()
	opts.AckTimeout = 100 * time.Millisecond
	s := openSocket(t, endpointOf(t, ts), opts)
	s.Connect()
	require.Eventually(t, s.Connected, waitFor, tick)

	data, err := s.Emit(context.Background(), cluster.EventClientJoinCluster, cluster.NodeInfo{InstanceID: "n1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"serverInstances":["ws://n1"],"time":3}`, string(data))

	_, err = s.Emit(context.Background(), "fail", nil)
	assert.ErrorIs(t, err, ws.ErrRemote)
	assert.Contains(t, err.Error(), "not allowed")

	_, err = s.Emit(context.Background(), "silent", nil)
	assert.ErrorIs(t, err, ws.ErrAckTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Emit(ctx, "silent", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSocketServerEvents(t *testing.T) {
	srv, ts := newStateServer(t, func(ws.Frame) (any, error, bool) { return nil, nil, false })
	s := openSocket(t, endpointOf(t, ts), testOptions())

	got := make(chan string, 1)
	s.On(cluster.EventServerJoinCluster, func(data json.RawMessage) error {
		got <- string(data)
		return nil
	})
	s.On("reject", func(json.RawMessage) error {
		return errors.New("bad snapshot")
	})
	s.Connect()
	require.Eventually(t, s.Connected, waitFor, tick)

	srv.push <- []byte(`{"event":"serverJoinCluster","data":{"serverInstances":[],"time":2},"cid":77}`)
	select {
	case data := <-got:
		assert.JSONEq(t, `{"serverInstances":[],"time":2}`, data)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
	ack := <-srv.acks
	assert.Equal(t, int64(77), ack.RID)
	assert.NoError(t, ws.DecodeError(ack.Error))

	srv.push <- []byte(`{"event":"reject","data":null,"cid":78}`)
	ack = <-srv.acks
	assert.Equal(t, int64(78), ack.RID)
	assert.ErrorIs(t, ws.DecodeError(ack.Error), ws.ErrRemote)

	srv.push <- []byte(ws.PingFrame)
	select {
	case <-srv.pongs:
	case <-time.After(waitFor):
		t.Fatal("ping not answered")
	}
}

func TestSocketPublishBreaker(t *testing.T) {
	_, ts := newStateServer(t, func(f ws.Frame) (any, error, bool) {
		return nil, errors.New("overloaded"), true
	})
	opts := testOptions()
	opts.BreakerThreshold = 1
	opts.BreakerReset = time.Minute
	s := openSocket(t, endpointOf(t, ts), opts)

	errs := &collector{}
	s.OnError(errs.fail)
	s.Connect()
	require.Eventually(t, s.Connected, waitFor, tick)

	require.NoError(t, s.Publish("news", json.RawMessage(`1`)))
	require.Eventually(t, func() bool {
		return errors.Is(s.Publish("news", json.RawMessage(`2`)), gobreaker.ErrOpenState)
	}, waitFor, tick)

	require.NotEmpty(t, errs.failures())
	assert.ErrorIs(t, errs.failures()[0], ws.ErrRemote)
}

func TestSocketCloseFailsPending(t *testing.T) {
	_, ts := newStateServer(t, func(ws.Frame) (any, error, bool) { return nil, nil, false })
	opts := testOptions()
	opts.AckTimeout = time.Minute
	s := ws.NewSocket(endpointOf(t, ts), opts)
	s.Connect()
	require.Eventually(t, s.Connected, waitFor, tick)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Emit(context.Background(), "silent", nil)
		errCh <- err
	}()

	// Let the request reach the wire before closing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ws.ErrAckTimeout))
	case <-time.After(waitFor):
		t.Fatal("pending request not failed on close")
	}
}
