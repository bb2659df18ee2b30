// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxcluster/broker"
	"github.com/absmach/fluxcluster/transport/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, cfg Config) (*Server, *broker.Broker, string) {
	t.Helper()
	b := broker.New("sibling", quietLogger())
	s := New(cfg, b, quietLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.CloseSessions()
		ts.Close()
	})
	return s, b, "ws" + strings.TrimPrefix(ts.URL, "http") + ws.DefaultPath
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, cid int64, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ws.Frame{Event: event, CID: cid, Data: raw}))
}

// readFrame returns the next frame, skipping heartbeats.
func readFrame(t *testing.T, conn *websocket.Conn) ws.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if string(data) == ws.PingFrame {
			continue
		}
		var f ws.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}
}

func TestAuthKey(t *testing.T) {
	_, _, url := startServer(t, Config{AuthKey: "secret"})

	_, resp, err := websocket.DefaultDialer.Dial(url+"?authKey=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dial(t, url+"?authKey=secret")
	send(t, conn, ws.EventHandshake, 1, map[string]any{"authToken": nil})
	assert.Equal(t, int64(1), readFrame(t, conn).RID)
}

func TestHandshake(t *testing.T) {
	_, _, url := startServer(t, Config{})
	conn := dial(t, url)

	send(t, conn, ws.EventHandshake, 1, map[string]any{"authToken": nil})
	ack := readFrame(t, conn)
	assert.Equal(t, int64(1), ack.RID)
	assert.Empty(t, ack.Error)

	var hs ws.Handshake
	require.NoError(t, json.Unmarshal(ack.Data, &hs))
	assert.NotEmpty(t, hs.ID)
	assert.Equal(t, defaultPingTimeout.Milliseconds(), hs.PingTimeout)
}

func TestSubscribeAndPublish(t *testing.T) {
	_, b, url := startServer(t, Config{})
	conn := dial(t, url)

	send(t, conn, ws.EventSubscribe, 2, ws.Subscription{Channel: "news"})
	ack := readFrame(t, conn)
	assert.Equal(t, int64(2), ack.RID)
	assert.NoError(t, ws.DecodeError(ack.Error))
	assert.Equal(t, []string{"news"}, b.Channels())

	send(t, conn, ws.EventPublish, 3, ws.Publication{Channel: "news", Data: json.RawMessage(`{"n":1}`)})

	var push ws.Frame
	acked := false
	for i := 0; i < 2; i++ {
		f := readFrame(t, conn)
		switch {
		case f.Event == ws.EventPublish:
			push = f
		case f.RID == 3:
			acked = true
		}
	}
	assert.True(t, acked)

	var pub ws.Publication
	require.NoError(t, json.Unmarshal(push.Data, &pub))
	assert.Equal(t, "news", pub.Channel)
	assert.JSONEq(t, `{"n":1}`, string(pub.Data))

	send(t, conn, ws.EventUnsubscribe, 4, "news")
	assert.Equal(t, int64(4), readFrame(t, conn).RID)
	assert.Empty(t, b.Channels())
}

func TestRejectedRequests(t *testing.T) {
	_, _, url := startServer(t, Config{})
	conn := dial(t, url)

	send(t, conn, "bogus", 5, nil)
	ack := readFrame(t, conn)
	assert.Equal(t, int64(5), ack.RID)
	err := ws.DecodeError(ack.Error)
	assert.ErrorIs(t, err, ws.ErrRemote)
	assert.ErrorContains(t, err, errUnknownEvent.Error())

	send(t, conn, ws.EventSubscribe, 6, ws.Subscription{})
	ack = readFrame(t, conn)
	assert.ErrorContains(t, ws.DecodeError(ack.Error), broker.ErrEmptyChannel.Error())
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	s, b, url := startServer(t, Config{})
	conn := dial(t, url)

	send(t, conn, ws.EventSubscribe, 1, ws.Subscription{Channel: "news"})
	readFrame(t, conn)
	assert.Equal(t, 1, s.Sessions())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return s.Sessions() == 0 && len(b.Channels()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPing(t *testing.T) {
	_, _, url := startServer(t, Config{PingInterval: 20 * time.Millisecond})
	conn := dial(t, url)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, ws.PingFrame, string(data))
}
