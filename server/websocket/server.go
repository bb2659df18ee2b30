// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxcluster/broker"
	"github.com/absmach/fluxcluster/transport/ws"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 8 * time.Second
	defaultPingTimeout  = 20 * time.Second
	writeTimeout        = 5 * time.Second
)

var errUnknownEvent = errors.New("unknown event")

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration

	// AuthKey, when set, must match the authKey query parameter of every connection.
	AuthKey      string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Server accepts SocketCluster-framed websocket connections and maps their
// subscribe, unsubscribe and publish requests onto a broker. It serves local
// clients of a cluster node and, with a broker that has no cluster client
// attached, acts as a sibling broker instance for other nodes.
type Server struct {
	config   Config
	broker   *broker.Broker
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path == "" {
		cfg.Path = ws.DefaultPath
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}

	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Handler returns the HTTP handler serving websocket upgrades.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		s.CloseSessions()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseSessions closes every open session. Hijacked connections are not
// closed by http.Server.Shutdown.
func (s *Server) CloseSessions() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.AuthKey != "" && r.URL.Query().Get("authKey") != s.config.AuthKey {
		s.logger.Warn("websocket_auth_failed", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "invalid auth key", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	sess := &session{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		done:   make(chan struct{}),
	}
	s.logger.Debug("websocket_connection_accepted",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("session", sess.id))

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	sess.serve()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.broker.Disconnect(sess.id)

	s.logger.Debug("websocket_connection_closed", slog.String("session", sess.id))
}

// session is one accepted connection. Its id is the broker client id.
type session struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *session) serve() {
	go c.pingLoop()
	defer c.close()

	timeout := c.server.config.PingTimeout
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == ws.PongFrame {
			continue
		}

		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.server.logger.Debug("websocket_invalid_frame", slog.String("error", err.Error()))
			continue
		}
		c.handle(f)
	}
}

func (c *session) handle(f ws.Frame) {
	var (
		resp any
		err  error
	)

	switch f.Event {
	case ws.EventHandshake:
		resp = ws.Handshake{
			ID:          c.id,
			PingTimeout: c.server.config.PingTimeout.Milliseconds(),
		}
	case ws.EventSubscribe:
		var sub ws.Subscription
		if err = json.Unmarshal(f.Data, &sub); err == nil {
			err = c.server.broker.Subscribe(c.id, sub.Channel, c.push)
		}
	case ws.EventUnsubscribe:
		var channel string
		if err = json.Unmarshal(f.Data, &channel); err == nil {
			c.server.broker.Unsubscribe(c.id, channel)
		}
	case ws.EventPublish:
		var p ws.Publication
		if err = json.Unmarshal(f.Data, &p); err == nil {
			err = c.server.broker.Publish(p.Channel, p.Data)
		}
	default:
		err = errUnknownEvent
	}

	if f.CID == 0 {
		return
	}
	ack, aerr := ws.Ack(f.CID, resp, err)
	if aerr != nil {
		c.server.logger.Warn("websocket_ack_encode_failed", slog.String("error", aerr.Error()))
		return
	}
	if werr := c.writeJSON(ack); werr != nil {
		c.server.logger.Debug("websocket_write_failed", slog.String("error", werr.Error()))
	}
}

// push forwards a broker message to the connection.
func (c *session) push(channel string, payload json.RawMessage) {
	data, err := json.Marshal(ws.Publication{Channel: channel, Data: payload})
	if err != nil {
		return
	}
	if err := c.writeJSON(ws.Frame{Event: ws.EventPublish, Data: data}); err != nil {
		c.server.logger.Debug("websocket_write_failed",
			slog.String("session", c.id),
			slog.String("error", err.Error()))
	}
}

func (c *session) pingLoop() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.TextMessage, []byte(ws.PingFrame)); err != nil {
				return
			}
		}
	}
}

func (c *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *session) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *session) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
