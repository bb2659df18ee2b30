// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxcluster/broker"
	"github.com/absmach/fluxcluster/cluster"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	broker   *broker.Broker
	client   *cluster.Client
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a new health check server. client is nil when the node runs
// without a cluster client.
func New(cfg Config, b *broker.Broker, client *cluster.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		broker: b,
		client: client,
		logger: logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/cluster/status", s.handleClusterStatus)
	return mux
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady reports ready once the node has joined the cluster and its
// routing has converged.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker not initialized",
		})
		return
	}

	if s.client != nil {
		if phase := s.client.Coordinator().Phase(); phase != cluster.PhaseActive {
			writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
				Status:  "not_ready",
				Details: "cluster phase " + string(phase),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// ClusterStatusResponse represents cluster health information.
type ClusterStatusResponse struct {
	NodeID       string     `json:"node_id"`
	ClusterMode  bool       `json:"cluster_mode"`
	Phase        string     `json:"phase,omitempty"`
	Targets      []string   `json:"targets,omitempty"`
	SnapshotTime int64      `json:"snapshot_time,omitempty"`
	SubContexts  [][]string `json:"sub_contexts,omitempty"`
	PubContexts  [][]string `json:"pub_contexts,omitempty"`
	Connections  []string   `json:"connections,omitempty"`
	Channels     int        `json:"channels"`
	Relayed      uint64     `json:"relayed_in"`
	Published    uint64     `json:"published"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := ClusterStatusResponse{
		NodeID:    s.broker.NodeID(),
		Channels:  len(s.broker.Channels()),
		Relayed:   s.broker.Stats().GetRelayedIn(),
		Published: s.broker.Stats().GetPublishReceived(),
	}

	if s.client != nil {
		coord, engine := s.client.Coordinator(), s.client.Engine()
		snap := coord.Snapshot()

		response.ClusterMode = true
		response.NodeID = s.client.NodeID()
		response.Phase = string(coord.Phase())
		response.Targets = snap.Targets
		response.SnapshotTime = snap.Time
		response.SubContexts = engine.Targets(cluster.SubContexts)
		response.PubContexts = engine.Targets(cluster.PubContexts)
		response.Connections = engine.Connections()
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
