// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxcluster/broker"
	"github.com/absmach/fluxcluster/cluster"
	"github.com/absmach/fluxcluster/cluster/events"
	"github.com/absmach/fluxcluster/config"
	"github.com/absmach/fluxcluster/internal/otel"
	"github.com/absmach/fluxcluster/server/health"
	"github.com/absmach/fluxcluster/server/websocket"
	"github.com/absmach/fluxcluster/transport/ws"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting fluxcluster broker", "version", version)
	slog.Info("Configuration loaded",
		"node_id", cfg.NodeID,
		"server_addr", cfg.Server.Address,
		"cluster_enabled", cfg.Cluster.Enabled,
		"state_server", net.JoinHostPort(cfg.Cluster.StateServerHost, strconv.Itoa(cfg.Cluster.StateServerPort)),
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := otel.InitProvider(ctx, cfg.Telemetry, cfg.NodeID)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	b := broker.New(cfg.NodeID, logger)

	var client *cluster.Client
	if cfg.Cluster.Enabled {
		node, err := startCluster(cfg, b, logger)
		if err != nil {
			slog.Error("Failed to start cluster client", "error", err)
			os.Exit(1)
		}
		defer node.close()
		client = node.client
		slog.Info("Running in cluster mode", "node_id", cfg.NodeID)
	} else {
		slog.Info("Running as a sibling broker instance", "node_id", cfg.NodeID)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	wsServer := websocket.New(websocket.Config{
		Address:         cfg.Server.Address,
		Path:            cfg.Server.Path,
		AuthKey:         cfg.Server.AuthKey,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, b, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthAddress != "" {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddress,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, client, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("fluxcluster broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	wg.Wait()
	slog.Info("fluxcluster broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

type clusterNode struct {
	client  *cluster.Client
	state   *ws.Socket
	logSink *events.LogSink
}

func (n *clusterNode) close() {
	if err := n.client.Close(); err != nil {
		slog.Error("Failed to close cluster client", "error", err)
	}
	if err := n.state.Close(); err != nil {
		slog.Error("Failed to close state server socket", "error", err)
	}
	n.logSink.Close()
}

// startCluster attaches a cluster client to the broker and connects to the
// state server.
func startCluster(cfg *config.Config, b *broker.Broker, logger *slog.Logger) (*clusterNode, error) {
	cc := cfg.Cluster

	opts := ws.Options{
		AuthKey:             cc.AuthKey,
		ConnectTimeout:      cc.ConnectTimeout,
		AckTimeout:          cc.AckTimeout,
		ReconnectDelay:      cc.RetryDelay,
		ReconnectRandomness: cc.ReconnectRandomness,
		BreakerThreshold:    cc.BreakerThreshold,
		BreakerReset:        cc.BreakerReset,
		Logger:              logger,
	}

	scheme := "ws"
	if cc.StateServerSecure {
		scheme = "wss"
	}
	ep, err := cluster.ParseEndpoint(fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(cc.StateServerHost, strconv.Itoa(cc.StateServerPort))))
	if err != nil {
		return nil, err
	}
	state := ws.NewSocket(ep, opts)

	metrics, err := cluster.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	node := &clusterNode{state: state, logSink: newEventSink(logger, cc)}

	client, err := cluster.New(cluster.Config{
		NodeID:               cfg.NodeID,
		InstanceIP:           cc.InstanceIP,
		InstanceIPFamily:     cc.InstanceIPFamily,
		RetryDelay:           cc.RetryDelay,
		AckTimeout:           cc.AckTimeout,
		MessageCacheDuration: cc.MessageCacheDuration,
		BatchWindow:          cc.BatchWindow,
		ConvergenceTimeout:   cc.ConvergenceTimeout,
	}, b, ws.NewDialer(opts), state,
		cluster.WithLogger(logger),
		cluster.WithEvents(node.logSink),
		cluster.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	if err := client.Start(); err != nil {
		return nil, err
	}
	node.client = client

	state.Connect()
	return node, nil
}

// newEventSink logs cluster events. NoErrorLogging drops failures only.
func newEventSink(logger *slog.Logger, cc config.ClusterConfig) *events.LogSink {
	sink := events.NewLogSink(logger, 1, 5)
	if cc.NoErrorLogging {
		sink.SkipFailures()
	}
	return sink
}
