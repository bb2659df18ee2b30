// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a cluster broker node.
// Every option can be overridden with its FLUXCLUSTER_* environment variable.
type Config struct {
	NodeID    string          `yaml:"node_id" env:"FLUXCLUSTER_NODE_ID"`
	Server    ServerConfig    `yaml:"server"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the websocket listener settings.
type ServerConfig struct {
	Address         string        `yaml:"address" env:"FLUXCLUSTER_SERVER_ADDRESS"`
	Path            string        `yaml:"path" env:"FLUXCLUSTER_SERVER_PATH"`
	AuthKey         string        `yaml:"auth_key" env:"FLUXCLUSTER_SERVER_AUTH_KEY"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"FLUXCLUSTER_SERVER_SHUTDOWN_TIMEOUT"`

	// HealthAddress serves /health, /ready and /cluster/status; empty disables it.
	HealthAddress string `yaml:"health_address" env:"FLUXCLUSTER_HEALTH_ADDRESS"`
}

// ClusterConfig holds the cluster client settings.
type ClusterConfig struct {
	// Enabled attaches a cluster client to the broker. Without it the node
	// serves as a plain sibling broker instance for other nodes.
	Enabled bool `yaml:"enabled" env:"FLUXCLUSTER_CLUSTER_ENABLED"`

	StateServerHost   string `yaml:"state_server_host" env:"FLUXCLUSTER_STATE_SERVER_HOST"`
	StateServerPort   int    `yaml:"state_server_port" env:"FLUXCLUSTER_STATE_SERVER_PORT"`
	StateServerSecure bool   `yaml:"state_server_secure" env:"FLUXCLUSTER_STATE_SERVER_SECURE"`

	// AuthKey is sent to the state server and to every sibling.
	AuthKey string `yaml:"auth_key" env:"FLUXCLUSTER_AUTH_KEY"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout" env:"FLUXCLUSTER_CONNECT_TIMEOUT"`
	AckTimeout           time.Duration `yaml:"ack_timeout" env:"FLUXCLUSTER_ACK_TIMEOUT"`
	RetryDelay           time.Duration `yaml:"retry_delay" env:"FLUXCLUSTER_RETRY_DELAY"`
	ReconnectRandomness  time.Duration `yaml:"reconnect_randomness" env:"FLUXCLUSTER_RECONNECT_RANDOMNESS"`
	MessageCacheDuration time.Duration `yaml:"message_cache_duration" env:"FLUXCLUSTER_MESSAGE_CACHE_DURATION"`

	// BatchWindow coalesces publications per channel; 0 sends each one at once.
	BatchWindow time.Duration `yaml:"batch_window" env:"FLUXCLUSTER_BATCH_WINDOW"`

	// ConvergenceTimeout re-joins a node stuck out of the active phase; 0 waits forever.
	ConvergenceTimeout time.Duration `yaml:"convergence_timeout" env:"FLUXCLUSTER_CONVERGENCE_TIMEOUT"`

	InstanceIP       string `yaml:"instance_ip" env:"FLUXCLUSTER_INSTANCE_IP"`
	InstanceIPFamily string `yaml:"instance_ip_family" env:"FLUXCLUSTER_INSTANCE_IP_FAMILY"` // IPv4, IPv6

	BreakerThreshold int           `yaml:"breaker_threshold" env:"FLUXCLUSTER_BREAKER_THRESHOLD"` // negative disables
	BreakerReset     time.Duration `yaml:"breaker_reset" env:"FLUXCLUSTER_BREAKER_RESET"`

	NoErrorLogging bool `yaml:"no_error_logging" env:"FLUXCLUSTER_NO_ERROR_LOGGING"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" env:"FLUXCLUSTER_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FLUXCLUSTER_LOG_FORMAT"` // text, json
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled" env:"FLUXCLUSTER_OTEL_ENABLED"`
	Endpoint        string  `yaml:"endpoint" env:"FLUXCLUSTER_OTEL_ENDPOINT"`
	ServiceName     string  `yaml:"service_name" env:"FLUXCLUSTER_OTEL_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"FLUXCLUSTER_OTEL_SERVICE_VERSION"`
	MetricsEnabled  bool    `yaml:"metrics_enabled" env:"FLUXCLUSTER_OTEL_METRICS_ENABLED"`
	TracesEnabled   bool    `yaml:"traces_enabled" env:"FLUXCLUSTER_OTEL_TRACES_ENABLED"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" env:"FLUXCLUSTER_OTEL_TRACE_SAMPLE_RATE"` // 0.0 to 1.0
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8000",
			Path:            "/socketcluster/",
			ShutdownTimeout: 30 * time.Second,
			HealthAddress:   ":8081",
		},
		Cluster: ClusterConfig{
			Enabled:              true,
			StateServerPort:      7777,
			ConnectTimeout:       3 * time.Second,
			AckTimeout:           2 * time.Second,
			RetryDelay:           2 * time.Second,
			ReconnectRandomness:  time.Second,
			MessageCacheDuration: 10 * time.Second,
			BreakerThreshold:     5,
			BreakerReset:         30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxcluster",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults. An empty node id is
// replaced with a random one.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields with the FLUXCLUSTER_* variables that are set.
func (c *Config) ApplyEnv() error {
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address cannot be empty")
	}
	if c.Server.HealthAddress != "" && c.Server.HealthAddress == c.Server.Address {
		return fmt.Errorf("server.health_address must differ from server.address")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	if err := c.Cluster.validate(); err != nil {
		return err
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
	}

	return nil
}

func (c ClusterConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.StateServerHost == "" {
		return fmt.Errorf("cluster.state_server_host cannot be empty")
	}
	if c.StateServerPort <= 0 || c.StateServerPort > 65535 {
		return fmt.Errorf("cluster.state_server_port must be between 1 and 65535")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("cluster.connect_timeout must be positive")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("cluster.ack_timeout must be positive")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("cluster.retry_delay must be positive")
	}
	if c.ReconnectRandomness < 0 {
		return fmt.Errorf("cluster.reconnect_randomness cannot be negative")
	}
	if c.MessageCacheDuration <= 0 {
		return fmt.Errorf("cluster.message_cache_duration must be positive")
	}
	if c.BatchWindow < 0 {
		return fmt.Errorf("cluster.batch_window cannot be negative")
	}
	if c.ConvergenceTimeout < 0 {
		return fmt.Errorf("cluster.convergence_timeout cannot be negative")
	}
	if c.BreakerThreshold > 0 && c.BreakerReset <= 0 {
		return fmt.Errorf("cluster.breaker_reset must be positive when the breaker is enabled")
	}
	switch c.InstanceIPFamily {
	case "", "IPv4", "IPv6":
	default:
		return fmt.Errorf("cluster.instance_ip_family must be IPv4 or IPv6")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
