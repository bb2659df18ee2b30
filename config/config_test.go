// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.NodeID = "node-1"
	cfg.Cluster.StateServerHost = "state.local"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8000", cfg.Server.Address)
	assert.Equal(t, ":8081", cfg.Server.HealthAddress)
	assert.True(t, cfg.Cluster.Enabled)
	assert.Equal(t, 7777, cfg.Cluster.StateServerPort)
	assert.Equal(t, 3*time.Second, cfg.Cluster.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.Cluster.AckTimeout)
	assert.Equal(t, 2*time.Second, cfg.Cluster.RetryDelay)
	assert.Equal(t, time.Second, cfg.Cluster.ReconnectRandomness)
	assert.Equal(t, 10*time.Second, cfg.Cluster.MessageCacheDuration)
	assert.Zero(t, cfg.Cluster.BatchWindow)
	assert.Zero(t, cfg.Cluster.ConvergenceTimeout)
	assert.False(t, cfg.Cluster.NoErrorLogging)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.Error(t, cfg.Validate(), "the state server host has no default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "empty server address",
			modify:  func(c *Config) { c.Server.Address = "" },
			wantErr: "server.address",
		},
		{
			name:    "health address shared with server",
			modify:  func(c *Config) { c.Server.HealthAddress = c.Server.Address },
			wantErr: "server.health_address",
		},
		{
			name:   "health server disabled",
			modify: func(c *Config) { c.Server.HealthAddress = "" },
		},
		{
			name:    "missing state server host",
			modify:  func(c *Config) { c.Cluster.StateServerHost = "" },
			wantErr: "cluster.state_server_host",
		},
		{
			name: "missing host with cluster disabled",
			modify: func(c *Config) {
				c.Cluster.Enabled = false
				c.Cluster.StateServerHost = ""
			},
		},
		{
			name:    "state server port out of range",
			modify:  func(c *Config) { c.Cluster.StateServerPort = 70000 },
			wantErr: "cluster.state_server_port",
		},
		{
			name:    "zero ack timeout",
			modify:  func(c *Config) { c.Cluster.AckTimeout = 0 },
			wantErr: "cluster.ack_timeout",
		},
		{
			name:    "zero retry delay",
			modify:  func(c *Config) { c.Cluster.RetryDelay = 0 },
			wantErr: "cluster.retry_delay",
		},
		{
			name:    "negative batch window",
			modify:  func(c *Config) { c.Cluster.BatchWindow = -time.Second },
			wantErr: "cluster.batch_window",
		},
		{
			name:    "negative convergence timeout",
			modify:  func(c *Config) { c.Cluster.ConvergenceTimeout = -time.Second },
			wantErr: "cluster.convergence_timeout",
		},
		{
			name:    "unknown ip family",
			modify:  func(c *Config) { c.Cluster.InstanceIPFamily = "IPX" },
			wantErr: "cluster.instance_ip_family",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "sample rate above one",
			modify:  func(c *Config) { c.Telemetry.TraceSampleRate = 1.5 },
			wantErr: "telemetry.trace_sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
node_id: node-7
cluster:
  state_server_host: 10.0.0.9
  state_server_port: 7000
  batch_window: 50ms
  instance_ip: 10.0.0.7
  instance_ip_family: IPv4
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, "10.0.0.9", cfg.Cluster.StateServerHost)
	assert.Equal(t, 7000, cfg.Cluster.StateServerPort)
	assert.Equal(t, 50*time.Millisecond, cfg.Cluster.BatchWindow)
	assert.Equal(t, "IPv4", cfg.Cluster.InstanceIPFamily)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Cluster.AckTimeout, "unset options keep their defaults")
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster:\n  state_server_host: from-file\n"), 0o644))

	t.Setenv("FLUXCLUSTER_STATE_SERVER_HOST", "from-env")
	t.Setenv("FLUXCLUSTER_ACK_TIMEOUT", "5s")
	t.Setenv("FLUXCLUSTER_NO_ERROR_LOGGING", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Cluster.StateServerHost)
	assert.Equal(t, 5*time.Second, cfg.Cluster.AckTimeout)
	assert.True(t, cfg.Cluster.NoErrorLogging)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("FLUXCLUSTER_STATE_SERVER_HOST", "state.local")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, withHost(Default().Cluster, "state.local"), cfg.Cluster)
	assert.NotEmpty(t, cfg.NodeID, "a node id is generated")
}

func withHost(c ClusterConfig, host string) ClusterConfig {
	c.StateServerHost = host
	return c
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("cluster: [not, a, map]"), 0o644))
	_, err := Load(bad)
	assert.ErrorContains(t, err, "failed to parse config file")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("cluster:\n  state_server_host: x\nlog:\n  level: loud\n"), 0o644))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := validConfig()
	cfg.Cluster.ConvergenceTimeout = 15 * time.Second

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
