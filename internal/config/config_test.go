package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5, cfg.Hub.MaxAlertSubscribers)
	assert.True(t, cfg.Hub.DedupeAlertByIP)
	assert.Equal(t, 10*time.Second, cfg.Hub.SweepInterval)
	assert.Equal(t, int64(5*1024*1024), cfg.Hub.ReadLimitBytes)
	assert.Equal(t, "Asia/Seoul", cfg.Hub.Timezone)
	assert.Equal(t, 1, cfg.Hub.DefaultSubjectKey)
	assert.Equal(t, 3*time.Second, cfg.Upstream.RetryDelay)
	assert.Equal(t, 256, cfg.Upstream.QueueSize)
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8443
hub:
  max_alert_subscribers: 2
  dedupe_alert_by_ip: false
  sweep_interval: 30s
  timezone: UTC
upstream:
  url: ws://inference:9000/events
  queue_size: 16
  retry_delay: 1s
logging:
  level: debug
  json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 2, cfg.Hub.MaxAlertSubscribers)
	assert.False(t, cfg.Hub.DedupeAlertByIP)
	assert.Equal(t, 30*time.Second, cfg.Hub.SweepInterval)
	assert.Equal(t, "ws://inference:9000/events", cfg.Upstream.URL)
	assert.Equal(t, 16, cfg.Upstream.QueueSize)
	assert.Equal(t, time.Second, cfg.Upstream.RetryDelay)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_InvalidTimezone(t *testing.T) {
	path := writeConfig(t, "hub:\n  timezone: Nowhere/Invalid\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsZeroQueue(t *testing.T) {
	path := writeConfig(t, "upstream:\n  queue_size: -1\n")

	_, err := Load(path)
	assert.Error(t, err)
}
