package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// replaceConfig swaps the file in by rename so the watcher never sees a
// half-written file.
func replaceConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	writeConfig(t, tmp, body)
	require.NoError(t, os.Rename(tmp, path))
}

// TestLoad_defaults verifies an empty path yields the defaults.
func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Network.ProbeInterval)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 15*time.Second, cfg.Sync.RefreshTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Cache.Retention)
	assert.Equal(t, logging.LevelInfo, cfg.LogLevel())
}

// TestLoad_overridesDefaults verifies file values replace only what they set.
func TestLoad_overridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	writeConfig(t, path, `
data_dir: /var/lib/fieldsync
technician_id: tech-7
backend:
  base_url: https://api.example.com/
  token: secret
network:
  probe_interval: 10s
sync:
  interval: 2m
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fieldsync", cfg.DataDir)
	assert.Equal(t, "tech-7", cfg.TechnicianID)
	assert.Equal(t, 10*time.Second, cfg.Network.ProbeInterval)
	assert.Equal(t, 5*time.Second, cfg.Network.ProbeTimeout, "unset field keeps default")
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, logging.LevelDebug, cfg.LogLevel())
	assert.Equal(t, "https://api.example.com/health", cfg.ProbeURL())
	assert.Equal(t, filepath.Join("/var/lib/fieldsync", "blobs"), cfg.BlobDir())
}

// TestLoad_errors verifies unreadable, malformed and invalid files fail.
func TestLoad_errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	bad := filepath.Join(dir, "bad.yaml")
	writeConfig(t, bad, "sync: [unclosed")
	_, err = Load(bad)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	invalid := filepath.Join(dir, "invalid.yaml")
	writeConfig(t, invalid, "log:\n  level: loud\nsync:\n  interval: -1s\n")
	_, err = Load(invalid)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Contains(t, err.Error(), "sync.interval must be positive")
	assert.Contains(t, err.Error(), "unknown log level")
}

// TestProbeURL verifies an explicit probe URL wins over the backend.
func TestProbeURL(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.ProbeURL())

	cfg.Backend.BaseURL = "https://api.example.com"
	cfg.Network.ProbeURL = "https://status.example.com/ping"
	assert.Equal(t, "https://status.example.com/ping", cfg.ProbeURL())
}

// TestWatcher_reload verifies a rewritten file is reloaded and an invalid
// rewrite is ignored.
func TestWatcher_reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	writeConfig(t, path, "log:\n  level: info\n")
	initial, err := Load(path)
	require.NoError(t, err)

	changes := make(chan *Config, 8)
	w, err := NewWatcher(path, initial, func(prev, next *Config) {
		changes <- next
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	replaceConfig(t, path, "log:\n  level: warn\nnetwork:\n  probe_interval: 5s\n")

	select {
	case next := <-changes:
		assert.Equal(t, logging.LevelWarn, next.LogLevel())
		assert.Equal(t, 5*time.Second, next.Network.ProbeInterval)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
	assert.Equal(t, logging.LevelWarn, w.Current().LogLevel())

	replaceConfig(t, path, "log:\n  level: shout\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, logging.LevelWarn, w.Current().LogLevel(), "invalid change keeps previous config")
}

// TestWatcher_startTwice verifies a second Start fails and Stop is safe to
// call on a stopped watcher.
func TestWatcher_startTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	writeConfig(t, path, "")

	w, err := NewWatcher(path, Default(), nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	assert.Error(t, w.Start())
	assert.NoError(t, w.Stop())
}
