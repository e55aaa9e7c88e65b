// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	assert.Same(t, first, Get())
	assert.Equal(t, &buf1, Get().out)
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	logger := Get()
	require.NotNil(t, logger)
	assert.Equal(t, os.Stdout, logger.out)
	assert.Equal(t, LevelInfo, logger.minLevel)
}

// TestLogger_levelFiltering verifies entries below the minimum level are dropped.
func TestLogger_levelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn", map[string]interface{}{"item_id": "q-1"})
	logger.Error("error", errors.New("boom"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "q-1", entries[0].Context["item_id"])
	assert.Equal(t, "ERROR", entries[1].Level)
	assert.Equal(t, "boom", entries[1].Error)
}

// TestLogger_SetLevel verifies runtime level changes take effect.
func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelError)

	logger.Info("hidden")
	logger.SetLevel(LevelDebug)
	logger.Debug("visible")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "visible", entries[0].Message)
	assert.Equal(t, LevelDebug, logger.Level())
}

// TestLogger_ErrorWithCode verifies the code field is emitted.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("drain failed", "SYNC_FAILED", errors.New("timeout"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "SYNC_FAILED", entries[0].Code)
	assert.Equal(t, "timeout", entries[0].Error)
}

// TestLogger_mergesContexts verifies multiple context maps are merged.
func TestLogger_mergesContexts(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("merged", map[string]interface{}{"a": 1}, map[string]interface{}{"b": "two"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0].Context["a"])
	assert.Equal(t, "two", entries[0].Context["b"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" WARN ", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

// TestInitFile verifies the rotated file receives entries.
func TestInitFile(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	path := filepath.Join(t.TempDir(), "fieldsync.log")
	closer := InitFile(FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}, LevelInfo)
	Info("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")

	global = nil
	once = *new(sync.Once)
}
