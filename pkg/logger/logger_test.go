package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), "level %q", tt.input)
	}
}

func TestInit_JSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	prev := slog.Default()
	defer slog.SetDefault(prev)

	log := Init(slog.LevelWarn, out, FormatJSON)
	log.Info("should be filtered")
	log.Warn("task retried", "task_id", "task-1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "task retried", entry["msg"])
	assert.Equal(t, "task-1", entry["task_id"])
}

func TestInit_SetsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	prev := slog.Default()
	defer slog.SetDefault(prev)

	log := Init(slog.LevelInfo, out, FormatText)
	assert.Same(t, log, slog.Default())
}
