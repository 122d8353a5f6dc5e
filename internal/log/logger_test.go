package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = newLogger(&buf, "info")

	WithComponent("orchestrator").Info("hello")

	out := decodeLine(t, &buf)
	assert.Equal(t, "orchestrator", out["component"])
	assert.Equal(t, "hello", out["msg"])
}

func TestWithTaskExecution(t *testing.T) {
	var buf bytes.Buffer
	logger = newLogger(&buf, "info")

	WithTaskExecution("p-1-a").Info("task msg")
	out := decodeLine(t, &buf)
	assert.Equal(t, "p-1-a", out["task_execution_id"])
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger = newLogger(&buf, "info")

	Debug("quiet")
	assert.Zero(t, buf.Len())
}
