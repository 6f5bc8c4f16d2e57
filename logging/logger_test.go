package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		"warning": LogLevelWarn,
		" error ": LogLevelError,
		"bogus":   LogLevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestBridgeLogger_JSONAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf}).
		WithComponent("runner").
		WithConversation("conv-1").
		With("thread_id", "th-1")

	l.Info("run started", "run_id", "run-1")
	l.Debug("suppressed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "run started", entry["msg"])
	assert.Equal(t, "runner", entry["component"])
	assert.Equal(t, "conv-1", entry["conversation_id"])
	assert.Equal(t, "th-1", entry["thread_id"])
	assert.Equal(t, "run-1", entry["run_id"])
}

func TestBridgeLogger_WithDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Format: "json", Output: &buf})
	_ = base.With("k", "v")

	base.Info("plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, ok := entry["k"]
	assert.False(t, ok)
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := slog.New(NewColorHandler(&buf, slog.LevelInfo)).With("component", "orchestrator")

	logger.Debug("hidden")
	logger.Warn("lane busy", "conversation_id", "c1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN lane busy")
	assert.Contains(t, out, "component=orchestrator")
	assert.Contains(t, out, "conversation_id=c1")
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = NoOpLogger{}
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x")
		l.Warn("x")
		l.Error("x")
	})
}
