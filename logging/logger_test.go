package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLogger_KeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(Config{Level: LogLevelInfo, Output: &buf})

	l.Debug("engine.turn.started", "agent", "Critique")
	assert.Zero(t, buf.Len(), "debug is below the configured level")

	With(l, "session_id", "s1").Info("engine.turn.completed", "agent", "Critique", "turn", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine.turn.completed", entry["message"])
	assert.Equal(t, "s1", entry["session_id"])
	assert.Equal(t, "Critique", entry["agent"])
	assert.Equal(t, float64(2), entry["turn"])
	assert.Equal(t, "info", entry["level"])
}

func TestSlogLogger_KeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(Config{Level: LogLevelDebug, Format: "json", Output: &buf})

	With(With(l, "session_id", "s1"), "agent", "DrugSearch").Warn("dispatch.tool.timeout", "tool", "search")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatch.tool.timeout", entry["msg"])
	assert.Equal(t, "s1", entry["session_id"])
	assert.Equal(t, "DrugSearch", entry["agent"])
	assert.Equal(t, "search", entry["tool"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel("verbose"))
	assert.Equal(t, "WARN", LogLevelWarn.String())
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = NoOpLogger{}
	assert.NotPanics(t, func() { With(l, "k", "v").Error("x", "a", 1) })
}
