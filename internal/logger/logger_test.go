package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestRingBufferWrapsOldestFirst(t *testing.T) {
	rb := newRingBuffer(3)
	for i, msg := range []string{"a", "b", "c", "d"} {
		level := slog.LevelWarn
		if i == 3 {
			level = slog.LevelError
		}
		rb.add(LogEntry{Level: level, Message: msg})
	}

	entries := rb.getAll()
	require.Len(t, entries, 3)
	assert.Equal(t, "b", entries[0].Message)
	assert.Equal(t, "d", entries[2].Message)

	warn, errCount := rb.getCounts()
	assert.Equal(t, 3, warn)
	assert.Equal(t, 1, errCount)
}

func TestInitConsoleCapturesWarnings(t *testing.T) {
	var buf bytes.Buffer
	InitConsole(LevelInfo, &buf)
	t.Cleanup(func() { Log = nil })
	assert.False(t, IsDebugEnabled())

	Debug("hidden")
	Info("shown")
	Warn("careful", "connection", "db1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "connection=db1")

	entries := GetEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "careful", entries[0].Message)
	assert.Equal(t, "db1", entries[0].Connection)
	assert.Contains(t, entries[0].Format(), "WARN [db1] careful")

	With("connection", "db2").Error("broken")
	entries = GetEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "db2", entries[1].Connection)
	warn, errCount := GetCounts()
	assert.Equal(t, 1, warn)
	assert.Equal(t, 1, errCount)
}
