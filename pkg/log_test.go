package pkg

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// swapLogger installs a text logger writing to buf for the duration of t.
func swapLogger(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := Logger()
	t.Cleanup(func() { SetLogger(original) })
	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: level}))
	return &buf
}

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			assert.Equal(t, tt.level, GetLogLevel())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.in))
		})
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, nil)
	require.NotNil(t, logger)

	logger.Warn("test message")
	assert.Contains(t, buf.String(), `"msg":"test message"`)
}

func TestLogHelpers(t *testing.T) {
	tests := []struct {
		name      string
		log       func(Component, string, ...any)
		component Component
	}{
		{"trace", LogTrace, ComponentChannel},
		{"debug", LogDebug, ComponentDMA},
		{"info", LogInfo, ComponentHCD},
		{"warn", LogWarn, ComponentPort},
		{"error", LogError, ComponentEndpoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := swapLogger(t, LevelTrace)
			tt.log(tt.component, tt.name+" message", "key", "value")

			out := buf.String()
			assert.Contains(t, out, tt.name+" message")
			assert.Contains(t, out, "component="+string(tt.component))
			assert.Contains(t, out, "key=value")
		})
	}
}

func TestLogFiltered(t *testing.T) {
	buf := swapLogger(t, slog.LevelWarn)
	LogDebug(ComponentSim, "hidden")
	assert.Empty(t, buf.String())
}

func TestSetLogFormat(t *testing.T) {
	var buf bytes.Buffer
	original := Logger()
	t.Cleanup(func() {
		SetLogOutput(os.Stderr)
		SetLogger(original)
	})

	SetLogOutput(&buf)
	SetLogFormat(LogFormatJSON)
	LogError(ComponentHCD, "json output")
	assert.Contains(t, buf.String(), `"component":"hcd"`)

	buf.Reset()
	SetLogFormat(LogFormatText)
	LogError(ComponentHCD, "text output")
	assert.Contains(t, buf.String(), "component=hcd")
}
