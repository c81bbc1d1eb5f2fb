package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  LogConfig
		wantErr bool
	}{
		{
			name:   "default config",
			config: DefaultLogConfig(),
		},
		{
			name:   "console format",
			config: LogConfig{Level: "debug", Format: "console", Output: "stdout"},
		},
		{
			name:   "stderr output",
			config: LogConfig{Level: "warn", Format: "json", Output: "stderr"},
		},
		{
			name:    "invalid level",
			config:  LogConfig{Level: "invalid", Format: "json"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestLogger_WritesJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewLoggerWithWriter(LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.With(String("component", "tls")).Info("acceptor built", Int("alpn", 2))
	require.NoError(t, logger.Sync())

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "acceptor built", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, "tls", entries[0]["component"])
	assert.Equal(t, float64(2), entries[0]["alpn"])
}

func TestSetLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewLoggerWithWriter(LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	child := logger.With(String("component", "cache"))

	child.Info("before")
	require.NoError(t, SetLevel(logger, "debug"))
	child.Debug("after")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0]["message"])

	assert.Error(t, SetLevel(logger, "loud"))
}

func TestLogger_WithContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewLoggerWithWriter(LogConfig{Level: "info"}, &buf)
	require.NoError(t, err)

	assert.Same(t, logger, logger.WithContext(context.Background()))

	ctx := ContextWithConnectionID(context.Background(), "conn-1")
	ctx = ContextWithTraceID(ctx, "trace-1")
	ctx = ContextWithSpanID(ctx, "span-1")
	logger.WithContext(ctx).Info("handshake")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "conn-1", entries[0]["connection_id"])
	assert.Equal(t, "trace-1", entries[0]["trace_id"])
	assert.Equal(t, "span-1", entries[0]["span_id"])
}

func TestContextAccessors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, ConnectionIDFromContext(ctx))
	assert.Empty(t, TraceIDFromContext(ctx))
	assert.Empty(t, SpanIDFromContext(ctx))

	ctx = ContextWithConnectionID(ctx, "c")
	ctx = ContextWithTraceID(ctx, "t")
	ctx = ContextWithSpanID(ctx, "s")
	assert.Equal(t, "c", ConnectionIDFromContext(ctx))
	assert.Equal(t, "t", TraceIDFromContext(ctx))
	assert.Equal(t, "s", SpanIDFromContext(ctx))
}

func TestGlobalLogger(t *testing.T) {
	original := GetGlobalLogger()
	defer SetGlobalLogger(original)

	nop := NopLogger()
	SetGlobalLogger(nop)
	assert.Same(t, nop, L())
	assert.NoError(t, SetLevel(nop, "debug"))
}
