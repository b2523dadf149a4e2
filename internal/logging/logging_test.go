package logging

import (
	"bytes"
	"context"
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
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	assert.Equal(t, "second", RequestID(ctx))
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, slog.Default(), FromContext(ctx))

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	assert.Same(t, custom, FromContext(ctx))
}

func TestL_DecoratesRecords(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithOp(ctx, "load_offers")

	L(ctx).Info("catalog loaded", "count", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "req-456", rec["request_id"])
	assert.Equal(t, "load_offers", rec["op"])
	assert.Equal(t, "catalog loaded", rec["msg"])
	assert.EqualValues(t, 3, rec["count"])
}

func TestL_WithoutDecoration(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWriter(&buf, "info", "json"))

	L(ctx).Info("plain")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec, "request_id")
	assert.NotContains(t, rec, "op")
}
