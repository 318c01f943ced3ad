package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, slog.LevelInfo)

	logger.InfoContext(context.Background(), "download created", "download_key", "a")

	entry := decodeLine(t, &buf)
	require.NotContains(t, entry, "trace_id")
	require.NotContains(t, entry, "span_id")
	require.Equal(t, "download created", entry["msg"])
	require.Equal(t, "a", entry["download_key"])
}

func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, slog.LevelInfo)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.InfoContext(ctx, "chunk written")

	entry := decodeLine(t, &buf)
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	require.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	require.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	require.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "engine")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	grouped := withAttrs.WithGroup("transfer")
	require.IsType(t, &TraceHandler{}, grouped)

	slog.New(grouped).Info("progress", "bytes", 10)

	entry := decodeLine(t, &buf)
	require.Equal(t, "engine", entry["component"])
	require.Contains(t, entry, "transfer")
}

func TestTraceHandler_NilHandler(t *testing.T) {
	require.Panics(t, func() { NewTraceHandler(nil) })
}

func TestWithDownloadKey(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewJSONLogger(&buf, slog.LevelDebug))

	ctx, logger := WithDownloadKey(ctx, "movie")
	require.Same(t, logger, LoggerFromContext(ctx))

	logger.Debug("scoped")

	entry := decodeLine(t, &buf)
	require.Equal(t, "movie", entry["download_key"])
}

func TestLoggerFromContext_Default(t *testing.T) {
	require.Same(t, slog.Default(), LoggerFromContext(context.Background()))
}
