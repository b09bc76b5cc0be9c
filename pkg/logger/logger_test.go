package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestNewWithWriter_TagsService(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("sagaflow", "info", &buf)

	l.Info("started")

	line := logLine(t, &buf)
	assert.Equal(t, "sagaflow", line["service"])
	assert.Equal(t, "started", line["msg"])
	assert.Equal(t, "INFO", line["level"])
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("sagaflow", "warn", &buf)

	l.Info("suppressed")
	assert.Zero(t, buf.Len())

	l.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestNewWithWriter_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("sagaflow", "bogus", &buf)

	l.Debug("suppressed")
	assert.Zero(t, buf.Len())

	l.Info("kept")
	assert.NotZero(t, buf.Len())
}

func TestCorrelationID_RoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "order-42")
	assert.Equal(t, "order-42", CorrelationIDFromContext(ctx))
}

func TestCorrelationIDFromContext_Missing(t *testing.T) {
	assert.Equal(t, "", CorrelationIDFromContext(context.Background()))
}

func TestFromContext_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	stored := NewWithWriter("sagaflow", "info", &buf)

	ctx := NewContext(context.Background(), stored)
	assert.Same(t, stored, FromContext(ctx))
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestWithContext_AddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("sagaflow", "info", &buf)

	ctx := WithCorrelationID(context.Background(), "order-42")
	WithContext(ctx, l).Info("handled")

	line := logLine(t, &buf)
	assert.Equal(t, "order-42", line["correlation_id"])
}

func TestWithContext_NoCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("sagaflow", "info", &buf)

	WithContext(context.Background(), l).Info("handled")

	line := logLine(t, &buf)
	assert.NotContains(t, line, "correlation_id")
}
