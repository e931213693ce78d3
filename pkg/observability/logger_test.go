package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		assert.Zero(t, buf.Len())
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		entry := decodeEntry(t, &buf)
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "info message", entry["msg"])
	})

	t.Run("warn and error logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Warn("warn message")
		assert.NotZero(t, buf.Len())

		buf.Reset()
		logger.Errorf("charge failed for %d", 42)
		entry := decodeEntry(t, &buf)
		assert.Equal(t, "ERROR", entry["level"])
		assert.Equal(t, "charge failed for 42", entry["msg"])
	})
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithCustomer(42, "subscribe").
		WithFields(map[string]interface{}{"tier": "pro"}).
		WithError(errors.New("card declined")).
		Info("charge attempted")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, float64(42), entry["customer_id"])
	assert.Equal(t, "subscribe", entry["operation"])
	assert.Equal(t, "pro", entry["tier"])
	assert.Equal(t, "card declined", entry["error"])

	assert.Same(t, logger, logger.WithError(nil))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLogLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLogLevel(" error "))
	assert.Equal(t, InfoLevel, ParseLogLevel("verbose"))
}

func TestContextHelpers(t *testing.T) {
	t.Run("request and customer ids", func(t *testing.T) {
		ctx := WithRequestID(context.Background(), "req-123")
		ctx = WithCustomerID(ctx, 77)

		assert.Equal(t, "req-123", GetRequestID(ctx))
		id, ok := GetCustomerID(ctx)
		assert.True(t, ok)
		assert.Equal(t, int64(77), id)

		_, ok = GetCustomerID(context.Background())
		assert.False(t, ok)
	})

	t.Run("FromContext", func(t *testing.T) {
		var buf bytes.Buffer
		ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
		ctx = WithRequestID(ctx, "req-123")
		ctx = WithCustomerID(ctx, 77)

		FromContext(ctx).Info("test message")

		entry := decodeEntry(t, &buf)
		assert.Equal(t, "req-123", entry["request_id"])
		assert.Equal(t, float64(77), entry["customer_id"])
	})
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", DebugLevel.String())
	assert.Equal(t, "INFO", InfoLevel.String())
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "ERROR", ErrorLevel.String())
}
