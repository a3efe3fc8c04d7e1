package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", handler)
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", handler)
}

func TestNewLogger_UnknownEnv_TextHandler(t *testing.T) {
	logger := NewLogger("staging")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok)
}

func TestNewLogger_Production_InfoLevel(t *testing.T) {
	logger := NewLogger("production")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_Development_DebugLevel(t *testing.T) {
	logger := NewLogger("development")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_WritesToGivenWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := newLogger("production", &buf)
	logger.Info("connected", "reconnect", false)

	assert.Contains(t, buf.String(), `"msg":"connected"`)
	assert.Contains(t, buf.String(), `"reconnect":false`)
}

func TestDiscard_DropsEverything(t *testing.T) {
	logger := Discard()
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}
