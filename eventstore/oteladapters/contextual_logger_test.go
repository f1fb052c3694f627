package oteladapters_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/log/noop"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
	"github.com/AntonStoeckl/eventstore-tail/eventstore/oteladapters"
)

func Test_SlogBridgeLoggerWithHandler_WritesToTheHandler(t *testing.T) {
	// setup
	var buf bytes.Buffer
	logger := oteladapters.NewSlogBridgeLoggerWithHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// act
	logger.InfoContext(context.Background(), "ordering violation detected", "position", int64(3))
	logger.Debug("plain debug", "key", "value")

	// assert
	assert.Contains(t, buf.String(), `"msg":"ordering violation detected"`)
	assert.Contains(t, buf.String(), `"position":3`)
	assert.Contains(t, buf.String(), `"msg":"plain debug"`)
}

func Test_SlogBridgeLogger_SatisfiesBothPorts(t *testing.T) {
	logger := oteladapters.NewSlogBridgeLogger("test")

	var plain eventstore.Logger = logger
	var contextual eventstore.ContextualLogger = logger

	assert.NotPanics(t, func() {
		plain.Info("info message", "key", "value")
		contextual.WarnContext(context.Background(), "warn message", "key", "value")
	})
}

func Test_OTelLogger_EmitsWithoutPanicking(t *testing.T) {
	logger := oteladapters.NewOTelLogger(noop.NewLoggerProvider().Logger("test"))

	assert.NotPanics(t, func() {
		logger.DebugContext(context.Background(), "debug", "int", 1, "float", 1.5, "bool", true)
		logger.ErrorContext(context.Background(), "error", "error", errors.New("boom"), "dangling")
		logger.InfoContext(context.Background(), "info", 42, "non-string key is skipped")
	})
}
