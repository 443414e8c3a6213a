package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerAdapter_NilUsesDefault(t *testing.T) {
	a := NewLoggerAdapter(nil)
	require.NotNil(t, a)
	assert.Equal(t, slog.Default(), a.logger)
}

func TestLoggerAdapter_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(*LoggerAdapter)
	}{
		{"DEBUG", func(a *LoggerAdapter) { a.Debug("test message", "key1", "value1", "key2", 42) }},
		{"INFO", func(a *LoggerAdapter) { a.Info("test message", "key1", "value1", "key2", 42) }},
		{"ERROR", func(a *LoggerAdapter) { a.Error("test message", "key1", "value1", "key2", 42) }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			tt.log(NewLoggerAdapter(logger))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "test message", entry["msg"])
			assert.Equal(t, "value1", entry["key1"])
			assert.Equal(t, float64(42), entry["key2"])
		})
	}
}

func TestNewZerolog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerolog(&buf, "info")

	logger.Debug().Msg("hidden")
	logger.Info().Str("bucket", "perf").Msg("written")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "written")
	assert.Contains(t, out, "bucket=perf")
}

func TestZerologLevel(t *testing.T) {
	assert.Equal(t, "trace", zerologLevel("trace").String())
	assert.Equal(t, "debug", zerologLevel("DEBUG").String())
	assert.Equal(t, "warn", zerologLevel("warn").String())
	assert.Equal(t, "error", zerologLevel("error").String())
	assert.Equal(t, "info", zerologLevel("bogus").String())
}
