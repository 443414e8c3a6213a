package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// osStderr is the console sink, swapped in tests. Stdout is left to command
// output such as replayed frames.
var (
	osStderr io.Writer = os.Stderr
	osPipe             = os.Pipe
)

// SlogManager owns the process logger: text records to a file (or the
// console), JSON records to extra writers such as GELF, and an otelslog
// bridge when a log provider is set.
type SlogManager struct {
	logger   *slog.Logger
	context  ContextProvider
	provider *sdklog.LoggerProvider
}

// NewSlogManager creates a manager whose Logger is slog.Default until Setup.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// parseLevel maps a config level name to a slog level; unknown names are info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetContextProvider makes every record carry the attrs returned by p.
// It takes effect on the next Setup.
func (m *SlogManager) SetContextProvider(p ContextProvider) {
	m.context = p
}

// Setup replaces the logger. Text records go to file, or to stderr when file
// is nil. Each non-nil extra writer receives JSON records. A nil provider
// disables the OTel bridge.
func (m *SlogManager) Setup(file io.Writer, level string, provider *sdklog.LoggerProvider, extra ...io.Writer) {
	m.provider = provider
	opts := handlerOptions(parseLevel(level))

	if file == nil {
		file = osStderr
	}
	sinks := []slog.Handler{slog.NewTextHandler(file, opts)}
	for _, w := range extra {
		if w != nil {
			sinks = append(sinks, slog.NewJSONHandler(w, opts))
		}
	}
	if provider != nil {
		sinks = append(sinks, otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(provider)))
	}

	var h slog.Handler = NewMultiHandler(sinks...)
	if m.context != nil {
		h = NewContextHandler(h, m.context)
	}
	m.logger = slog.New(h)
	m.logger.Info("Logging initialized", "level", level, "sinks", len(sinks))
}

// handlerOptions renders times as UTC RFC3339.
func handlerOptions(lvl slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key != slog.TimeKey {
				return a
			}
			if t, ok := a.Value.Any().(time.Time); ok {
				a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
			}
			return a
		},
	}
}

// Logger returns the configured logger, or slog.Default before Setup.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush forces pending OTel records out.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.ForceFlush(ctx)
}
