package logging

import "log/slog"

// LoggerAdapter adapts *slog.Logger to the small Debug/Info/Error interface
// taken by the dispatcher and the scheduler.
type LoggerAdapter struct {
	logger *slog.Logger
}

// NewLoggerAdapter creates a new LoggerAdapter wrapping a slog.Logger.
func NewLoggerAdapter(logger *slog.Logger) *LoggerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerAdapter{logger: logger}
}

// Debug logs a debug message with optional key-value pairs.
func (l *LoggerAdapter) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

// Info logs an info message with optional key-value pairs.
func (l *LoggerAdapter) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

// Error logs an error message with optional key-value pairs.
func (l *LoggerAdapter) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}
