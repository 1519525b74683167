// Package observability defines shared logging primitives.
package observability

import "log/slog"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// NewSlogLogger adapts a slog.Logger to the Logger interface.
func NewSlogLogger(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &slogLogger{base: base}
}

type slogLogger struct {
	base *slog.Logger
}

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.base.Debug(msg, slogArgs(fields)...)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.base.Info(msg, slogArgs(fields)...)
}

func (l *slogLogger) Error(msg string, fields ...Field) {
	l.base.Error(msg, slogArgs(fields)...)
}

func slogArgs(fields []Field) []any {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, slog.Any(f.Key, f.Value))
	}
	return args
}
