package observability

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// NewField creates a new log field
func NewField(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)

	// Critical logs a condition that stops a component from doing its work
	// until an operator intervenes, such as a job that can never run.
	Critical(msg string, err error, fields ...Field)

	// With returns a logger that adds the given fields to every entry
	With(fields ...Field) Logger

	// WithContext returns a logger enriched with the trace found in ctx
	WithContext(ctx context.Context) Logger
}

// LevelSetter is implemented by loggers whose level can change at runtime
type LevelSetter interface {
	SetLevel(level LogLevel)
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarn     LogLevel = "warn"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical" // only critical entries pass
)

// LevelCritical sits above slog.LevelError.
const LevelCritical = slog.LevelError + 4

// LogFormat represents the logging format
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// LoggerConfig contains configuration for the logger
type LoggerConfig struct {
	Level  LogLevel  `json:"level" yaml:"level" validate:"required,oneof=debug info warn error critical"`
	Format LogFormat `json:"format" yaml:"format" validate:"required,oneof=json text"`

	// Service identity added to every entry when any of them is set
	ServiceName     string `json:"service_name" yaml:"service_name"`
	ServiceVersion  string `json:"service_version" yaml:"service_version"`
	ServiceInstance string `json:"service_instance" yaml:"service_instance"`
}

// DefaultLoggerConfig returns the default logger configuration
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:  LogLevelInfo,
		Format: LogFormatJSON,
	}
}

// slogLogger is the implementation of the Logger interface using slog
type slogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	config LoggerConfig
}

// NewLogger creates a new logger with the default configuration
func NewLogger() Logger {
	return NewLoggerWithConfig(DefaultLoggerConfig())
}

// NewLoggerWithConfig creates a new logger writing to stdout
func NewLoggerWithConfig(config LoggerConfig) Logger {
	return NewLoggerWithWriter(os.Stdout, config)
}

// NewLoggerWithWriter creates a new logger with a custom writer
func NewLoggerWithWriter(w io.Writer, config LoggerConfig) Logger {
	level := new(slog.LevelVar)
	level.Set(toSlogLevel(config.Level))

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameCritical,
	}

	var handler slog.Handler
	if config.Format == LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	if config.ServiceName != "" || config.ServiceVersion != "" || config.ServiceInstance != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.ServiceName),
			slog.String("version", config.ServiceVersion),
			slog.String("instance", config.ServiceInstance),
		})
	}

	return &slogLogger{
		logger: slog.New(handler),
		level:  level,
		config: config,
	}
}

// renameCritical prints LevelCritical as CRITICAL instead of ERROR+4
func renameCritical(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	case LogLevelCritical:
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

func fieldsToAttrs(fields []Field, err error) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields)+1)
	for _, field := range fields {
		attrs = append(attrs, slog.Any(field.Key, field.Value))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	return attrs
}

func (l *slogLogger) log(level slog.Level, msg string, err error, fields []Field) {
	l.logger.LogAttrs(context.Background(), level, msg, fieldsToAttrs(fields, err)...)
}

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.log(slog.LevelDebug, msg, nil, fields)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.log(slog.LevelInfo, msg, nil, fields)
}

func (l *slogLogger) Warn(msg string, fields ...Field) {
	l.log(slog.LevelWarn, msg, nil, fields)
}

func (l *slogLogger) Error(msg string, err error, fields ...Field) {
	l.log(slog.LevelError, msg, err, fields)
}

func (l *slogLogger) Critical(msg string, err error, fields ...Field) {
	l.log(LevelCritical, msg, err, fields)
}

// SetLevel changes the minimum level of this logger and every logger derived from it
func (l *slogLogger) SetLevel(level LogLevel) {
	l.level.Set(toSlogLevel(level))
}

// With returns a logger that always carries the given fields
func (l *slogLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	args := make([]any, 0, len(fields))
	for _, attr := range fieldsToAttrs(fields, nil) {
		args = append(args, attr)
	}
	return &slogLogger{
		logger: l.logger.With(args...),
		level:  l.level,
		config: l.config,
	}
}

// WithContext returns a new logger carrying the trace and span ids of ctx
func (l *slogLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}

	return &slogLogger{
		logger: l.logger.With(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		),
		level:  l.level,
		config: l.config,
	}
}
