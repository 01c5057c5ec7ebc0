package observability

import (
	"context"
	"io"
	"strings"
	"sync"
)

// NewNoOpLogger creates a slog-backed logger that discards all output, useful for testing
func NewNoOpLogger() Logger {
	config := DefaultLoggerConfig()
	config.Level = LogLevelCritical
	return NewLoggerWithWriter(io.Discard, config)
}

// NewTestLogger creates a logger for testing that writes JSON to the provided writer
func NewTestLogger(w io.Writer) Logger {
	config := DefaultLoggerConfig()
	config.Level = LogLevelDebug
	config.Format = LogFormatJSON
	return NewLoggerWithWriter(w, config)
}

// LogEntry is a single entry captured by a RecordingLogger
type LogEntry struct {
	Level   LogLevel
	Message string
	Err     error
	Fields  []Field
}

// RecordingLogger keeps every entry in memory so tests can assert on them
type RecordingLogger struct {
	mu      *sync.Mutex
	entries *[]LogEntry
	fields  []Field
}

// NewRecordingLogger creates an empty RecordingLogger
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{
		mu:      &sync.Mutex{},
		entries: &[]LogEntry{},
	}
}

func (l *RecordingLogger) record(level LogLevel, msg string, err error, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)
	*l.entries = append(*l.entries, LogEntry{Level: level, Message: msg, Err: err, Fields: all})
}

func (l *RecordingLogger) Debug(msg string, fields ...Field) { l.record(LogLevelDebug, msg, nil, fields) }
func (l *RecordingLogger) Info(msg string, fields ...Field)  { l.record(LogLevelInfo, msg, nil, fields) }
func (l *RecordingLogger) Warn(msg string, fields ...Field)  { l.record(LogLevelWarn, msg, nil, fields) }

func (l *RecordingLogger) Error(msg string, err error, fields ...Field) {
	l.record(LogLevelError, msg, err, fields)
}

func (l *RecordingLogger) Critical(msg string, err error, fields ...Field) {
	l.record(LogLevelCritical, msg, err, fields)
}

// With shares the entry buffer with the parent logger
func (l *RecordingLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &RecordingLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *RecordingLogger) WithContext(context.Context) Logger { return l }

// Entries returns a copy of everything recorded so far
func (l *RecordingLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(*l.entries))
	copy(out, *l.entries)
	return out
}

// Count returns how many entries at level contain substr in their message
func (l *RecordingLogger) Count(level LogLevel, substr string) int {
	n := 0
	for _, e := range l.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}
