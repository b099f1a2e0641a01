package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName is the name of the pool log inside the log directory.
const LogFileName = "pool.log"

// Logger provides structured logging with context propagation.
// It is safe for concurrent use. Child loggers share the level and the
// underlying writer with their parent.
type Logger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	closer *closeOnce
}

type closeOnce struct {
	mu sync.Mutex
	c  io.Closer
}

func (c *closeOnce) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c == nil {
		return nil
	}
	err := c.c.Close()
	c.c = nil
	return err
}

// NewLogger creates a Logger that writes JSON-formatted logs to {dir}/pool.log.
// When rotation.MaxSizeMB is positive the file is rotated by size.
// If dir is empty, logs are written to stderr.
func NewLogger(dir string, level string, rotation RotationConfig) (*Logger, error) {
	if dir == "" {
		return New(os.Stderr, level, false), nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rw, err := NewRotatingWriter(filepath.Join(dir, LogFileName), rotation)
	if err != nil {
		return nil, err
	}

	l := New(rw, level, false)
	l.closer = &closeOnce{c: rw}
	return l, nil
}

// New creates a Logger writing to w. When text is true a human-readable
// text handler is used instead of JSON.
func New(w io.Writer, level string, text bool) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))

	opts := &slog.HandlerOptions{Level: lv}
	var handler slog.Handler
	if text {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		level:  lv,
	}
}

// NewForwarding creates a Logger whose records are handed to sink instead of
// being written locally. Worker processes use it to ship logs to the pool.
func NewForwarding(sink Sink, level string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))
	return &Logger{
		logger: slog.New(NewForwardHandler(sink, lv)),
		level:  lv,
	}
}

// NopLogger returns a Logger that discards all log output.
func NopLogger() *Logger {
	return New(io.Discard, LevelError, false)
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "WARNING":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the minimum level of this logger and every logger
// derived from the same root.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current minimum level as one of the Level* constants.
func (l *Logger) Level() string {
	return levelName(l.level.Level())
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// WithWorker returns a child Logger tagged with the worker id.
func (l *Logger) WithWorker(id int) *Logger {
	return l.With("worker_id", id)
}

// WithGroup returns a child Logger tagged with the worker group name.
func (l *Logger) WithGroup(name string) *Logger {
	return l.With("group", name)
}

// WithComponent returns a child Logger tagged with a component name such as
// "router" or "broker".
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// With returns a child Logger with arbitrary key-value attributes.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{
		logger: l.logger.With(args...),
		level:  l.level,
		closer: l.closer,
	}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Log(context.Background(), slog.LevelDebug, msg, args...)
}

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Log(context.Background(), slog.LevelInfo, msg, args...)
}

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Log(context.Background(), slog.LevelWarn, msg, args...)
}

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Log(context.Background(), slog.LevelError, msg, args...)
}

// Emit logs a record received from another process. Fields are emitted in
// key order so forwarded records are stable across runs.
func (l *Logger) Emit(level, msg string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	l.logger.Log(context.Background(), parseLevel(level), msg, args...)
}

// Slog exposes the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Close flushes and closes the log file. It is a no-op for loggers not
// backed by a file.
func (l *Logger) Close() error {
	return l.closer.Close()
}

// ParseLevel converts a string level to the corresponding constant.
// Returns LevelInfo if the level string is not recognized.
func ParseLevel(level string) string {
	return levelName(parseLevel(level))
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
