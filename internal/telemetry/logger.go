package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger provides structured logging backed by log/slog.
type Logger struct {
	inner   *slog.Logger
	level   slog.Level
	format  string
	mu      sync.Mutex
	writers []io.Writer
}

// LogOptions configures a Logger beyond the verbose flag.
type LogOptions struct {
	Level      string // debug, info, warn, error
	Format     string // text, json
	File       string // optional rotated log file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger creates a new structured logger writing text to stderr.
func NewLogger(verbose bool) *Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	l := &Logger{
		level:   level,
		format:  "text",
		writers: []io.Writer{os.Stderr},
	}
	l.rebuild()
	return l
}

// NewLoggerWithOptions creates a logger from logging configuration.
// verbose forces debug level regardless of opts.Level.
func NewLoggerWithOptions(opts LogOptions, verbose bool) (*Logger, error) {
	l := &Logger{
		level:   parseLevel(opts.Level),
		format:  strings.ToLower(opts.Format),
		writers: []io.Writer{os.Stderr},
	}
	if verbose {
		l.level = slog.LevelDebug
	}
	if l.format == "" {
		l.format = "text"
	}

	if opts.File != "" {
		if err := l.addRotatingFile(opts); err != nil {
			return nil, err
		}
	}
	l.rebuild()
	return l, nil
}

// WithFile adds rotated file output to the logger.
func (l *Logger) WithFile(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.addRotatingFile(LogOptions{File: path}); err != nil {
		return err
	}
	l.rebuild()
	return nil
}

func (l *Logger) addRotatingFile(opts LogOptions) error {
	dir := filepath.Dir(opts.File)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}

	l.writers = append(l.writers, &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	})
	return nil
}

func (l *Logger) rebuild() {
	out := io.MultiWriter(l.writers...)
	handlerOpts := &slog.HandlerOptions{Level: l.level}

	var handler slog.Handler
	if l.format == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	l.inner = slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithFields returns a new logger with additional key-value fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	writersCopy := make([]io.Writer, len(l.writers))
	copy(writersCopy, l.writers)

	return &Logger{
		inner:   l.inner.With(args...),
		level:   l.level,
		format:  l.format,
		writers: writersCopy,
	}
}

// With returns a new logger with additional keyvals.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	return &Logger{
		inner:   l.inner.With(keyvals...),
		level:   l.level,
		format:  l.format,
		writers: l.writers,
	}
}

// Close closes all file writers.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, w := range l.writers {
		c, ok := w.(io.Closer)
		if !ok || w == os.Stderr || w == os.Stdout {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Slog returns the underlying *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.inner
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.inner.Debug(msg, keyvals...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.inner.Info(msg, keyvals...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.inner.Warn(msg, keyvals...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.inner.Error(msg, keyvals...)
}
