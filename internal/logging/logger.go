// Package logging is the structured logger shared by every treeline package.
// It wraps log/slog so that request ids stored in a context.Context end up on
// every record logged with that context.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogLevel is the minimum severity a logger emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// ParseLevel maps a configuration string to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the logging surface every package depends on. Warn and Error
// take the error separately so it is always logged under the "error" key.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...interface{})
	Info(ctx context.Context, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
	Error(ctx context.Context, err error, msg string, fields ...interface{})

	With(fields ...interface{}) Logger
	WithComponent(component string) Logger
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // "json" or "text"
	Output    io.Writer
	AddSource bool
}

// TreelineLogger is the slog-backed Logger.
type TreelineLogger struct {
	handler   slog.Handler
	component string
	attrs     []slog.Attr
}

// NewLogger creates a logger. A nil config logs text at info level to stderr.
func NewLogger(config *LoggerConfig) *TreelineLogger {
	cfg := LoggerConfig{Level: LevelInfo}
	if config != nil {
		cfg = *config
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slog(), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return &TreelineLogger{handler: handler}
}

// Discard returns a logger that drops everything.
func Discard() *TreelineLogger {
	return NewLogger(&LoggerConfig{Level: LevelError, Output: io.Discard})
}

func (l *TreelineLogger) Debug(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, slog.LevelDebug, nil, msg, fields)
}

func (l *TreelineLogger) Info(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, slog.LevelInfo, nil, msg, fields)
}

func (l *TreelineLogger) Warn(ctx context.Context, err error, msg string, fields ...interface{}) {
	l.log(ctx, slog.LevelWarn, err, msg, fields)
}

func (l *TreelineLogger) Error(ctx context.Context, err error, msg string, fields ...interface{}) {
	l.log(ctx, slog.LevelError, err, msg, fields)
}

// With returns a logger that adds fields to every record.
func (l *TreelineLogger) With(fields ...interface{}) Logger {
	attrs := make([]slog.Attr, 0, len(l.attrs)+len(fields)/2)
	attrs = append(attrs, l.attrs...)
	return &TreelineLogger{
		handler:   l.handler,
		component: l.component,
		attrs:     appendFields(attrs, fields),
	}
}

// WithComponent returns a logger tagged with component, replacing any
// previous component.
func (l *TreelineLogger) WithComponent(component string) Logger {
	return &TreelineLogger{handler: l.handler, component: component, attrs: l.attrs}
}

func (l *TreelineLogger) log(ctx context.Context, level slog.Level, err error, msg string, fields []interface{}) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.handler.Enabled(ctx, level) {
		return
	}

	record := slog.NewRecord(time.Now(), level, msg, 0)
	if l.component != "" {
		record.AddAttrs(slog.String("component", l.component))
	}
	if err != nil {
		record.AddAttrs(slog.String("error", err.Error()))
	}
	if id := RequestIDFromContext(ctx); id != "" && !hasKey(l.attrs, "request_id") {
		record.AddAttrs(slog.String("request_id", id))
	}
	record.AddAttrs(l.attrs...)
	record.AddAttrs(appendFields(nil, fields)...)

	_ = l.handler.Handle(ctx, record)
}

// appendFields converts alternating key/value pairs. Pairs with a non-string
// key are dropped.
func appendFields(attrs []slog.Attr, fields []interface{}) []slog.Attr {
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			attrs = append(attrs, slog.Any(key, fields[i+1]))
		}
	}
	return attrs
}

func hasKey(attrs []slog.Attr, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

// FileLogger appends JSON records to a file.
type FileLogger struct {
	*TreelineLogger
	file *os.File
}

// NewFileLogger opens path for appending, creating its directory when needed.
// Records are always JSON regardless of config.Format.
func NewFileLogger(config *LoggerConfig, path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	cfg := LoggerConfig{Level: LevelInfo}
	if config != nil {
		cfg = *config
	}
	cfg.Output, cfg.Format = file, "json"
	return &FileLogger{TreelineLogger: NewLogger(&cfg), file: file}, nil
}

// Path returns the file being written.
func (f *FileLogger) Path() string { return f.file.Name() }

func (f *FileLogger) Close() error { return f.file.Close() }

// MultiLogger fans every record out to several loggers.
type MultiLogger []Logger

// NewMultiLogger combines loggers. Nil entries are skipped.
func NewMultiLogger(loggers ...Logger) MultiLogger {
	out := make(MultiLogger, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m MultiLogger) Debug(ctx context.Context, msg string, fields ...interface{}) {
	for _, l := range m {
		l.Debug(ctx, msg, fields...)
	}
}

func (m MultiLogger) Info(ctx context.Context, msg string, fields ...interface{}) {
	for _, l := range m {
		l.Info(ctx, msg, fields...)
	}
}

func (m MultiLogger) Warn(ctx context.Context, err error, msg string, fields ...interface{}) {
	for _, l := range m {
		l.Warn(ctx, err, msg, fields...)
	}
}

func (m MultiLogger) Error(ctx context.Context, err error, msg string, fields ...interface{}) {
	for _, l := range m {
		l.Error(ctx, err, msg, fields...)
	}
}

func (m MultiLogger) With(fields ...interface{}) Logger {
	return m.each(func(l Logger) Logger { return l.With(fields...) })
}

func (m MultiLogger) WithComponent(component string) Logger {
	return m.each(func(l Logger) Logger { return l.WithComponent(component) })
}

func (m MultiLogger) each(fn func(Logger) Logger) MultiLogger {
	out := make(MultiLogger, len(m))
	for i, l := range m {
		out[i] = fn(l)
	}
	return out
}

type requestIDKey struct{}

// ContextWithRequestID stores the request id so every log call made with ctx
// carries it.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

var sensitiveWords = []string{"password", "token", "secret", "key", "auth"}

const maxLoggedValue = 1000

// SanitizeForLog redacts values that look like secrets and truncates long ones.
func SanitizeForLog(data string) string {
	lower := strings.ToLower(data)
	for _, word := range sensitiveWords {
		if strings.Contains(lower, word) {
			return "[REDACTED]"
		}
	}
	if len(data) > maxLoggedValue {
		return data[:maxLoggedValue] + "...[TRUNCATED]"
	}
	return data
}

// LogSecurityEvent logs a rejected or suspicious request at warn level.
// String details are passed through SanitizeForLog.
func LogSecurityEvent(ctx context.Context, logger Logger, event string, details map[string]interface{}) {
	fields := []interface{}{"event_type", "security", "event", event}
	for k, v := range details {
		if s, ok := v.(string); ok {
			v = SanitizeForLog(s)
		}
		fields = append(fields, k, v)
	}
	logger.Warn(ctx, nil, "Security event", fields...)
}

// PerfLogger times one operation.
type PerfLogger struct {
	Logger
	start time.Time
}

// StartOperation begins timing operation.
func StartOperation(logger Logger, operation string) *PerfLogger {
	return &PerfLogger{Logger: logger.With("operation", operation), start: time.Now()}
}

// End logs the elapsed time at debug level and returns it.
func (p *PerfLogger) End(ctx context.Context, fields ...interface{}) time.Duration {
	d := time.Since(p.start)
	p.Debug(ctx, "Operation completed", append(fields, "duration_ms", d.Milliseconds())...)
	return d
}

// EndWithError logs the failure with the elapsed time and returns it.
func (p *PerfLogger) EndWithError(ctx context.Context, err error) time.Duration {
	d := time.Since(p.start)
	p.Error(ctx, err, "Operation failed", "duration_ms", d.Milliseconds())
	return d
}
