package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"weaver/internal/logging"
)

// Logger wraps slog for structured logging
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// NewLogger creates a new structured logger
func NewLogger(config LogConfig) *Logger {
	// Default to info level
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	// Default to stderr
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
	}
}

// WithContext adds context fields to logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var args []any

	// An active span beats any manually threaded id.
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		args = append(args, "trace_id", sc.TraceID().String())
	}

	if executionID := ExecutionIDFromContext(ctx); executionID != "" {
		args = append(args, "execution_id", executionID)
	}

	if len(args) == 0 {
		return l
	}

	return &Logger{
		logger: l.logger.With(args...),
	}
}

// With adds additional fields to the logger
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger: l.logger.With(args...),
	}
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs at info level
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs at error level
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// DebugContext logs at debug level with context
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// InfoContext logs at info level with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// WarnContext logs at warn level with context
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// ErrorContext logs at error level with context
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}

// Printf adapts the structured logger to the printf-style contract the
// engine packages log through. Formatted messages land as the slog
// message with no extra attributes.
func (l *Logger) Printf() logging.Logger {
	return printfLogger{logger: l.logger}
}

type printfLogger struct {
	logger *slog.Logger
}

func (p printfLogger) Debug(format string, args ...any) {
	p.logger.Debug(fmt.Sprintf(format, args...))
}

func (p printfLogger) Info(format string, args ...any) {
	p.logger.Info(fmt.Sprintf(format, args...))
}

func (p printfLogger) Warn(format string, args ...any) {
	p.logger.Warn(fmt.Sprintf(format, args...))
}

func (p printfLogger) Error(format string, args ...any) {
	p.logger.Error(fmt.Sprintf(format, args...))
}

// SanitizeDSN masks the credential portion of a connection string so
// store targets can be logged. Both URL and keyword DSNs are handled.
func SanitizeDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		rest := dsn[i+3:]
		if at := strings.IndexByte(rest, '@'); at >= 0 {
			cred := rest[:at]
			if colon := strings.IndexByte(cred, ':'); colon >= 0 {
				return dsn[:i+3] + cred[:colon] + ":***" + rest[at:]
			}
		}
		return dsn
	}

	fields := strings.Fields(dsn)
	for idx, field := range fields {
		if strings.HasPrefix(field, "password=") {
			fields[idx] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}

// Context key types
type contextKey string

const executionIDKey contextKey = "execution_id"

// ContextWithExecutionID adds an execution ID to context
func ContextWithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// ExecutionIDFromContext extracts the execution ID from context
func ExecutionIDFromContext(ctx context.Context) string {
	if executionID, ok := ctx.Value(executionIDKey).(string); ok {
		return executionID
	}
	return ""
}
