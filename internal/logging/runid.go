package logging

import "context"

type runIDKey struct{}

// ContextWithRunID stores an execution run id in the context for log tagging.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id stored in the context, if any.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if runID, ok := ctx.Value(runIDKey{}).(string); ok {
		return runID
	}
	return ""
}

// WithRunID returns a logger that tags log lines with a run id.
func WithRunID(logger Logger, runID string) Logger {
	return WithTag(logger, "run", runID)
}

// WithTag returns a logger that prefixes every line with "key=value".
// Tags stack, so WithTag(WithRunID(l, id), "task", name) yields
// "run=<id> task=<name> ...".
func WithTag(logger Logger, key, value string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if key == "" || value == "" {
		return logger
	}
	return &tagLogger{logger: OrNop(logger), prefix: key + "=" + value + " "}
}

// FromContext returns a logger tagged with the run id found in context, if any.
func FromContext(ctx context.Context, logger Logger) Logger {
	return WithRunID(logger, RunIDFromContext(ctx))
}

type tagLogger struct {
	logger Logger
	prefix string
}

func (l *tagLogger) Debug(format string, args ...any) {
	l.logger.Debug(l.prefix+format, args...)
}

func (l *tagLogger) Info(format string, args ...any) {
	l.logger.Info(l.prefix+format, args...)
}

func (l *tagLogger) Warn(format string, args ...any) {
	l.logger.Warn(l.prefix+format, args...)
}

func (l *tagLogger) Error(format string, args ...any) {
	l.logger.Error(l.prefix+format, args...)
}
