package logging

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// It intentionally stays interface-only so core packages can depend on this
// package without pulling in a concrete sink.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

func (l Level) String() string {
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
		return "INFO"
	}
}

// WriterLogger emits timestamped, level-filtered lines to an io.Writer.
type WriterLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
	now       func() time.Time
}

// New returns a WriterLogger writing to out at the given minimum level.
func New(out io.Writer, level Level) *WriterLogger {
	if out == nil {
		out = os.Stderr
	}
	return &WriterLogger{out: out, level: level, now: time.Now}
}

// NewComponentLogger returns a stderr logger scoped to a component. The level
// is taken from WEAVER_LOG_LEVEL when set.
func NewComponentLogger(component string) Logger {
	logger := New(os.Stderr, ParseLevel(os.Getenv("WEAVER_LOG_LEVEL")))
	logger.component = component
	return logger
}

// WithComponent returns a copy of the logger tagged with a component name.
func (l *WriterLogger) WithComponent(component string) *WriterLogger {
	return &WriterLogger{out: l.out, level: l.level, component: component, now: l.now}
}

// SetLevel adjusts the minimum level for subsequent messages.
func (l *WriterLogger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *WriterLogger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	ts := l.now().Format("2006-01-02 15:04:05.000")
	component := l.component
	if component != "" {
		component = " [" + component + "]"
	}
	fmt.Fprintf(l.out, "%s [%s]%s %s\n", ts, level, component, fmt.Sprintf(format, args...))
}

func (l *WriterLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *WriterLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *WriterLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *WriterLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
