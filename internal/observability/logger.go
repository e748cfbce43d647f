// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err is the conventional field for an error value.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

const (
	LogFormatPlain = "plain"
	LogFormatJSON  = "json"
)

var defaultLogger Logger = NopLogger()

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = NopLogger()
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type zerologLogger struct {
	zerolog.Logger
}

// NewZerolog builds a Logger writing to w in the given format ("plain" or "json")
// at or above the given level.
func NewZerolog(w io.Writer, format, level string) (Logger, error) {
	var out io.Writer
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", LogFormatPlain:
		out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	case LogFormatJSON:
		out = w
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}

	lvl := zerolog.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(trimmed))
		if err != nil {
			return nil, fmt.Errorf("failed to parse log level (%s): %w", level, err)
		}
		lvl = parsed
	}

	return &zerologLogger{
		Logger: zerolog.New(out).Level(lvl).With().Timestamp().Logger(),
	}, nil
}

// NopLogger discards every entry.
func NopLogger() Logger {
	return &zerologLogger{Logger: zerolog.Nop()}
}

func (l *zerologLogger) Debug(msg string, fields ...Field) {
	emit(l.Logger.Debug(), fields).Msg(msg)
}

func (l *zerologLogger) Info(msg string, fields ...Field) {
	emit(l.Logger.Info(), fields).Msg(msg)
}

func (l *zerologLogger) Warn(msg string, fields ...Field) {
	emit(l.Logger.Warn(), fields).Msg(msg)
}

func (l *zerologLogger) Error(msg string, fields ...Field) {
	emit(l.Logger.Error(), fields).Msg(msg)
}

func (l *zerologLogger) With(fields ...Field) Logger {
	ctx := l.Logger.With()
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			ctx = ctx.AnErr(f.Key, err)
			continue
		}
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &zerologLogger{Logger: ctx.Logger()}
}

func emit(e *zerolog.Event, fields []Field) *zerolog.Event {
	if e == nil {
		return e
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			e = e.AnErr(f.Key, v)
		case fmt.Stringer:
			e = e.Stringer(f.Key, v)
		case string:
			e = e.Str(f.Key, v)
		default:
			e = e.Interface(f.Key, v)
		}
	}
	return e
}
