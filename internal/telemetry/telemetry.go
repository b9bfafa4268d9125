// Package telemetry is the structured logging sink used throughout
// turnstile: a small Logger interface with WithModule scoping and typed
// Field constructors, implemented directly against zerolog.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field is a single structured logging attribute.
type Field struct {
	key string
	val any
}

func String(key, value string) Field          { return Field{key: key, val: value} }
func Int(key string, value int) Field         { return Field{key: key, val: value} }
func Float64(key string, value float64) Field { return Field{key: key, val: value} }
func Bool(key string, value bool) Field       { return Field{key: key, val: value} }
func Err(err error) Field                     { return Field{key: "error", val: err} }
func Duration(key string, value time.Duration) Field {
	return Field{key: key, val: value}
}

// Logger is the diagnostic sink the barrier subsystem and orchestrator
// write to. It is entirely optional: every constructor accepts a Logger and
// falls back to Noop() when none is supplied.
type Logger interface {
	WithModule(module string) Logger
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

type zerologLogger struct {
	logger zerolog.Logger
}

// New builds a Logger writing to w in zerolog's JSON format.
func New(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &zerologLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (l *zerologLogger) WithModule(module string) Logger {
	return &zerologLogger{logger: l.logger.With().Str("module", module).Logger()}
}

func apply(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.val.(type) {
		case string:
			e = e.Str(f.key, v)
		case int:
			e = e.Int(f.key, v)
		case float64:
			e = e.Float64(f.key, v)
		case bool:
			e = e.Bool(f.key, v)
		case time.Duration:
			e = e.Dur(f.key, v)
		case error:
			e = e.AnErr(f.key, v)
		default:
			e = e.Interface(f.key, v)
		}
	}
	return e
}

func (l *zerologLogger) Debug(msg string, fields ...Field) {
	apply(l.logger.Debug(), fields).Msg(msg)
}

func (l *zerologLogger) Info(msg string, fields ...Field) {
	apply(l.logger.Info(), fields).Msg(msg)
}

func (l *zerologLogger) Error(msg string, fields ...Field) {
	apply(l.logger.Error(), fields).Msg(msg)
}

type noopLogger struct{}

// Noop returns a Logger that discards everything. It is the default when a
// caller does not supply one.
func Noop() Logger { return noopLogger{} }

func (noopLogger) WithModule(string) Logger        { return noopLogger{} }
func (noopLogger) Debug(string, ...Field)          {}
func (noopLogger) Info(string, ...Field)           {}
func (noopLogger) Error(string, ...Field)          {}
