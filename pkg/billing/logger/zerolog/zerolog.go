// Package zerolog adapts zerolog to billing.Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/lynqit/reconciler/pkg/billing"
)

// Logger writes billing log entries through a zerolog.Logger. Fields become
// top-level keys of the entry; error values are written as their message.
type Logger struct {
	zl zerolog.Logger
}

var _ billing.Logger = (*Logger)(nil)

// NewLogger wraps zl.
func NewLogger(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

// With returns a logger that adds fields to every entry it writes.
func (l *Logger) With(fields ...billing.Field) *Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{zl: l.zl.With().Fields(keyValues(fields)).Logger()}
}

func (l *Logger) Debug(msg string, fields ...billing.Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...billing.Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...billing.Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...billing.Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l *Logger) write(level zerolog.Level, msg string, fields []billing.Field) {
	e := l.zl.WithLevel(level)
	if e == nil {
		return
	}
	if len(fields) > 0 {
		e = e.Fields(keyValues(fields))
	}
	e.Msg(msg)
}

// keyValues flattens fields into the key/value list zerolog's Fields takes.
// zerolog renders errors through ErrorMarshalFunc and durations and times in
// its configured units.
func keyValues(fields []billing.Field) []any {
	kv := make([]any, 0, 2*len(fields))
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}
