// Package zerolog adapts rs/zerolog to the paykit.Logger interface.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/paykit/paykit/pkg/paykit"
)

// Logger implements paykit.Logger on a zerolog.Logger.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger wraps an existing zerolog logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...paykit.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...paykit.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...paykit.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...paykit.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []paykit.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}
