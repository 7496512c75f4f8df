package logging

import (
	"io"
	"os"

	"github.com/jacspeelman/dolores-voice/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// zerologAdapter satisfies orchestrator.Logger with a zerolog backend. Args
// are alternating key/value pairs, matching the pipeline's logging calls.
type zerologAdapter struct {
	log zerolog.Logger
}

// New builds a logger writing JSON to w at the given level.
func New(w io.Writer, level zerolog.Level) orchestrator.Logger {
	return &zerologAdapter{log: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NewConsole builds a human-readable logger for interactive use.
func NewConsole(level zerolog.Level) orchestrator.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr}
	return &zerologAdapter{log: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

func (l *zerologAdapter) Debug(msg string, args ...interface{}) { emit(l.log.Debug(), msg, args) }
func (l *zerologAdapter) Info(msg string, args ...interface{})  { emit(l.log.Info(), msg, args) }
func (l *zerologAdapter) Warn(msg string, args ...interface{})  { emit(l.log.Warn(), msg, args) }
func (l *zerologAdapter) Error(msg string, args ...interface{}) { emit(l.log.Error(), msg, args) }

func emit(ev *zerolog.Event, msg string, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}
