package gotremolo

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the contract the engine expects from its logging
// collaborator (spec §6: "info/warning/error methods accepting string
// messages with optional exception; no format is assumed").
type Logger interface {
	Info(msg string)
	Warn(msg string, err error)
	Error(msg string, err error)
}

// zerologAdapter satisfies Logger over a zerolog.Logger, matching the
// structured-logging style the rest of the retrieved pack reaches for.
type zerologAdapter struct {
	l zerolog.Logger
}

// NewLogger returns a Logger writing structured JSON lines to stderr at
// the given level ("debug", "info", "warn", "error").
func NewLogger(level string) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	l := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)
	return &zerologAdapter{l: l}
}

func (a *zerologAdapter) Info(msg string) {
	a.l.Info().Msg(msg)
}

func (a *zerologAdapter) Warn(msg string, err error) {
	ev := a.l.Warn()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}

func (a *zerologAdapter) Error(msg string, err error) {
	ev := a.l.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}
