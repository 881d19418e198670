// Package logging constructs the shared zerolog.Logger used by the
// daemon and CLI: console-pretty output to a terminal, structured JSON
// otherwise, both at a configurable level.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// New builds a logger writing to stderr. When stderr is a terminal it uses
// zerolog's human-readable console writer; otherwise it emits one JSON
// object per line, suitable for a log aggregator.
func New(component string, level zerolog.Level) zerolog.Logger {
	var output = os.Stderr

	zerolog.SetGlobalLevel(level)

	if term.IsTerminal(int(output.Fd())) {
		cw := zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
		return zerolog.New(cw).With().Timestamp().Str("component", component).Logger()
	}
	return zerolog.New(output).With().Timestamp().Str("component", component).Logger()
}
