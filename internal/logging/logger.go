// Package logging builds the zerolog loggers shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// New returns a console logger writing to out at the named level. A nil out
// means stderr and an empty level means info.
func New(level string, out io.Writer) (zerolog.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), xerrors.Errorf("invalid log level %q: %w", level, err)
		}
	}

	return zerolog.New(
		zerolog.NewConsoleWriter(
			func(w *zerolog.ConsoleWriter) { w.Out = out },
			func(w *zerolog.ConsoleWriter) { w.TimeFormat = "15:04:05.000" })).Level(lvl).
		With().Timestamp().Logger(), nil
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// For derives the child logger of component mod.
func For(l zerolog.Logger, mod string) zerolog.Logger {
	return l.With().Str("mod", mod).Logger()
}
