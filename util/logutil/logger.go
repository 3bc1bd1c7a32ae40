package logutil

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
)

// New returns a logger writing to w at the given level. Terminals get the coloured console
// format, everything else JSON lines.
func New(level string, w *os.File) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	var writer log.Writer
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		writer = &log.ConsoleWriter{
			Writer:         w,
			ColorOutput:    true,
			QuoteString:    true,
			EndWithMessage: true,
		}
	} else {
		writer = &log.IOWriter{Writer: w}
	}
	return &log.Logger{
		Level:  ParseLevel(level),
		Writer: writer,
	}
}

// NewJSON returns a logger writing JSON lines to w, mostly useful in tests.
func NewJSON(level string, w io.Writer) *log.Logger {
	return &log.Logger{
		Level:  ParseLevel(level),
		Writer: &log.IOWriter{Writer: w},
	}
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return NewJSON("error", io.Discard)
}

func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "":
		return log.InfoLevel
	default:
		return log.ParseLevel(level)
	}
}
