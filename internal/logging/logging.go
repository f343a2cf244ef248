// Package logging builds the zerolog loggers used by the codegate binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Format selects the log encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New returns a logger on stderr tagged with module.
func New(module, level string, format Format) (zerolog.Logger, error) {
	return NewWriter(os.Stderr, module, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, module, level string, format Format) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging: %w", err)
		}
		lvl = parsed
	}

	var out io.Writer
	switch format {
	case FormatJSON:
		out = w
	case FormatConsole, "":
		out = consoleWriter(w)
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", format)
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("module", module).
		Logger(), nil
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	out := zerolog.ConsoleWriter{
		Out:           w,
		TimeFormat:    "15:04:05",
		PartsOrder:    []string{"time", "level", "module", "message"},
		FieldsExclude: []string{"module"},
	}

	out.FormatPartValueByName = func(i any, s string) string {
		if s == "module" && i != nil {
			return strings.ToUpper(fmt.Sprintf("%s", i))
		}
		return ""
	}
	return out
}
