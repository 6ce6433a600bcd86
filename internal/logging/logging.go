// Package logging builds the zerolog loggers used by every service.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"report-scheduler/internal/errs"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Options selects level, output format and an optional file sink.
type Options struct {
	Level  string
	Format string // console | json
	File   string
}

// New returns a root logger. The returned closer releases the file sink, if any.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	var out io.Writer = os.Stdout
	if !strings.EqualFold(opts.Format, "json") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	}

	var closer io.Closer = io.NopCloser(nil)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return zerolog.Nop(), nil, errs.Wrap(err, "create log dir")
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, errs.Wrap(err, "open log file")
		}
		// The file always gets JSON lines regardless of console format.
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}

	lvl := ParseLevel(opts.Level, zerolog.InfoLevel)
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), closer, nil
}

// ParseLevel maps a level name to a zerolog level, falling back to def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	if strings.TrimSpace(s) == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}

// Component derives a child logger tagged with comp=name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("comp", name).Logger()
}

// Since is a small helper for duration fields measured from start.
func Since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
