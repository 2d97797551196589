// Package logx builds the process logger: log/slog with a tint handler and
// timestamps shown as time since start.
package logx

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type Options struct {
	Level   *slog.LevelVar // nil means a fresh LevelVar at info
	NoColor bool
	Start   time.Time // zero means now
}

// New returns a logger writing to w. Changing opts.Level later adjusts the
// threshold of every logger derived from it.
func New(w io.Writer, opts Options) *slog.Logger {
	if opts.Level == nil {
		opts.Level = new(slog.LevelVar)
	}
	start := opts.Start
	if start.IsZero() {
		start = time.Now()
	}
	return slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      opts.Level,
			TimeFormat: time.Kitchen,
			NoColor:    opts.NoColor,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					a.Value = slog.StringValue(Elapsed(time.Since(start)))
				}
				return a
			},
		}),
	)
}

// Elapsed renders d as mm:ss.ss.
func Elapsed(d time.Duration) string {
	mins := int(d.Minutes())
	secs := d.Seconds() - float64(mins*60)
	return fmt.Sprintf("%02d:%05.2f", mins, secs)
}

// ParseLevel accepts debug, info, warn or error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		l = slog.LevelDebug
	case "", "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return l, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Discard is a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(tint.NewHandler(io.Discard, &tint.Options{Level: slog.LevelError + 1}))
}
