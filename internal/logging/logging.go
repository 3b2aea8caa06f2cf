// Package logging provides a small leveled logger with colourised level tags.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level orders log messages by importance.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelQuiet suppresses everything.
	LevelQuiet
)

// Logger writes one line per message to an io.Writer. A nil *Logger discards everything,
// so components can hold an optional logger without checks.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
	tags  map[Level]string
}

// Option configures a Logger.
type Option func(*Logger)

// WithVerbose enables debug messages.
func WithVerbose(verbose bool) Option {
	return func(l *Logger) {
		if verbose && l.level != LevelQuiet {
			l.level = LevelDebug
		}
	}
}

// WithQuiet suppresses all output.
func WithQuiet() Option {
	return func(l *Logger) {
		l.level = LevelQuiet
	}
}

// WithoutColor renders plain level tags.
func WithoutColor() Option {
	return func(l *Logger) {
		l.tags = plainTags()
	}
}

// New creates a Logger writing info and above to out.
func New(out io.Writer, opts ...Option) *Logger {
	l := &Logger{
		out:   out,
		level: LevelInfo,
		tags: map[Level]string{
			LevelDebug: color.New(color.FgHiBlack).Sprint("debug"),
			LevelInfo:  color.New(color.FgCyan).Sprint("info"),
			LevelWarn:  color.New(color.FgYellow).Sprint("warn"),
			LevelError: color.New(color.FgRed, color.Bold).Sprint("error"),
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Discard returns a Logger that writes nothing.
func Discard() *Logger {
	return New(io.Discard, WithQuiet())
}

func plainTags() map[Level]string {
	return map[Level]string{
		LevelDebug: "debug",
		LevelInfo:  "info",
		LevelWarn:  "warn",
		LevelError: "error",
	}
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level && l.level != LevelQuiet
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *Logger) log(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.out, "%s: %s\n", l.tags[level], msg)
}
