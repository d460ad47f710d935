// Package logger provides the leveled logger shared by every agent component.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Logger defines logging methods used across the agent. Implementations must be
// safe for concurrent use.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var levelColors = map[Level]string{
	LevelDebug: "\033[36m",
	LevelInfo:  "\033[32m",
	LevelWarn:  "\033[33m",
	LevelError: "\033[31m",
}

const colorReset = "\033[0m"

// ParseLevel converts a config string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Options configures New.
type Options struct {
	Level Level
	// File, when set, receives a copy of every line (append mode).
	File string
	// Color forces ANSI colors on or off. Nil means "only when stdout is a terminal".
	Color *bool
	// Output overrides stdout; used by tests.
	Output io.Writer
}

// Std is the default Logger. It writes timestamped, leveled lines through the
// standard library logger.
type Std struct {
	out       *log.Logger
	level     Level
	color     bool
	component string
	closer    io.Closer
}

// New builds a Std logger. The returned logger owns the log file, if any; call Close on shutdown.
func New(opts Options) (*Std, error) {
	var w io.Writer = os.Stdout
	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	if opts.Output != nil {
		w = opts.Output
		color = false
	}
	if opts.Color != nil {
		color = *opts.Color
	}

	l := &Std{level: opts.Level, color: color}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		// Colors would end up in the file as escape codes.
		w = io.MultiWriter(w, &plainWriter{w: f})
		l.closer = f
	}
	l.out = log.New(&syncWriter{w: w}, "", 0)
	return l, nil
}

// With returns a logger that prefixes every line with [component].
func (l *Std) With(component string) *Std {
	c := *l
	c.component = component
	c.closer = nil
	return &c
}

func (l *Std) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *Std) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Std) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Std) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Std) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Std) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		msg = "[" + l.component + "] " + msg
	}
	ts := time.Now().Format(time.RFC3339)
	name := fmt.Sprintf("%-5s", levelNames[level])
	if l.color {
		l.out.Printf("%s %s%s%s %s", ts, levelColors[level], name, colorReset, msg)
		return
	}
	l.out.Printf("%s %s %s", ts, name, msg)
}

// Discard returns a Logger that drops everything.
func Discard() Logger { return discard{} }

type discard struct{}

func (discard) Debugf(string, ...any) {}
func (discard) Infof(string, ...any)  {}
func (discard) Warnf(string, ...any)  {}
func (discard) Errorf(string, ...any) {}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// plainWriter strips ANSI color sequences before writing.
type plainWriter struct {
	w io.Writer
}

func (p *plainWriter) Write(b []byte) (int, error) {
	s := string(b)
	for _, c := range levelColors {
		s = strings.ReplaceAll(s, c, "")
	}
	s = strings.ReplaceAll(s, colorReset, "")
	if _, err := io.WriteString(p.w, s); err != nil {
		return 0, err
	}
	return len(b), nil
}
