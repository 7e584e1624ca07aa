package log

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/mattn/go-isatty"
)

// Writer receives finished log Events.
type Writer interface {
	Write(e *Event)
}

type syncWriter struct {
	mu sync.Mutex
	w  Writer
}

// NewSyncWriter serializes concurrent writes to w, which is necessary for
// any Writer backed by a non-concurrency-safe io.Writer (os.Stderr is safe
// for single Write calls but not for the multi-call formatting below).
func NewSyncWriter(w Writer) Writer {
	return &syncWriter{w: w}
}

func (s *syncWriter) Write(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(e)
}

type consoleWriter struct {
	out      io.Writer
	level    Level
	useColor bool
}

// NewConsoleWriter returns a human-readable Writer. Color is only emitted if
// useColor is true and, practically, only makes sense when out is a
// terminal — callers typically gate useColor on isatty.IsTerminal.
func NewConsoleWriter(out io.Writer, level Level, useColor bool) Writer {
	return NewSyncWriter(&consoleWriter{out: out, level: level, useColor: useColor})
}

// IsTerminal reports whether fd (e.g. os.Stderr.Fd()) refers to a terminal,
// for callers deciding whether to enable NewConsoleWriter's color output.
func IsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (c *consoleWriter) Write(e *Event) {
	if e.Level > c.level || e.Level == Lsilent {
		return
	}

	prefix := e.Level.String()
	if c.useColor {
		prefix = colorize(e.Level, prefix)
	}

	msg, _ := e.Fields["message"].(string)

	fmt.Fprintf(c.out, "%s [%s] %s", prefix, e.Component, msg)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		if k == "message" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(c.out, " %s=%v", k, e.Fields[k])
	}

	if e.Err != nil {
		fmt.Fprintf(c.out, " error=%q", e.Err.Error())
	}

	fmt.Fprintln(c.out)
}

func colorize(level Level, s string) string {
	var code string
	switch level {
	case Lerror:
		code = "31"
	case Lwarn:
		code = "33"
	case Linfo:
		code = "36"
	case Ldebug:
		code = "90"
	default:
		return s
	}

	return "\x1b[" + code + "m" + s + "\x1b[0m"
}
