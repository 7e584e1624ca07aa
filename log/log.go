// Package log implements an opinionated structured logger with four levels
// and a small set of pluggable output writers. It favors structured fields
// over formatted strings, following the same logger shape as the teacher
// core's own log package.
package log

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Level is a log severity. Higher is more verbose.
type Level uint

const (
	Lsilent Level = 0
	Lerror  Level = 1
	Lwarn   Level = 2
	Linfo   Level = 3
	Ldebug  Level = 4
)

// ParseLevel maps a config-file level name ("silent", "error", "warn",
// "info", "debug") to a Level, defaulting to Linfo for anything else.
func ParseLevel(s string) Level {
	switch s {
	case "silent":
		return Lsilent
	case "error":
		return Lerror
	case "warn":
		return Lwarn
	case "debug":
		return Ldebug
	default:
		return Linfo
	}
}

func (l Level) String() string {
	switch l {
	case Lsilent:
		return "SILENT"
	case Lerror:
		return "ERROR"
	case Lwarn:
		return "WARN"
	case Linfo:
		return "INFO"
	case Ldebug:
		return "DEBUG"
	}
	return "UNKNOWN"
}

// Fields is an arbitrary bag of structured context attached to an Event.
type Fields map[string]interface{}

// Event is a single log record on its way to a Writer.
type Event struct {
	Time      time.Time
	Level     Level
	Component string
	Fields    Fields
	Err       error
	ID        string
}

// Logger is the entry point for producing log events. Each of Debug/Info/
// Warn/Error returns a builder that accumulates fields before Log() emits
// the event.
type Logger interface {
	Debug() Builder
	Info() Builder
	Warn() Builder
	Error() Builder

	WithComponent(name string) Logger
	WithOutput(w Writer) Logger
}

// Builder accumulates fields for a single event before it is emitted.
type Builder interface {
	WithField(key string, value interface{}) Builder
	WithFields(f Fields) Builder
	WithError(err error) Builder
	Log(message string)
}

type logger struct {
	component string
	writers   []Writer
}

// New returns a Logger labeled with component. With no writer attached yet,
// events are dropped; call WithOutput to attach one or more.
func New(component string) Logger {
	return &logger{component: component}
}

func (l *logger) WithComponent(name string) Logger {
	c := *l
	c.component = name
	return &c
}

func (l *logger) WithOutput(w Writer) Logger {
	c := *l
	c.writers = append(append([]Writer(nil), l.writers...), w)
	return &c
}

func (l *logger) Debug() Builder { return l.builder(Ldebug) }
func (l *logger) Info() Builder  { return l.builder(Linfo) }
func (l *logger) Warn() Builder  { return l.builder(Lwarn) }
func (l *logger) Error() Builder { return l.builder(Lerror) }

func (l *logger) builder(level Level) Builder {
	return &eventBuilder{
		logger: l,
		event: Event{
			Time:      time.Now(),
			Level:     level,
			Component: l.component,
			Fields:    Fields{},
			ID:        shortuuid.New(),
		},
	}
}

type eventBuilder struct {
	logger *logger
	event  Event
}

func (b *eventBuilder) WithField(key string, value interface{}) Builder {
	b.event.Fields[key] = value
	return b
}

func (b *eventBuilder) WithFields(f Fields) Builder {
	for k, v := range f {
		b.event.Fields[k] = v
	}
	return b
}

func (b *eventBuilder) WithError(err error) Builder {
	b.event.Err = err
	return b
}

func (b *eventBuilder) Log(message string) {
	b.event.Fields["message"] = message

	for _, w := range b.logger.writers {
		w.Write(&b.event)
	}
}
