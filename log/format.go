package log

import (
	"encoding/json"
	"io"
)

type jsonWriter struct {
	out   io.Writer
	level Level
}

// NewJSONWriter returns a Writer that emits one JSON object per line,
// suitable for shipping to a log aggregator.
func NewJSONWriter(out io.Writer, level Level) Writer {
	return NewSyncWriter(&jsonWriter{out: out, level: level})
}

type jsonEvent struct {
	Time      string                 `json:"time"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	ID        string                 `json:"id"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (j *jsonWriter) Write(e *Event) {
	if e.Level > j.level || e.Level == Lsilent {
		return
	}

	fields := make(map[string]interface{}, len(e.Fields))
	message, _ := e.Fields["message"].(string)

	for k, v := range e.Fields {
		if k == "message" {
			continue
		}
		fields[k] = v
	}

	je := jsonEvent{
		Time:      e.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		Level:     e.Level.String(),
		Component: e.Component,
		ID:        e.ID,
		Message:   message,
		Fields:    fields,
	}

	if e.Err != nil {
		je.Error = e.Err.Error()
	}

	b, err := json.Marshal(je)
	if err != nil {
		return
	}

	j.out.Write(append(b, '\n'))
}
