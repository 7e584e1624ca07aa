package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestConsoleWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer

	l := New("test").WithOutput(NewConsoleWriter(&buf, Lwarn, false))
	l.Debug().Log("should not appear")
	l.Error().Log("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("debug message leaked through Lwarn filter: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("error message missing: %q", out)
	}
}

func TestJSONWriterIncludesFieldsAndError(t *testing.T) {
	var buf bytes.Buffer

	l := New("relay").WithOutput(NewJSONWriter(&buf, Ldebug))
	l.Warn().WithField("resource", uint64(1)).WithError(errors.New("boom")).Log("dropped")

	out := buf.String()
	for _, want := range []string{`"message":"dropped"`, `"error":"boom"`, `"resource":1`, `"component":"relay"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output: %s", want, out)
		}
	}
}
