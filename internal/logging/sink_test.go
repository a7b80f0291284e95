package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestLineWriterPlainPrefixesEachLine(t *testing.T) {
	var buf bytes.Buffer
	w := &lineWriter{service: "a", stream: "stdout", out: &buf}

	w.Write([]byte("hello\nworld\n"))

	got := buf.String()
	for _, want := range []string{"[a.stdout] hello", "[a.stdout] world"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected output to contain %q, got %q", want, got)
		}
	}
}

func TestLineWriterJSONEmitsOneEntryPerLine(t *testing.T) {
	var buf bytes.Buffer
	w := &lineWriter{service: "a", stream: "stderr", json: true, out: &buf}

	w.Write([]byte("boom\n"))

	var e entry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if e.Service != "a" || e.Stream != "stderr" || e.Message != "boom" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestSinkWritesToStdoutOnlyWithoutFilePattern(t *testing.T) {
	s := NewSink("text", "")
	w := s.Writer("svc", "stdout")
	lw, ok := w.(*lineWriter)
	if !ok {
		t.Fatalf("expected *lineWriter, got %T", w)
	}
	if lw.out != os.Stdout {
		t.Errorf("expected output to be os.Stdout alone, got %T", lw.out)
	}
}
