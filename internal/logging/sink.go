// Package logging fans a service's captured command output out to stdout
// and an optional per-service log file, in plain or JSON form, generalizing
// the teacher's LogWriter/JSONLogWriter/MultiLogWriter trio
// (`_examples/rubys-showcase/cmd/navigator/main.go`) from a live
// cmd.Stdout/cmd.Stderr pipe onto the executor's already-captured
// Result.Stdout/Result.Stderr: this gateway's start/stop/check commands are
// bounded, timeout-gated invocations rather than the teacher's
// indefinitely-running managed subprocesses, so there is no live stream to
// pipe through — the same per-line prefixing is applied to the captured
// buffer once the command returns.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// entry is the JSON form of one logged line, mirroring the teacher's
// LogEntry.
type entry struct {
	Timestamp string `json:"@timestamp"`
	Service   string `json:"service"`
	Stream    string `json:"stream"`
	Message   string `json:"message"`
}

// Sink fans out a service's stdout/stderr to os.Stdout plus, when
// configured, a per-service file derived from a path template containing
// `{{service}}` (spec.md's supplemental "structured per-service log
// files", grounded on the teacher's createFileWriter).
type Sink struct {
	json        bool
	filePattern string

	mu    sync.Mutex
	files map[string]io.WriteCloser
}

// NewSink returns a Sink writing JSON lines when format == "json" (any
// other value, including "", writes the teacher's plain "[service.stream]
// line" form), and opening per-service files from filePattern when set.
func NewSink(format, filePattern string) *Sink {
	return &Sink{
		json:        format == "json",
		filePattern: filePattern,
		files:       make(map[string]io.WriteCloser),
	}
}

// Writer returns an io.Writer that prefixes every line written to it with
// service and stream, fanned out to stdout and (if configured) the
// service's log file.
func (s *Sink) Writer(service, stream string) io.Writer {
	outputs := []io.Writer{os.Stdout}
	if f := s.fileFor(service); f != nil {
		outputs = append(outputs, f)
	}
	return &lineWriter{service: service, stream: stream, json: s.json, out: multiWriter(outputs)}
}

// Log writes a single already-captured block of output (as returned by
// executor.Result.Stdout/Stderr) through the per-line prefixing writer.
func (s *Sink) Log(service, stream, output string) {
	if output == "" {
		return
	}
	s.Writer(service, stream).Write([]byte(output))
}

func (s *Sink) fileFor(service string) io.Writer {
	if s.filePattern == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[service]; ok {
		return f
	}
	path := strings.ReplaceAll(s.filePattern, "{{service}}", service)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	s.files[service] = f
	return f
}

// Close closes every per-service file this Sink opened.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		f.Close()
	}
}

// lineWriter splits each Write call on newlines and emits one prefixed (or
// JSON) line per line, dropping only the empty segment that follows a
// trailing newline; empty lines in the middle are emitted as empty entries.
type lineWriter struct {
	service string
	stream  string
	json    bool
	out     io.Writer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	lines := bytes.Split(p, []byte("\n"))
	for i, line := range lines {
		if len(line) == 0 {
			if i == len(lines)-1 {
				continue
			}
		}
		if w.json {
			data, _ := json.Marshal(entry{
				Timestamp: time.Now().Format(time.RFC3339),
				Service:   w.service,
				Stream:    w.stream,
				Message:   string(line),
			})
			w.out.Write(data)
			w.out.Write([]byte("\n"))
			continue
		}
		fmt.Fprintf(w.out, "[%s.%s] %s\n", w.service, w.stream, line)
	}
	return len(p), nil
}

type multiOut []io.Writer

func multiWriter(outputs []io.Writer) io.Writer {
	if len(outputs) == 1 {
		return outputs[0]
	}
	return multiOut(outputs)
}

func (m multiOut) Write(p []byte) (int, error) {
	for _, w := range m {
		w.Write(p)
	}
	return len(p), nil
}
