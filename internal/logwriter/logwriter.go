// Package logwriter implements the per-execution append-only log file: one
// line per write, prefixed with its stream kind, with byte/line accounting
// so the execution runner can enforce a capability's max_output_bytes cap.
// Generalizes the teacher's in-memory limitedWriter (cmd/sandbox/runner.go)
// into a file-backed, multi-stream writer.
package logwriter

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// Kind labels which stream a line came from.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindSystem Kind = "system"
)

// Writer is an append-only, line-framed log file. Safe for concurrent use
// by multiple stream readers (stdout/stderr) writing to the same file.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	buf       *bufio.Writer
	byteCount int64
	lineCount int64
}

// Open creates (or truncates) the log file at path.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("logwriter: open %s: %w", path, err)
	}
	return &Writer{f: f, buf: bufio.NewWriter(f)}, nil
}

// WriteLine appends one line, framed as "<kind> <line>\n". Returns the
// writer's cumulative byte count after the write so callers can compare
// against a capability's max_output_bytes without a separate call.
func (w *Writer) WriteLine(kind Kind, line string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	framed := string(kind) + " " + line + "\n"
	n, err := w.buf.WriteString(framed)
	if err != nil {
		return w.byteCount, fmt.Errorf("logwriter: write: %w", err)
	}
	w.byteCount += int64(n)
	w.lineCount++
	return w.byteCount, nil
}

// Counts returns the writer's cumulative byte and line counts.
func (w *Writer) Counts() (bytes, lines int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byteCount, w.lineCount
}

// Close flushes buffered output and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("logwriter: flush: %w", err)
	}
	return w.f.Close()
}
