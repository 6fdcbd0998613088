package logwriter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteLineFramesAndCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := w.WriteLine(KindStdout, "hello"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if _, err := w.WriteLine(KindStderr, "oops"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	bytes, lines := w.Counts()
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
	if bytes == 0 {
		t.Fatal("expected non-zero byte count")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "stdout hello\n") {
		t.Errorf("missing framed stdout line: %q", text)
	}
	if !strings.Contains(text, "stderr oops\n") {
		t.Errorf("missing framed stderr line: %q", text)
	}
}

func TestWriteLineTruncatesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	w1, _ := Open(path)
	w1.WriteLine(KindSystem, "first run")
	w1.Close()

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w2.WriteLine(KindSystem, "second run")
	w2.Close()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "first run") {
		t.Errorf("expected reopen to truncate, got %q", string(data))
	}
}
