package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendWritesLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	w, err := Open(path, false, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if err := w.Append("hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimRight(string(data), "\n") != "hello" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestAppendWithTimestampPrefixesLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	w, err := Open(path, true, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if err := w.Append("hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "hello") || strings.TrimSpace(string(data)) == "hello" {
		t.Fatalf("expected timestamp prefix, got %q", data)
	}
}

func TestReopenPicksUpExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	w, err := Open(path, false, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w.Append("line one")
	w.Close()

	w2, err := Open(path, false, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	if w2.fileBytes == 0 {
		t.Fatalf("expected reopened writer to see existing file size")
	}
}
