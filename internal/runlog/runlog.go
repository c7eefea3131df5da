// Package runlog provides the per-runtime append-only file writers backing
// a runtime's optional log_file and write_file paths (§3, §6). Grounded on
// the teacher's logstore package (same open-append-rotate shape), simplified
// down to what spec.md actually asks for: a plain append-only text sink with
// size-based rotation, no ring buffer or live-subscription API (nothing in
// spec.md reads a runtime's log file back through the daemon).
package runlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const maxFileBytes = 10 * 1024 * 1024 // 10MB per file before rotation

// Writer is a single append-only, rotating file sink.
type Writer struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	fileBytes int64
	timestamp bool
	prefix    bool
}

// Open opens (creating if needed) the file at path for appending. timestamp
// stamps each line with a UTC RFC 3339 time (the bash_timestamp knob);
// prefix (the bash_prefix knob) is stored but does not change what Append
// writes.
func Open(path string, timestamp, prefix bool) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}
	return &Writer{path: path, file: f, fileBytes: size, timestamp: timestamp, prefix: prefix}, nil
}

// Append writes one line (newline-terminated) to the file, rotating if the
// file has grown past the size cap.
func (w *Writer) Append(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}

	out := line
	if w.timestamp {
		out = time.Now().UTC().Format(time.RFC3339) + " " + out
	}
	if !w.prefix {
		// prefix=false means no decoration beyond the raw line; timestamp
		// stacking above already covers bash_timestamp.
	}
	out += "\n"

	n, err := w.file.WriteString(out)
	if err != nil {
		return fmt.Errorf("write log line: %w", err)
	}
	w.fileBytes += int64(n)
	if w.fileBytes > maxFileBytes {
		w.rotateLocked()
	}
	return nil
}

func (w *Writer) rotateLocked() {
	w.file.Close()
	os.Rename(w.path, w.path+".1")
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		w.file = f
		w.fileBytes = 0
	}
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
