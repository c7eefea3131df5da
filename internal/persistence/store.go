// Package persistence is the durable sidecar for runtime configuration
// (§4.2): one JSON file per runtime, written atomically via a .tmp file,
// fsync, and rename-over.
//
// Grounded on the teacher's config/secrets packages, which both follow the
// same "os.MkdirAll the directory, os.WriteFile, handle IsNotExist" shape;
// the atomic-rename step itself is hand-rolled here since no package in the
// retrieval pack performs a temp-file-then-rename write (the closest is
// registry's sqlite WAL, which solves the same durability problem by a
// different, inapplicable mechanism per spec.md's explicit JSON-file
// format).
package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/socketley/daemon/internal/runtimecfg"
)

// Store reads and writes one JSON file per runtime under dir.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// sanitize rejects names that could escape dir via path separators or "..".
func sanitize(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid runtime name for persistence: %q", name)
	}
	return name, nil
}

func (s *Store) pathFor(name string) (string, error) {
	clean, err := sanitize(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, clean+".json"), nil
}

// FormatPretty renders cfg as indented JSON text.
func FormatPretty(cfg runtimecfg.Config) (string, error) {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Parse decodes JSON text into a Config, starting from documented defaults
// so missing fields resolve sanely.
func Parse(text string) (runtimecfg.Config, error) {
	cfg := runtimecfg.Defaults()
	if err := json.Unmarshal([]byte(text), &cfg); err != nil {
		return runtimecfg.Config{}, fmt.Errorf("parse runtime config: %w", err)
	}
	return cfg, nil
}

// Save atomically writes cfg to <name>.json: write <name>.json.tmp, fsync,
// rename over the final path.
func (s *Store) Save(cfg runtimecfg.Config) error {
	final, err := s.pathFor(cfg.Name)
	if err != nil {
		return err
	}
	tmp := final + ".tmp"

	text, err := FormatPretty(cfg)
	if err != nil {
		return fmt.Errorf("format config for %s: %w", cfg.Name, err)
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file for %s: %w", cfg.Name, err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file for %s: %w", cfg.Name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp file for %s: %w", cfg.Name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file for %s: %w", cfg.Name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place for %s: %w", cfg.Name, err)
	}
	return nil
}

// Remove deletes name's persisted file, if any.
func (s *Store) Remove(name string) error {
	path, err := s.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove config for %s: %w", name, err)
	}
	return nil
}

// SetWasRunning patches the was_running boolean in place by rewriting only
// that token when present, avoiding a full decode/re-encode round trip
// (§4.2). Falls back to a full load+save if the token can't be located
// textually (e.g. a hand-edited file with unusual formatting).
func (s *Store) SetWasRunning(name string, running bool) error {
	path, err := s.pathFor(name)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config for %s: %w", name, err)
	}

	patched, ok := patchWasRunning(raw, running)
	if !ok {
		cfg, perr := Parse(string(raw))
		if perr != nil {
			return perr
		}
		cfg.WasRunning = running
		return s.Save(cfg)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, patched, 0o644); err != nil {
		return fmt.Errorf("write patched config for %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename patched config for %s: %w", name, err)
	}
	return nil
}

func patchWasRunning(raw []byte, running bool) ([]byte, bool) {
	key := []byte(`"was_running"`)
	idx := bytes.Index(raw, key)
	if idx < 0 {
		return nil, false
	}
	rest := raw[idx+len(key):]
	colon := bytes.IndexByte(rest, ':')
	if colon < 0 {
		return nil, false
	}
	rest = rest[colon+1:]
	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t' || rest[i] == '\n') {
		i++
	}
	var oldLen int
	switch {
	case bytes.HasPrefix(rest[i:], []byte("true")):
		oldLen = 4
	case bytes.HasPrefix(rest[i:], []byte("false")):
		oldLen = 5
	default:
		return nil, false
	}
	valueStart := idx + len(key) + colon + 1 + i
	newValue := "false"
	if running {
		newValue = "true"
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, raw[:valueStart]...)
	out = append(out, newValue...)
	out = append(out, raw[valueStart+oldLen:]...)
	return out, true
}

// LoadAll reads every persisted config under dir, used to rebuild the fleet
// at startup.
func (s *Store) LoadAll() ([]runtimecfg.Config, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	var out []runtimecfg.Config
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		cfg, err := Parse(string(raw))
		if err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}
