// Package config holds socketleyd's own daemon configuration — the paths
// and defaults it needs before any runtime exists. Shaped directly on the
// teacher's own config package: a plain struct, a DefaultConfig()
// constructor rooted under the user's home directory, and an EnsureDirs()
// that MkdirAlls everything up front.
package config

import (
	"os"
	"path/filepath"
)

// Config holds socketleyd's daemon-level configuration.
type Config struct {
	// DataDir is the base directory for daemon-owned data.
	DataDir string

	// StateDir is where per-runtime JSON configs are persisted (§4.2).
	StateDir string

	// LogsDir is where per-runtime log files are written when a runtime's
	// log_file path is relative.
	LogsDir string

	// SocketPath is the control-plane unix socket path (§4.10). Default
	// /tmp/socketley.sock per spec.md §6.
	SocketPath string

	// SocketPerm is the filesystem permission applied to SocketPath.
	SocketPerm os.FileMode

	// IdleSweepIntervalSeconds is the cadence of the idle-connection sweep (§4.3),
	// fixed at 30s per spec.
	IdleSweepIntervalSeconds int

	// AcceptBackoffMillis is the EMFILE/ENFILE accept backoff (§5), fixed at
	// 100ms per spec.
	AcceptBackoffMillis int
}

// DefaultConfig returns socketleyd's default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".socketley")

	return &Config{
		DataDir:                  base,
		StateDir:                 filepath.Join(base, "state"),
		LogsDir:                  filepath.Join(base, "logs"),
		SocketPath:               "/tmp/socketley.sock",
		SocketPerm:               0o666,
		IdleSweepIntervalSeconds: 30,
		AcceptBackoffMillis:      100,
	}
}

// EnsureDirs creates every directory the daemon needs up front.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, c.StateDir, c.LogsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
