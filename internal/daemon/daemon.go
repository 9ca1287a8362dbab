// Package daemon provides the single-instance guard and runtime
// directory conventions for `surgectl serve`. It is grounded on the
// teacher's cmd/root.go and cmd/server.go call sites (AcquireLock,
// ReleaseLock, findAvailablePort, saveActivePort, removeActivePort)
// whose bodies were not in the retrieval pack; this package
// reimplements the same contract against the teacher's declared
// gofrs/flock dependency instead of guessing at the original's lock
// mechanism.
package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// RuntimeDir returns the directory holding the daemon's lock file, port
// file, and default registry; it does not create the directory. Honors
// $SURGE_RUNTIME_DIR for tests and containerized deployments, falling
// back to ~/.surge like the teacher's config.GetRuntimeDir.
func RuntimeDir() string {
	if d := os.Getenv("SURGE_RUNTIME_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".surge")
}

func ensureRuntimeDir() (string, error) {
	dir := RuntimeDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Lock wraps a gofrs/flock file lock scoped to the runtime directory's
// "surge.lock" file. Only one process may hold it at a time; a second
// `surgectl serve` invocation must fail fast rather than silently
// running two engines against the same registry.
type Lock struct {
	fl *flock.Flock
}

// Acquire attempts to take the single-instance lock non-blockingly. A
// false return (with nil error) means another instance already holds
// it; the caller should report "already running" and exit rather than
// proceed, mirroring the teacher's isMaster check in cmd/root.go.
func Acquire() (*Lock, bool, error) {
	dir, err := ensureRuntimeDir()
	if err != nil {
		return nil, false, err
	}
	fl := flock.New(filepath.Join(dir, "surge.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{fl: fl}, true, nil
}

// Release drops the lock. Safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// FindAvailablePort tries ports starting at start, returning the first
// one that accepts a loopback listener, the way the teacher's
// findAvailablePort walks forward from a base port.
func FindAvailablePort(start int) (int, net.Listener) {
	for port := start; port < start+200; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return port, ln
		}
	}
	return 0, nil
}

func portFilePath() string {
	return filepath.Join(RuntimeDir(), "port")
}

// SaveActivePort records the daemon's bound port for CLI/browser
// discovery, mirroring the teacher's saveActivePort.
func SaveActivePort(port int) error {
	if _, err := ensureRuntimeDir(); err != nil {
		return err
	}
	return os.WriteFile(portFilePath(), []byte(strconv.Itoa(port)), 0o644)
}

// RemoveActivePort deletes the port file on daemon shutdown.
func RemoveActivePort() {
	_ = os.Remove(portFilePath())
}

// ReadActivePort returns the last daemon-reported port, or 0 if none is
// on record (no daemon running, or it exited uncleanly).
func ReadActivePort() int {
	data, err := os.ReadFile(portFilePath())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return port
}

func tokenFilePath() string {
	return filepath.Join(RuntimeDir(), "token")
}

// SaveToken persists the ingress bearer token so `surgectl token` and
// other client subcommands can find it without a running connection.
func SaveToken(token string) error {
	if _, err := ensureRuntimeDir(); err != nil {
		return err
	}
	return os.WriteFile(tokenFilePath(), []byte(token), 0o600)
}

// ReadToken returns the last daemon-saved token, or empty if none.
func ReadToken() string {
	data, err := os.ReadFile(tokenFilePath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// DefaultRegistryPath is where `surgectl serve` persists its registry
// absent an explicit --registry flag.
func DefaultRegistryPath() string {
	return filepath.Join(RuntimeDir(), "registry.json")
}

// DefaultHistoryPath is where `surgectl serve` persists its sqlite
// terminal-outcome log absent an explicit --history flag.
func DefaultHistoryPath() string {
	return filepath.Join(RuntimeDir(), "history.db")
}
