// Package instance guards against two hub processes opening the same
// data directory concurrently (spec §6.3: "No other process may write
// these files concurrently"). Grounded on the teacher's
// internal/instance.InstanceManager PID-file-plus-exclusive-lock pair,
// trimmed from its full conflict-resolution/port-probing machinery (this
// hub refuses to start against a locked data dir rather than negotiating
// with the existing instance) down to acquire/release around one lock
// file, with the platform-specific exclusivity primitive kept on
// golang.org/x/sys as the teacher does it.
package instance

import (
	"fmt"
	"os"
	"path/filepath"
)

// Lock holds the exclusive advisory lock on a data directory for the
// lifetime of one hub process.
type Lock struct {
	path     string
	acquired bool
	handle   lockHandle
}

// Acquire takes the exclusive lock on dataDir, failing fast if another
// process already holds it.
func Acquire(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("instance: create data dir: %w", err)
	}

	l := &Lock{path: filepath.Join(dataDir, "hub.lock")}
	if err := l.acquire(); err != nil {
		return nil, fmt.Errorf("instance: another hub process is already using %s: %w", dataDir, err)
	}
	l.acquired = true
	return l, nil
}

// Release drops the lock; safe to call more than once.
func (l *Lock) Release() {
	if !l.acquired {
		return
	}
	l.release()
	l.acquired = false
	os.Remove(l.path)
}
