package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// PIDFile is the JSON document written at the daemon's well-known PID path.
type PIDFile struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	InstanceID string    `json:"instance_id"`
	Port       int       `json:"port"`
}

// Lifecycle holds the daemon's run-state flags and owns the PID file.
// The daemon starts paused and idles until explicitly resumed.
type Lifecycle struct {
	mu           sync.Mutex
	paused       bool
	shuttingDown bool
	graceful     bool
	stopExplicit bool
	instanceID   string
	startedAt    time.Time
	pidPath      string
}

// NewLifecycle creates a Lifecycle with a fresh instance identity.
// The instance ID is a random v4 UUID, stable for the daemon's lifetime and
// included in every broadcast so clients can detect a restart.
func NewLifecycle(pidPath string) *Lifecycle {
	return &Lifecycle{
		paused:     true,
		instanceID: uuid.NewString(),
		startedAt:  time.Now().UTC(),
		pidPath:    pidPath,
	}
}

// InstanceID returns the daemon's stable instance identity.
func (l *Lifecycle) InstanceID() string {
	return l.instanceID
}

// Pause stops the spawner; in-flight subprocesses are unaffected.
func (l *Lifecycle) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

// Resume re-enables the spawner.
func (l *Lifecycle) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
}

// Paused reports whether the spawner is idle.
func (l *Lifecycle) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Stop requests shutdown. Only sets flags; the loop observes them and
// terminates. Safe to call more than once; a graceful stop can be upgraded
// to a forced one but never downgraded.
func (l *Lifecycle) Stop(graceful bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shuttingDown {
		if !graceful {
			l.graceful = false
		}
		return
	}
	l.shuttingDown = true
	l.graceful = graceful
	l.stopExplicit = true
}

// BeginShutdown marks shutdown without the explicit-stop flag. Used when an
// external signal (not a stop command) ends the process; the PID file is
// left in place in that case.
func (l *Lifecycle) BeginShutdown(graceful bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shuttingDown {
		return
	}
	l.shuttingDown = true
	l.graceful = graceful
}

// ShuttingDown reports whether shutdown has been requested.
func (l *Lifecycle) ShuttingDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shuttingDown
}

// Graceful reports whether shutdown should let in-flight subprocesses
// finish naturally.
func (l *Lifecycle) Graceful() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.graceful
}

// StopExplicit reports whether Stop was explicitly called, as opposed to an
// uncaught signal. Only an explicit stop deletes the PID file on exit.
func (l *Lifecycle) StopExplicit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopExplicit
}

// WritePIDFile claims the PID path for this daemon instance. A stale PID
// file (owning process no longer alive) is deleted first; a live one is an
// error. The write is guarded by an exclusive lock on a sibling .lock file
// and lands via an atomic temp-file rename, mode 0600.
func (l *Lifecycle) WritePIDFile(port int) error {
	if l.pidPath == "" {
		return nil
	}

	return withFileLock(l.pidPath+".lock", func() error {
		if existing, err := readPIDFile(l.pidPath); err == nil {
			if processAlive(existing.PID) {
				return fmt.Errorf("daemon already running with pid %d", existing.PID)
			}
			if err := os.Remove(l.pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove stale PID file: %w", err)
			}
		}

		doc := PIDFile{
			PID:        os.Getpid(),
			StartedAt:  l.startedAt,
			InstanceID: l.instanceID,
			Port:       port,
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode PID file: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(l.pidPath), 0755); err != nil {
			return fmt.Errorf("failed to create PID directory: %w", err)
		}

		tmp := l.pidPath + ".tmp"
		if err := os.WriteFile(tmp, data, 0600); err != nil {
			return fmt.Errorf("failed to write PID temp file: %w", err)
		}
		if err := os.Rename(tmp, l.pidPath); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to rename PID file into place: %w", err)
		}
		return nil
	})
}

// RemovePIDFile deletes the PID file under the same lock, but only if it
// still belongs to this instance. Idempotent.
func (l *Lifecycle) RemovePIDFile() error {
	if l.pidPath == "" {
		return nil
	}

	return withFileLock(l.pidPath+".lock", func() error {
		existing, err := readPIDFile(l.pidPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if existing.InstanceID != l.instanceID {
			return nil // Another daemon owns it now
		}
		if err := os.Remove(l.pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove PID file: %w", err)
		}
		return nil
	})
}

// ReadPIDFile reads the PID document at the given path. Used by control
// clients to locate a running daemon.
func ReadPIDFile(path string) (*PIDFile, error) {
	return readPIDFile(path)
}

func readPIDFile(path string) (*PIDFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc PIDFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse PID file %s: %w", path, err)
	}
	return &doc, nil
}

// processAlive checks process existence with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// withFileLock runs fn while holding an exclusive OS file lock. The PID
// file is the only resource shared across daemon processes, so this is the
// only place mutual exclusion crosses a process boundary.
func withFileLock(lockPath string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire file lock: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return fn()
}
