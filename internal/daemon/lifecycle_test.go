package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// TestWriteAndReadPIDFile verifies the PID document roundtrip and file
// permissions.
func TestWriteAndReadPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.pid")
	l := NewLifecycle(path)

	if err := l.WritePIDFile(7617); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("PID file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	doc, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile failed: %v", err)
	}
	if doc.PID != os.Getpid() {
		t.Errorf("Expected own pid %d, got %d", os.Getpid(), doc.PID)
	}
	if doc.Port != 7617 {
		t.Errorf("Expected port 7617, got %d", doc.Port)
	}
	if doc.InstanceID != l.InstanceID() {
		t.Errorf("Instance ID mismatch: %s vs %s", doc.InstanceID, l.InstanceID())
	}
	if doc.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}
}

// TestWritePIDFileRefusesLiveDaemon: a PID file owned by a live process is
// an error, not silently replaced.
func TestWritePIDFileRefusesLiveDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.pid")

	// Our own pid is certainly alive.
	first := NewLifecycle(path)
	if err := first.WritePIDFile(7617); err != nil {
		t.Fatalf("First WritePIDFile failed: %v", err)
	}

	second := NewLifecycle(path)
	if err := second.WritePIDFile(7618); err == nil {
		t.Fatal("Expected second daemon to refuse the claimed PID path")
	}
}

// TestWritePIDFileReplacesStale: a PID file whose owner is gone gets
// cleaned up and reclaimed.
func TestWritePIDFileReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.pid")

	// Fabricate a stale document with an implausible pid.
	stale, _ := json.Marshal(PIDFile{PID: 999999999, InstanceID: "dead-instance", Port: 1})
	if err := os.WriteFile(path, stale, 0o600); err != nil {
		t.Fatalf("Failed to plant stale PID file: %v", err)
	}

	l := NewLifecycle(path)
	if err := l.WritePIDFile(7617); err != nil {
		t.Fatalf("Expected stale PID file to be replaced: %v", err)
	}

	doc, _ := ReadPIDFile(path)
	if doc.InstanceID != l.InstanceID() {
		t.Errorf("Stale document survived: %+v", doc)
	}
}

// TestRemovePIDFileOwnershipCheck: removal only applies to this instance's
// own file.
func TestRemovePIDFileOwnershipCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.pid")
	l := NewLifecycle(path)
	if err := l.WritePIDFile(7617); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}

	// Another instance took over the path (e.g., after a stale takeover).
	other, _ := json.Marshal(PIDFile{PID: os.Getpid(), InstanceID: "other-instance", Port: 2})
	if err := os.WriteFile(path, other, 0o600); err != nil {
		t.Fatalf("Failed to overwrite PID file: %v", err)
	}

	if err := l.RemovePIDFile(); err != nil {
		t.Fatalf("RemovePIDFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("Foreign PID file must not be removed")
	}

	// Reclaim and remove our own.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := l.WritePIDFile(7617); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}
	if err := l.RemovePIDFile(); err != nil {
		t.Fatalf("RemovePIDFile failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Own PID file should be removed")
	}

	// Idempotent on a missing file.
	if err := l.RemovePIDFile(); err != nil {
		t.Errorf("Second RemovePIDFile should be a no-op: %v", err)
	}
}

// TestStopFlagTransitions pins the graceful/force latch semantics.
func TestStopFlagTransitions(t *testing.T) {
	l := NewLifecycle("")

	if l.ShuttingDown() {
		t.Fatal("Fresh lifecycle should not be shutting down")
	}

	l.Stop(true)
	if !l.ShuttingDown() || !l.Graceful() || !l.StopExplicit() {
		t.Error("Graceful stop flags wrong")
	}

	// Upgrade to force.
	l.Stop(false)
	if l.Graceful() {
		t.Error("Force should override graceful")
	}

	// No downgrade back to graceful.
	l.Stop(true)
	if l.Graceful() {
		t.Error("Graceful must not downgrade a forced stop")
	}
}

// TestBeginShutdownIsNotExplicit: signal-driven shutdown leaves the PID
// file owner flag unset.
func TestBeginShutdownIsNotExplicit(t *testing.T) {
	l := NewLifecycle("")
	l.BeginShutdown(true)

	if !l.ShuttingDown() || !l.Graceful() {
		t.Error("BeginShutdown flags wrong")
	}
	if l.StopExplicit() {
		t.Error("Signal shutdown must not count as explicit stop")
	}
}
