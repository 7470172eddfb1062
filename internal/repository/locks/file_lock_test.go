package locks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	zerrors "github.com/zzenonn/zmigrate/internal/errors"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "pack.lock")
}

// TestFileLock_AcquireRelease tests the basic lock lifecycle.
func TestFileLock_AcquireRelease(t *testing.T) {
	lock := NewFileLock(lockPath(t))
	ctx := context.Background()

	if err := lock.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	data, err := os.ReadFile(lock.path)
	if err != nil {
		t.Fatalf("marker not written: %v", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("marker not parseable: %v", err)
	}
	if record.PID != os.Getpid() {
		t.Errorf("marker pid = %d, want %d", record.PID, os.Getpid())
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.path); !os.IsNotExist(err) {
		t.Error("marker not removed on release")
	}
}

// TestFileLock_HeldByLiveProcess tests that a second acquire fails while the
// owning process is alive.
func TestFileLock_HeldByLiveProcess(t *testing.T) {
	path := lockPath(t)
	ctx := context.Background()

	if err := NewFileLock(path).Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Our own pid is alive by definition.
	err := NewFileLock(path).Acquire(ctx)
	if !errors.Is(err, zerrors.ErrAnotherInstanceRunning) {
		t.Errorf("second Acquire = %v, want ErrAnotherInstanceRunning", err)
	}
}

// TestFileLock_ReclaimsDeadOwner tests stale lock reclaim when the recorded
// process no longer exists.
func TestFileLock_ReclaimsDeadOwner(t *testing.T) {
	path := lockPath(t)

	stale := Record{Owner: "other-host", PID: 1 << 28, StartedAt: time.Now().Add(-time.Hour)}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := NewFileLock(path).Acquire(context.Background()); err != nil {
		t.Errorf("Acquire over dead owner = %v, want success", err)
	}
}

// TestFileLock_ReclaimsUnreadableMarker tests that a corrupt marker does not
// wedge locking forever.
func TestFileLock_ReclaimsUnreadableMarker(t *testing.T) {
	path := lockPath(t)
	if err := os.WriteFile(path, []byte("not json at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := NewFileLock(path).Acquire(context.Background()); err != nil {
		t.Errorf("Acquire over corrupt marker = %v, want success", err)
	}
}

// TestFileLock_ReleaseWithoutAcquire tests that release is idempotent.
func TestFileLock_ReleaseWithoutAcquire(t *testing.T) {
	if err := NewFileLock(lockPath(t)).Release(context.Background()); err != nil {
		t.Errorf("Release without acquire = %v, want nil", err)
	}
}
