package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zmigrate/internal/errors"
)

// FileLock is a marker-file lock for single-host deployments. The marker
// records owner pid and start time; a marker whose pid is no longer alive is
// reclaimed on the next Acquire.
type FileLock struct {
	path string
}

// NewFileLock creates a file lock at the given path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire creates the marker exclusively, reclaiming a stale one first.
func (l *FileLock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			record := Record{
				Owner:     hostname(),
				PID:       os.Getpid(),
				StartedAt: time.Now().UTC(),
			}
			encErr := json.NewEncoder(f).Encode(record)
			closeErr := f.Close()
			if encErr != nil {
				return fmt.Errorf("failed to write lock record: %w", encErr)
			}
			return closeErr
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		if !l.reclaimStale() {
			return errors.ErrAnotherInstanceRunning
		}
		// Stale marker removed; one more exclusive-create attempt.
	}
	return errors.ErrAnotherInstanceRunning
}

// reclaimStale removes the marker if its recorded owner process is dead.
// A marker that cannot be parsed is treated as stale.
func (l *FileLock) reclaimStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		// Marker vanished between create and read; retry the create.
		return os.IsNotExist(err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		log.WithField("path", l.path).Warn("Unreadable lock marker, reclaiming")
		return os.Remove(l.path) == nil
	}

	if pidAlive(record.PID) {
		return false
	}

	log.WithFields(log.Fields{"pid": record.PID, "started": record.StartedAt}).
		Info("Reclaiming stale instance lock from dead process")
	return os.Remove(l.path) == nil
}

// Release removes the marker. Safe to call when the lock was never acquired.
func (l *FileLock) Release(ctx context.Context) error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
