// Package progress persists per-unit checkpoints in the staging store.
// The checkpoint record is the sole durable source of truth for what has
// completed; archive existence alone never implies completeness.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zmigrate/internal/repository/objectstore"
)

// ObjectRepository is the slice of the staging store this package needs.
type ObjectRepository interface {
	Upload(ctx context.Context, key string, r io.Reader, quiet bool) (string, error)
	Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error)
}

// Record is one unit's checkpoint. Files enter CompletedFiles only after
// their archive upload is confirmed (pack) or their archive's contents are
// confirmed republished (unpack).
type Record struct {
	CompletedKeys  []string `json:"completed_keys"`
	CompletedFiles []string `json:"completed_files"`
	LargeFilesDone []string `json:"large_files_done"`
	UnitComplete   bool     `json:"unit_complete"`
}

// HasKey reports whether the archive key is recorded complete.
func (r *Record) HasKey(key string) bool {
	for _, k := range r.CompletedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// FileSet returns completed files as a set.
func (r *Record) FileSet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.CompletedFiles))
	for _, f := range r.CompletedFiles {
		set[f] = struct{}{}
	}
	return set
}

// LargeFileSet returns completed large files as a set.
func (r *Record) LargeFileSet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.LargeFilesDone))
	for _, f := range r.LargeFilesDone {
		set[f] = struct{}{}
	}
	return set
}

// Store creates per-unit trackers against one staging prefix.
type Store struct {
	repo    ObjectRepository
	prefix  string
	fileCap int
}

// NewStore creates a progress store. fileCap bounds the completed-files list
// per unit; older entries are pruned first.
func NewStore(repo ObjectRepository, prefix string, fileCap int) *Store {
	return &Store{repo: repo, prefix: prefix, fileCap: fileCap}
}

// ForPack returns the pack-side tracker for a unit.
func (s *Store) ForPack(unit string) *Tracker {
	return &Tracker{
		store: s,
		unit:  unit,
		key:   fmt.Sprintf("%s_progress/%s_progress.json", s.prefix, unit),
	}
}

// ForUnpack returns the unpack-side tracker for a unit.
func (s *Store) ForUnpack(unit string) *Tracker {
	return &Tracker{
		store: s,
		unit:  unit,
		key:   fmt.Sprintf("%s_progress/%s_unzip_progress.json", s.prefix, unit),
	}
}

// Tracker is the checkpoint object for one unit. All mutation goes through
// load-modify-save under the tracker's own lock; it guards against other
// tasks in the same process only, the instance lock covers other processes.
type Tracker struct {
	store *Store
	unit  string
	key   string
	mu    sync.Mutex
}

// Load reads the current record. A missing or corrupt checkpoint yields an
// empty record: re-doing work is safe, skipping it is not.
func (t *Tracker) Load(ctx context.Context) (Record, error) {
	rc, err := t.store.repo.Download(ctx, t.key, true)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("failed to load progress for %s: %w", t.unit, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read progress for %s: %w", t.unit, err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		log.WithFields(log.Fields{"unit": t.unit, "error": err}).Warn("Progress record corrupted, starting fresh")
		return Record{}, nil
	}
	return record, nil
}

func (t *Tracker) save(ctx context.Context, record Record) error {
	record = t.prune(record)
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal progress for %s: %w", t.unit, err)
	}
	if _, err := t.store.repo.Upload(ctx, t.key, bytes.NewReader(data), true); err != nil {
		return fmt.Errorf("failed to save progress for %s: %w", t.unit, err)
	}
	return nil
}

// prune caps the completed-files list, dropping oldest entries. Pruned files
// may be re-downloaded after a crash; completed-keys stays unbounded so no
// archive is ever re-uploaded.
func (t *Tracker) prune(record Record) Record {
	if t.store.fileCap > 0 && len(record.CompletedFiles) > t.store.fileCap {
		dropped := len(record.CompletedFiles) - t.store.fileCap
		record.CompletedFiles = record.CompletedFiles[dropped:]
		log.WithFields(log.Fields{"unit": t.unit, "dropped": dropped}).Debug("Pruned completed-files checkpoint")
	}
	return record
}

// update applies fn to the current record and saves it atomically with
// respect to other tasks in this process.
func (t *Tracker) update(ctx context.Context, fn func(*Record)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, err := t.Load(ctx)
	if err != nil {
		return err
	}
	fn(&record)
	return t.save(ctx, record)
}

// MarkArchiveComplete records a confirmed archive upload (or republish) and
// the files it covered.
func (t *Tracker) MarkArchiveComplete(ctx context.Context, key string, files []string) error {
	return t.update(ctx, func(r *Record) {
		if !r.HasKey(key) {
			r.CompletedKeys = append(r.CompletedKeys, key)
		}
		existing := r.FileSet()
		for _, f := range files {
			if _, ok := existing[f]; !ok {
				r.CompletedFiles = append(r.CompletedFiles, f)
			}
		}
	})
}

// MarkLargeFileComplete records one confirmed direct transfer.
func (t *Tracker) MarkLargeFileComplete(ctx context.Context, path string) error {
	return t.update(ctx, func(r *Record) {
		for _, f := range r.LargeFilesDone {
			if f == path {
				return
			}
		}
		r.LargeFilesDone = append(r.LargeFilesDone, path)
	})
}

// MarkUnitComplete flags the unit as fully done.
func (t *Tracker) MarkUnitComplete(ctx context.Context) error {
	return t.update(ctx, func(r *Record) {
		r.UnitComplete = true
	})
}
