package service

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zmigrate/internal/archive"
	"github.com/zzenonn/zmigrate/internal/diskguard"
	"github.com/zzenonn/zmigrate/internal/domain"
	"github.com/zzenonn/zmigrate/internal/errors"
	"github.com/zzenonn/zmigrate/internal/planner"
	"github.com/zzenonn/zmigrate/internal/progress"
)

// StagingRepository is the slice of the object store the pipeline needs.
type StagingRepository interface {
	Upload(ctx context.Context, key string, r io.Reader, quiet bool) (string, error)
	Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (int64, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// RemoteCopier is the slice of the rclone runner the pipeline needs.
type RemoteCopier interface {
	CopyFiles(ctx context.Context, src, localDir, listPath string, transfers int, interval time.Duration, poll func() error) (cause error, err error)
	CopyDirect(ctx context.Context, src, dst string, interval time.Duration, poll func() error) (cause error, err error)
	CopyTree(ctx context.Context, localDir, dst string, transfers int, interval time.Duration, poll func() error) (cause error, err error)
}

// PackOptions tunes the producer pipeline.
type PackOptions struct {
	Prefix          string
	SourceRemote    string
	DestRemote      string
	BatchSize       int
	MaxArchiveBytes int64
	Transfers       int
	PollInterval    time.Duration
	Quiet           bool
}

// PackService materializes units as size-bounded archives in the staging
// store and directly transfers oversized files.
type PackService struct {
	repo     StagingRepository
	copier   RemoteCopier
	progress *progress.Store
	guard    *diskguard.Guard
	opts     PackOptions
	shutdown *ShutdownFlag
}

// NewPackService creates a new PackService instance
func NewPackService(repo StagingRepository, copier RemoteCopier, store *progress.Store, guard *diskguard.Guard, opts PackOptions, shutdown *ShutdownFlag) *PackService {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &PackService{
		repo:     repo,
		copier:   copier,
		progress: store,
		guard:    guard,
		opts:     opts,
		shutdown: shutdown,
	}
}

// FetchUnit loads a unit's manifests from the staging store. Missing
// manifests yield an empty unit rather than an error.
func (s *PackService) FetchUnit(ctx context.Context, name string) (domain.Unit, error) {
	unit := domain.Unit{Name: name}

	if data, err := s.fetchObject(ctx, planner.ListKey(s.opts.Prefix, name)); err == nil {
		files, err := planner.ParseFileList(strings.NewReader(string(data)))
		if err != nil {
			return unit, err
		}
		unit.Files = files
	}

	if data, err := s.fetchObject(ctx, planner.LargeFilesKey(s.opts.Prefix, name)); err == nil {
		large, err := planner.ParseLargeFiles(data)
		if err != nil {
			log.WithFields(log.Fields{"unit": name, "error": err}).Warn("Skipping malformed large-file manifest")
		} else {
			unit.LargeFiles = large
		}
	}

	return unit, nil
}

func (s *PackService) fetchObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.repo.Download(ctx, key, true)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// PackUnit runs the full producer pipeline for one unit: the batch-archiving
// loop and the large-file direct transfer run concurrently, and the unit is
// marked complete only once both finish cleanly.
func (s *PackService) PackUnit(ctx context.Context, name string) error {
	tracker := s.progress.ForPack(planner.SanitizeName(name))

	record, err := tracker.Load(ctx)
	if err != nil {
		return err
	}
	if record.UnitComplete {
		log.WithField("unit", name).Info("Unit already complete, skipping")
		return nil
	}

	unit, err := s.FetchUnit(ctx, name)
	if err != nil {
		return err
	}
	if len(unit.Files) == 0 && len(unit.LargeFiles) == 0 {
		log.WithField("unit", name).Warn("No manifests found for unit, skipping")
		return nil
	}

	batches := planner.PartitionManifest(name, unit.Files, normalizedSet(record.CompletedFiles), s.opts.BatchSize)

	var wg sync.WaitGroup
	var largeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		largeErr = s.transferLargeFiles(ctx, tracker, unit, record.LargeFileSet())
	}()

	// Batches run strictly sequentially within the unit to bound disk.
	var batchErr error
	for _, batch := range batches {
		if s.shutdown.Requested() {
			batchErr = errors.ErrShutdownRequested
			break
		}
		if err := s.packBatch(ctx, tracker, batch); err != nil {
			log.WithFields(log.Fields{"unit": name, "part": batch.Part, "error": err}).Error("Batch failed")
			batchErr = err
			// Sibling batches keep going; the unit just won't be
			// marked complete this run.
		}
	}

	wg.Wait()

	if batchErr != nil {
		return batchErr
	}
	if largeErr != nil {
		return largeErr
	}

	if err := tracker.MarkUnitComplete(ctx); err != nil {
		return err
	}
	log.WithField("unit", name).Info("Unit complete")
	return nil
}

// packBatch materializes one batch as one or more archives under bounded
// local disk, re-splitting whenever the disk or size cap is hit.
func (s *PackService) packBatch(ctx context.Context, tracker *progress.Tracker, batch domain.Batch) error {
	remaining := batch.Files

	for split := 0; len(remaining) > 0; {
		if s.shutdown.Requested() {
			return errors.ErrShutdownRequested
		}
		if s.guard.SoftExceeded() {
			log.WithFields(log.Fields{"unit": batch.Unit, "part": batch.Part}).Info("Disk backpressure, throttling")
			time.Sleep(backpressurePause)
		}

		key := planner.ArchiveKey(s.opts.Prefix, batch.Unit, batch.Part, split)

		// Completeness is checked per split key inside the loop; a
		// completed base key must not short-circuit later splits.
		record, err := tracker.Load(ctx)
		if err != nil {
			return err
		}
		if record.HasKey(key) {
			log.WithField("key", key).Debug("Split already complete, advancing")
			split++
			continue
		}

		next, err := s.packSplit(ctx, tracker, batch, key, remaining)
		if err != nil {
			return err
		}
		if len(next) == len(remaining) {
			return fmt.Errorf("split %s made no progress over %d files", key, len(remaining))
		}
		remaining = next
		if len(remaining) > 0 {
			log.WithFields(log.Fields{"key": key, "remaining": len(remaining)}).Info("Batch split, continuing")
			split++
		}
	}
	return nil
}

// packSplit downloads as much of remaining as fits, archives it, uploads the
// archive, and checkpoints. It returns the files left for the next split.
func (s *PackService) packSplit(ctx context.Context, tracker *progress.Tracker, batch domain.Batch, key string, remaining []string) (next []string, err error) {
	tempDir := filepath.Join(s.guard.WorkDir(),
		fmt.Sprintf("%s%s_Part%d_%d", diskguard.PackTempPrefix, planner.SanitizeName(batch.Unit), batch.Part, rand.Intn(10000)))
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	archivePath := filepath.Join(s.guard.WorkDir(), path.Base(key))
	preserve := false
	defer func() {
		os.Remove(archivePath)
		if !preserve {
			os.RemoveAll(tempDir)
		}
	}()

	listPath := filepath.Join(tempDir, "filelist.txt")
	if err := writeFileList(listPath, remaining); err != nil {
		return nil, err
	}

	src := s.opts.SourceRemote + "/" + batch.Unit
	log.WithFields(log.Fields{"key": key, "files": len(remaining)}).Info("Downloading batch files")

	cause, err := s.copier.CopyFiles(ctx, src, tempDir, listPath, s.opts.Transfers, s.opts.PollInterval, func() error {
		if s.guard.HardExceeded() {
			return errors.ErrDiskHardLimit
		}
		if diskguard.DirSize(tempDir) > s.opts.MaxArchiveBytes {
			return errSizeCap
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cause != nil {
		// Expected control flow: the inventory below decides what
		// spills into the next split.
		log.WithFields(log.Fields{"key": key, "cause": cause}).Info("Copy terminated early, splitting")
		time.Sleep(settlePause)
	}

	os.Remove(listPath)

	inventory, err := inventoryDir(tempDir)
	if err != nil {
		return nil, err
	}
	next = subtract(remaining, inventory)

	if len(inventory) == 0 {
		return next, nil
	}

	if !s.guard.HasSpaceFor(diskguard.DirSize(tempDir)) {
		return nil, errors.ErrInsufficientDisk
	}

	log.WithFields(log.Fields{"key": key, "files": len(inventory)}).Info("Building archive")
	if err := archive.Create(tempDir, archivePath, inventory); err != nil {
		return nil, err
	}
	if err := archive.Verify(archivePath); err != nil {
		// Leave the temp state in place for inspection; progress is
		// untouched so the split is retried on a later run.
		preserve = true
		return nil, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive for upload: %w", err)
	}
	_, uploadErr := s.repo.Upload(ctx, key, f, s.opts.Quiet)
	f.Close()
	if uploadErr != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, uploadErr)
	}

	// Confirm the object actually landed before advancing the checkpoint.
	if _, err := s.repo.Head(ctx, key); err != nil {
		return nil, fmt.Errorf("upload verification failed for %s: %w", key, err)
	}

	if err := tracker.MarkArchiveComplete(ctx, key, normalizeAll(inventory)); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"key": key, "files": len(inventory)}).Info("Archive uploaded and checkpointed")
	return next, nil
}

// transferLargeFiles copies oversized files directly between remotes,
// bypassing local disk and archiving, with its own checkpoint.
func (s *PackService) transferLargeFiles(ctx context.Context, tracker *progress.Tracker, unit domain.Unit, done map[string]struct{}) error {
	var failed []string
	for _, lf := range unit.LargeFiles {
		if _, ok := done[lf.Path]; ok {
			continue
		}
		if s.shutdown.Requested() {
			return errors.ErrShutdownRequested
		}

		src := s.opts.SourceRemote + "/" + unit.Name + "/" + lf.Path
		dst := s.opts.DestRemote + "/" + unit.Name + "/" + lf.Path
		log.WithFields(log.Fields{"unit": unit.Name, "path": lf.Path, "size_gb": lf.SizeGB}).Info("Direct transfer")

		cause, err := s.copier.CopyDirect(ctx, src, dst, largeFilePollInterval, func() error {
			if s.shutdown.Requested() {
				return errors.ErrShutdownRequested
			}
			return nil
		})
		if err == nil && cause != nil {
			return cause
		}
		if err != nil {
			log.WithFields(log.Fields{"unit": unit.Name, "path": lf.Path, "error": err}).Error("Direct transfer failed")
			failed = append(failed, lf.Path)
			continue
		}

		if err := tracker.MarkLargeFileComplete(ctx, lf.Path); err != nil {
			failed = append(failed, lf.Path)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d large file(s) failed for %s", len(failed), unit.Name)
	}
	return nil
}

const (
	backpressurePause     = 5 * time.Second
	settlePause           = 2 * time.Second
	largeFilePollInterval = 5 * time.Second
)

// errSizeCap signals the archive size cap during a copy; a split trigger,
// not a failure.
var errSizeCap = fmt.Errorf("archive size cap reached")

func writeFileList(path string, files []string) error {
	var sb strings.Builder
	for _, f := range files {
		sb.WriteString(f)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write file list: %w", err)
	}
	return nil
}

// inventoryDir lists regular files under dir as slash-relative paths.
// Zero-byte files are excluded so partial downloads stay in the remaining
// set for the next split.
func inventoryDir(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() || info.Name() == "filelist.txt" || info.Size() == 0 {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to inventory %s: %w", dir, err)
	}
	return files, nil
}

// subtract returns the manifest entries not present in the inventory.
func subtract(manifest, inventory []string) []string {
	got := make(map[string]struct{}, len(inventory))
	for _, f := range inventory {
		got[planner.NormalizePath(f)] = struct{}{}
	}

	var left []string
	for _, f := range manifest {
		if _, ok := got[planner.NormalizePath(f)]; !ok {
			left = append(left, f)
		}
	}
	return left
}

func normalizeAll(files []string) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = planner.NormalizePath(f)
	}
	return out
}

func normalizedSet(files []string) map[string]struct{} {
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[planner.NormalizePath(f)] = struct{}{}
	}
	return set
}
