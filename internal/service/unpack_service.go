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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zmigrate/internal/archive"
	"github.com/zzenonn/zmigrate/internal/diskguard"
	"github.com/zzenonn/zmigrate/internal/errors"
	"github.com/zzenonn/zmigrate/internal/planner"
	"github.com/zzenonn/zmigrate/internal/progress"
)

// UnpackOptions tunes the consumer pipeline.
type UnpackOptions struct {
	Prefix       string
	DestRemote   string
	Transfers    int
	PollInterval time.Duration
	Quiet        bool
}

// UnpackService drains a unit's staged archives into the destination remote.
type UnpackService struct {
	repo     StagingRepository
	copier   RemoteCopier
	progress *progress.Store
	guard    *diskguard.Guard
	opts     UnpackOptions
	shutdown *ShutdownFlag
}

// NewUnpackService creates a new UnpackService instance
func NewUnpackService(repo StagingRepository, copier RemoteCopier, store *progress.Store, guard *diskguard.Guard, opts UnpackOptions, shutdown *ShutdownFlag) *UnpackService {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &UnpackService{
		repo:     repo,
		copier:   copier,
		progress: store,
		guard:    guard,
		opts:     opts,
		shutdown: shutdown,
	}
}

// UnpackUnit downloads, extracts, and republishes every archive belonging to
// the unit, strictly one at a time. A failed archive is logged and skipped;
// the unit is only marked complete once no archives remain outstanding.
func (s *UnpackService) UnpackUnit(ctx context.Context, name string) error {
	tracker := s.progress.ForUnpack(planner.SanitizeName(name))

	record, err := tracker.Load(ctx)
	if err != nil {
		return err
	}
	if record.UnitComplete {
		log.WithField("unit", name).Info("Unit already complete, skipping")
		return nil
	}

	keys, err := s.listArchives(ctx, name)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		log.WithField("unit", name).Warn("No archives found for unit")
		return nil
	}

	var failed int
	for _, key := range keys {
		if record.HasKey(key) {
			continue
		}
		if s.shutdown.Requested() {
			return errors.ErrShutdownRequested
		}
		for s.guard.SoftExceeded() {
			log.WithField("unit", name).Info("Disk backpressure, throttling")
			time.Sleep(backpressurePause)
		}

		if err := s.unpackArchive(ctx, tracker, name, key); err != nil {
			log.WithFields(log.Fields{"key": key, "error": err}).Error("Archive failed, continuing with next")
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d archive(s) failed for %s", failed, name)
	}
	if err := tracker.MarkUnitComplete(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{"unit": name, "archives": len(keys)}).Info("Unit republished")
	return nil
}

// listArchives returns the unit's archive keys in natural part order so
// splits land in their intended sequence.
func (s *UnpackService) listArchives(ctx context.Context, name string) ([]string, error) {
	all, err := s.repo.List(ctx, planner.ArchivePrefix(s.opts.Prefix, name))
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, k := range all {
		if strings.HasSuffix(k, ".zip") {
			keys = append(keys, k)
		}
	}
	planner.SortKeysNatural(keys)
	return keys, nil
}

func (s *UnpackService) unpackArchive(ctx context.Context, tracker *progress.Tracker, name, key string) error {
	tempDir := filepath.Join(s.guard.WorkDir(),
		fmt.Sprintf("%s%s_%d", diskguard.UnpackTempPrefix, planner.SanitizeName(name), rand.Intn(10000)))
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	archivePath := filepath.Join(s.guard.WorkDir(), path.Base(key))
	defer os.Remove(archivePath)

	size, err := s.repo.Head(ctx, key)
	if err != nil {
		return err
	}
	if !s.guard.HasSpaceFor(size) {
		return errors.ErrInsufficientDisk
	}

	log.WithFields(log.Fields{"key": key, "bytes": size}).Info("Downloading archive")
	if err := s.downloadTo(ctx, key, archivePath); err != nil {
		return err
	}

	if err := archive.Verify(archivePath); err != nil {
		return err
	}

	extracted, err := archive.Extract(archivePath, tempDir)
	if err != nil {
		return err
	}

	// The archive is no longer needed; free its disk before the
	// republish starts competing for space.
	os.Remove(archivePath)

	dst := s.opts.DestRemote + "/" + name
	log.WithFields(log.Fields{"key": key, "files": extracted, "dst": dst}).Info("Republishing")

	cause, err := s.copier.CopyTree(ctx, tempDir, dst, s.opts.Transfers, s.opts.PollInterval, func() error {
		if s.shutdown.Requested() {
			return errors.ErrShutdownRequested
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("republish failed for %s: %w", key, err)
	}
	// An interrupted republish leaves the destination partial; the
	// checkpoint must not advance.
	if cause != nil {
		return cause
	}

	if err := tracker.MarkArchiveComplete(ctx, key, nil); err != nil {
		return err
	}
	log.WithField("key", key).Info("Archive republished and checkpointed")
	return nil
}

func (s *UnpackService) downloadTo(ctx context.Context, key, dest string) error {
	rc, err := s.repo.Download(ctx, key, s.opts.Quiet)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	return f.Close()
}
