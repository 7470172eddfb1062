package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zmigrate/internal/diskguard"
	"github.com/zzenonn/zmigrate/internal/planner"
	"github.com/zzenonn/zmigrate/internal/repository/locks"
)

// ShutdownFlag is a latch set on the first termination signal. Workers check
// it between units, batches, and splits; in-flight work runs to its next
// checkpoint instead of being killed mid-write.
type ShutdownFlag struct {
	requested atomic.Bool
}

// Request latches the flag.
func (f *ShutdownFlag) Request() { f.requested.Store(true) }

// Requested reports whether shutdown has been requested.
func (f *ShutdownFlag) Requested() bool { return f.requested.Load() }

// Preflighter verifies an external capability before work starts.
type Preflighter interface {
	Available() error
}

// UploadJanitor aborts pending multipart uploads left by a prior crash.
type UploadJanitor interface {
	AbortPendingUploads(ctx context.Context, prefix string) (int, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error)
}

// Orchestrator owns the run lifecycle shared by pack and unpack: single
// instance enforcement, signal handling, startup hygiene, and the bounded
// worker pool fanning out across units.
type Orchestrator struct {
	repo     UploadJanitor
	lock     locks.InstanceLock
	guard    *diskguard.Guard
	copier   Preflighter
	prefix   string
	workers  int
	shutdown *ShutdownFlag
}

// NewOrchestrator creates a new Orchestrator instance
func NewOrchestrator(repo UploadJanitor, lock locks.InstanceLock, guard *diskguard.Guard, copier Preflighter, prefix string, workers int, shutdown *ShutdownFlag) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		repo:     repo,
		lock:     lock,
		guard:    guard,
		copier:   copier,
		prefix:   prefix,
		workers:  workers,
		shutdown: shutdown,
	}
}

// Units resolves the units to process: the explicit list if given, otherwise
// the published index.
func (o *Orchestrator) Units(ctx context.Context, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}

	rc, err := o.repo.Download(ctx, planner.IndexKey(o.prefix), true)
	if err != nil {
		return nil, fmt.Errorf("failed to load unit index: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	units, err := planner.ParseFileList(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	for i, u := range units {
		units[i] = strings.TrimSuffix(u, "/")
	}
	return units, nil
}

// Run executes process for every unit under the bounded worker pool. Units
// run in parallel; one unit's failure never stops the others. The returned
// error aggregates per-unit failures.
func (o *Orchestrator) Run(ctx context.Context, units []string, process func(ctx context.Context, unit string) error) error {
	if err := o.copier.Available(); err != nil {
		return err
	}
	if _, err := o.repo.List(ctx, o.prefix); err != nil {
		return fmt.Errorf("staging store unreachable: %w", err)
	}

	if err := o.lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := o.lock.Release(context.Background()); err != nil {
			log.WithField("error", err).Warn("Failed to release instance lock")
		}
	}()

	stop := o.watchSignals()
	defer stop()

	o.startupCleanup(ctx)

	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string

	for _, unit := range units {
		if o.shutdown.Requested() {
			log.Info("Shutdown requested, not starting further units")
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(unit string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := process(ctx, unit); err != nil {
				log.WithFields(log.Fields{"unit": unit, "error": err}).Error("Unit failed")
				mu.Lock()
				failed = append(failed, unit)
				mu.Unlock()
			}
		}(unit)
	}
	wg.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d unit(s) failed: %s", len(failed), len(units), strings.Join(failed, ", "))
	}
	if o.shutdown.Requested() {
		log.Info("Stopped cleanly on shutdown request")
	}
	return nil
}

// watchSignals latches the shutdown flag on SIGINT or SIGTERM. A second
// signal exits immediately.
func (o *Orchestrator) watchSignals() func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for sig := range ch {
			if o.shutdown.Requested() {
				log.WithField("signal", sig).Warn("Second signal, exiting immediately")
				os.Exit(1)
			}
			log.WithField("signal", sig).Info("Shutdown requested, finishing in-flight work")
			o.shutdown.Request()
		}
	}()

	return func() { signal.Stop(ch); close(ch) }
}

// startupCleanup removes temp directories and pending multipart uploads left
// behind by a previous crashed run. Failures are logged, never fatal.
func (o *Orchestrator) startupCleanup(ctx context.Context) {
	if n := o.guard.CleanOrphans(); n > 0 {
		log.WithField("removed", n).Info("Removed orphaned temp directories")
	}

	if n, err := o.repo.AbortPendingUploads(ctx, o.prefix); err != nil {
		log.WithField("error", err).Warn("Multipart upload cleanup failed")
	} else if n > 0 {
		log.WithField("aborted", n).Info("Aborted stale multipart uploads")
	}
}
