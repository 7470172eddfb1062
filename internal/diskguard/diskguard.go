// Package diskguard watches local disk utilization for the pipeline. The
// soft threshold throttles new transfers; the hard threshold terminates the
// in-flight copy and forces a split.
package diskguard

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Prefixes of scratch directories the pipeline creates under the work dir.
// Startup cleanup matches leftovers from crashed runs by these names.
const (
	PackTempPrefix   = "pack_"
	UnpackTempPrefix = "unpack_"
)

// Guard reports disk pressure for one work directory.
type Guard struct {
	workDir string
	softPct float64
	hardPct float64
}

// NewGuard creates a Guard over workDir with soft and hard utilization
// thresholds in percent.
func NewGuard(workDir string, softPct, hardPct float64) *Guard {
	return &Guard{workDir: workDir, softPct: softPct, hardPct: hardPct}
}

// WorkDir returns the guarded scratch directory.
func (g *Guard) WorkDir() string {
	return g.workDir
}

// UsedPercent returns current utilization of the filesystem holding the
// work directory. Measurement failures report zero pressure; the pipeline
// must not stall because statfs is unavailable.
func (g *Guard) UsedPercent() float64 {
	total, free, err := fsUsage(g.workDir)
	if err != nil || total == 0 {
		log.WithError(err).Debug("Disk usage measurement failed")
		return 0
	}
	return float64(total-free) / float64(total) * 100
}

// SoftExceeded reports whether new transfers should be throttled.
func (g *Guard) SoftExceeded() bool {
	return g.UsedPercent() > g.softPct
}

// HardExceeded reports whether in-flight copies must stop.
func (g *Guard) HardExceeded() bool {
	return g.UsedPercent() > g.hardPct
}

// HasSpaceFor reports whether the filesystem can hold required more bytes,
// with a 10% margin for archive bookkeeping overhead.
func (g *Guard) HasSpaceFor(required int64) bool {
	_, free, err := fsUsage(g.workDir)
	if err != nil {
		return true
	}
	return free >= uint64(required+required/10)
}

// DirSize walks dir and sums regular file sizes, skipping symlinks.
func DirSize(dir string) int64 {
	var total int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// CleanOrphans removes scratch directories left behind by prior crashed
// runs, matched by naming convention, and returns how many were removed.
func (g *Guard) CleanOrphans() int {
	entries, err := os.ReadDir(g.workDir)
	if err != nil {
		return 0
	}

	cleaned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, PackTempPrefix) && !strings.HasPrefix(name, UnpackTempPrefix) {
			continue
		}
		path := filepath.Join(g.workDir, name)
		if err := os.RemoveAll(path); err != nil {
			log.WithFields(log.Fields{"path": path, "error": err}).Warn("Failed to remove orphaned temp directory")
			continue
		}
		cleaned++
	}
	return cleaned
}
