//go:build !windows

package diskguard

import (
	"golang.org/x/sys/unix"
)

// fsUsage returns total and available bytes of the filesystem holding path.
func fsUsage(path string) (total, free uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize)
	return stat.Blocks * bsize, stat.Bavail * bsize, nil
}
