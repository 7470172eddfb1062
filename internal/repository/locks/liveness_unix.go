//go:build !windows

package locks

import (
	"golang.org/x/sys/unix"
)

// pidAlive probes the process with signal 0. EPERM still means the process
// exists, just owned by someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
