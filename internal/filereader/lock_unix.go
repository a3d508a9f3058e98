//go:build !windows

package filereader

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockShared takes a non-blocking shared flock. It fails only while
// another holder has an exclusive flock on the file; other shared lockers,
// including a second agent instance, succeed, and the advisory lock does
// not block writers that do not use flock.
func lockShared(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
}

func unlock(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
