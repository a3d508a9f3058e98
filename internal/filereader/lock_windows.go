//go:build windows

package filereader

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockShared takes a non-exclusive byte-range lock over the whole file via
// LockFileEx, the Windows equivalent of flock(LOCK_SH).
func lockShared(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(f.Fd()), 0, 0, ^uint32(0), ^uint32(0), ol)
}

func unlock(f *os.File) {
	ol := new(windows.Overlapped)
	windows.UnlockFileEx(windows.Handle(f.Fd()), 0, ^uint32(0), ^uint32(0), ol)
}
