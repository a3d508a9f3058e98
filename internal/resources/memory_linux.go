//go:build linux

package resources

import "golang.org/x/sys/unix"

// AvailableMemoryBytes returns a best-effort estimate of free system memory.
func AvailableMemoryBytes() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fallbackAvailableMemory
	}
	unitScale := uint64(info.Unit)
	if unitScale == 0 {
		unitScale = 1
	}
	return uint64(info.Freeram) * unitScale
}
