//go:build windows

package resources

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// AvailableMemoryBytes returns a best-effort estimate of free system memory
// via GlobalMemoryStatusEx.
func AvailableMemoryBytes() uint64 {
	var status windows.MemoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	if err := windows.GlobalMemoryStatusEx(&status); err != nil {
		return fallbackAvailableMemory
	}
	return status.AvailPhys
}
