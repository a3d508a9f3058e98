//go:build darwin

package resources

// AvailableMemoryBytes returns a conservative fixed estimate on Darwin,
// where there is no single cheap syscall equivalent to Linux's sysinfo(2).
// A safe fallback beats shelling out to vm_stat for a value only used to
// bound worker concurrency.
func AvailableMemoryBytes() uint64 {
	return fallbackAvailableMemory
}
