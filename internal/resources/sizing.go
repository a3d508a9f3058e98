// Package resources computes the effective worker count for the upload
// agent's worker pool: CPU/memory-aware thread allocation narrowed to a
// single formula, since the agent runs one job and one pool, sized once
// at prepare time.
package resources

import "runtime"

// fallbackAvailableMemory is used when a platform-specific memory read
// fails or isn't available; conservative so auto-sizing never overcommits.
const fallbackAvailableMemory = 2 * 1024 * 1024 * 1024 // 2 GiB

// EffectiveWorkers implements the workers_auto sizing formula:
//
//	effective = clamp(floor(0.75 * cpu_cores), workers_min, workers_max)
//	further clamped so that effective * part_size_bytes <= 0.5 * available_memory
func EffectiveWorkers(workersMin, workersMax int, partSizeBytes int64) int {
	cores := runtime.NumCPU()
	desired := int(0.75 * float64(cores))
	if desired < workersMin {
		desired = workersMin
	}
	if desired > workersMax {
		desired = workersMax
	}

	if partSizeBytes > 0 {
		memBudget := float64(AvailableMemoryBytes()) * 0.5
		memCap := int(memBudget / float64(partSizeBytes))
		if memCap < 1 {
			memCap = 1
		}
		if desired > memCap {
			desired = memCap
		}
	}

	if desired < workersMin {
		desired = workersMin
	}
	if desired > workersMax {
		desired = workersMax
	}
	return desired
}
