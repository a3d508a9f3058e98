// Package agentconfig holds the immutable tunable snapshot every upload
// component runs against. A Config is built once (from CLI flags in
// cmd/upload-agent) and handed to every other component; nothing in this
// package parses environment variables or files itself — that plumbing
// lives in the cmd layer.
package agentconfig

import (
	"fmt"
	"time"

	"github.com/partstream/upload-agent/internal/resources"
)

const (
	MiB = 1 << 20
	GiB = 1 << 30
)

// Config is the immutable snapshot of every tunable the agent exposes.
// Construct with Default() then override fields before calling Validate();
// treat it as read-only afterwards — nothing in this repo mutates a Config
// once a job has started.
type Config struct {
	// Part sizing
	PartSizeBytes int64
	MinPartSizeMB int64
	MaxPartSizeMB int64
	MaxParts      int

	// Worker pool
	WorkersMin  int
	WorkersMax  int
	WorkersAuto bool

	// URL prefetch
	PresignBatchSize int
	PresignLookahead int

	// Retry
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// Network
	HTTPTimeout time.Duration

	// Progress
	ProgressInterval time.Duration

	// Control surface
	WSPort     int
	BackendURL string

	// StateDir is where the embedded state store keeps its files.
	StateDir string
}

// Default returns the configuration with every tunable set to its
// documented default value.
func Default() Config {
	return Config{
		PartSizeBytes: 128 * MiB,
		MinPartSizeMB: 5,
		MaxPartSizeMB: 512,
		MaxParts:      10000,

		WorkersMin:  1,
		WorkersMax:  16,
		WorkersAuto: true,

		PresignBatchSize: 20,
		PresignLookahead: 50,

		RetryMaxAttempts: 3,
		RetryBaseDelay:   500 * time.Millisecond,
		RetryMaxDelay:    30 * time.Second,

		HTTPTimeout: 300 * time.Second,

		ProgressInterval: 500 * time.Millisecond,

		WSPort: 7117,

		StateDir: ".upload-agent",
	}
}

// Validate rejects nonsensical tunable combinations before the Supervisor
// starts a job, so bad configuration fails fast instead of deep inside a
// transfer.
func (c Config) Validate() error {
	if c.PartSizeBytes < c.MinPartSizeMB*MiB {
		return fmt.Errorf("part_size_bytes (%d) below min_part_size_mib (%d MiB)", c.PartSizeBytes, c.MinPartSizeMB)
	}
	if c.MaxPartSizeMB < c.MinPartSizeMB {
		return fmt.Errorf("max_part_size_mib (%d) below min_part_size_mib (%d)", c.MaxPartSizeMB, c.MinPartSizeMB)
	}
	if c.MaxParts < 1 {
		return fmt.Errorf("max_parts must be >= 1, got %d", c.MaxParts)
	}
	if c.WorkersMin < 1 {
		return fmt.Errorf("workers_min must be >= 1, got %d", c.WorkersMin)
	}
	if c.WorkersMax < c.WorkersMin {
		return fmt.Errorf("workers_max (%d) below workers_min (%d)", c.WorkersMax, c.WorkersMin)
	}
	if c.PresignBatchSize < 1 {
		return fmt.Errorf("presign_batch_size must be >= 1, got %d", c.PresignBatchSize)
	}
	if c.PresignLookahead < c.PresignBatchSize {
		return fmt.Errorf("presign_lookahead (%d) must be >= presign_batch_size (%d)", c.PresignLookahead, c.PresignBatchSize)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry_max_attempts must be >= 0, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay <= 0 {
		return fmt.Errorf("retry delays must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry_max_delay_ms must be >= retry_base_delay_ms")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout_s must be positive")
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress_interval_ms must be positive")
	}
	if c.WSPort <= 0 || c.WSPort > 65535 {
		return fmt.Errorf("ws_port out of range: %d", c.WSPort)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}

// EffectiveWorkers resolves WorkersAuto to a concrete worker count for a
// given chosen part size, clamped so memory stays bounded. When WorkersAuto
// is false it simply returns WorkersMax (the caller already picked a fixed
// count by setting min==max, or wants the ceiling).
func (c Config) EffectiveWorkers(partSizeBytes int64) int {
	if !c.WorkersAuto {
		return c.WorkersMax
	}
	return resources.EffectiveWorkers(c.WorkersMin, c.WorkersMax, partSizeBytes)
}

// ChoosePartSize auto-sizes parts for a file: if the configured part size
// would produce more than MaxParts parts, round up to the nearest 16 MiB
// multiple that keeps total parts within MaxParts, capped by MaxPartSizeMB.
// Returns an error if no part size within the cap satisfies the constraint.
func (c Config) ChoosePartSize(fileSize int64) (int64, error) {
	partSize := c.PartSizeBytes
	if partSize <= 0 {
		partSize = MiB
	}

	totalParts := ceilDiv(fileSize, partSize)
	if totalParts <= int64(c.MaxParts) {
		return partSize, nil
	}

	const roundTo = 16 * MiB
	maxPartSize := c.MaxPartSizeMB * MiB

	candidate := roundUp(partSize, roundTo)
	for candidate <= maxPartSize {
		if ceilDiv(fileSize, candidate) <= int64(c.MaxParts) {
			return candidate, nil
		}
		candidate += roundTo
	}

	return 0, fmt.Errorf("no part size up to max_part_size_mib (%d MiB) keeps total parts within max_parts (%d) for file size %d", c.MaxPartSizeMB, c.MaxParts, fileSize)
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func roundUp(v, multiple int64) int64 {
	if multiple <= 0 {
		return v
	}
	return ceilDiv(v, multiple) * multiple
}
