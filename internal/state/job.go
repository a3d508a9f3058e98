// Package state is the durable key/value persistence layer: one UploadJob
// row and many PartRows per job, surviving process restart. Built on an
// embedded ordered KV store (prefixed string keys, JSON-encoded values,
// txn.Update/View batches) rather than a flat-file sidecar, so pending and
// completed sets can be scanned without re-parsing the whole job.
package state

import "time"

// JobStatus enumerates the lifecycle states of an upload job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in-progress"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// PartStatus enumerates the lifecycle states of a single part.
type PartStatus string

const (
	PartPending   PartStatus = "pending"
	PartUploading PartStatus = "uploading"
	PartCompleted PartStatus = "completed"
	PartFailed    PartStatus = "failed"
)

// UploadJob is the persisted row for one upload job.
type UploadJob struct {
	UploadID    string     `json:"upload_id"`
	FilePath    string     `json:"file_path"`
	FileName    string     `json:"file_name"`
	FileSize    int64      `json:"file_size"`
	Fingerprint string     `json:"fingerprint"`
	Bucket      string     `json:"bucket"`
	ObjectKey   string     `json:"object_key"`
	PartSize    int64      `json:"part_size"`
	TotalParts  int        `json:"total_parts"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PartRow is the persisted row for one part, keyed by
// (upload_id, part_number).
type PartRow struct {
	PartNumber int        `json:"part_number"`
	ByteOffset int64      `json:"byte_offset"`
	ByteLength int64      `json:"byte_length"`
	ETag       string     `json:"etag,omitempty"`
	Status     PartStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
}
