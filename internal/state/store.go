package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
)

// Sentinel errors surfaced to the Supervisor and Worker Pool for named
// failure conditions.
var (
	ErrJobExists    = errors.New("state: upload_id already exists")
	ErrJobNotFound  = errors.New("state: job not found")
	ErrPartNotFound = errors.New("state: part not found")
	ErrEtagConflict = errors.New("state: part already completed with a different etag")
)

// Store wraps an embedded badger.DB as the durable state store. All
// operations are serialized internally by badger's own transaction
// isolation; callers may invoke freely from multiple goroutines.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) the durable store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the store handle. The Supervisor owns this call; no other
// component closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUpload inserts one job row, failing if upload_id already exists.
func (s *Store) CreateUpload(job UploadJob) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyJob(job.UploadID)); err == nil {
			return ErrJobExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return putJSON(txn, keyJob(job.UploadID), job)
	})
}

// InitParts atomically batch-inserts every part row for a job.
func (s *Store) InitParts(uploadID string, parts []PartRow) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, p := range parts {
			if err := putJSON(txn, keyPart(uploadID, p.PartNumber), p); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkUploading idempotently transitions a part to uploading.
func (s *Store) MarkUploading(uploadID string, partNumber int) error {
	return s.updatePart(uploadID, partNumber, func(p *PartRow) error {
		if p.Status == PartCompleted {
			return nil // already done; uploading is not a regression
		}
		p.Status = PartUploading
		return nil
	})
}

// MarkCompleted idempotently records a successful part receipt. A part
// already completed with a different etag is a conflict and refused
// rather than silently overwritten.
func (s *Store) MarkCompleted(uploadID string, partNumber int, etag string) error {
	if etag == "" {
		return fmt.Errorf("state: MarkCompleted requires a non-empty etag")
	}
	return s.updatePart(uploadID, partNumber, func(p *PartRow) error {
		if p.Status == PartCompleted {
			if p.ETag != etag {
				return ErrEtagConflict
			}
			return nil
		}
		p.Status = PartCompleted
		p.ETag = etag
		return nil
	})
}

// MarkFailed idempotently records a failed attempt and increments the
// retry counter.
func (s *Store) MarkFailed(uploadID string, partNumber int) error {
	return s.updatePart(uploadID, partNumber, func(p *PartRow) error {
		if p.Status == PartCompleted {
			return nil
		}
		p.Status = PartFailed
		p.RetryCount++
		return nil
	})
}

func (s *Store) updatePart(uploadID string, partNumber int, mutate func(*PartRow) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var p PartRow
		if err := getJSON(txn, keyPart(uploadID, partNumber), &p); err != nil {
			return err
		}
		if err := mutate(&p); err != nil {
			return err
		}
		return putJSON(txn, keyPart(uploadID, partNumber), p)
	})
}

// GetPending returns parts eligible for dispatch: pending or failed with
// retry_count < maxRetries, ordered by part_number.
func (s *Store) GetPending(uploadID string, maxRetries int) ([]PartRow, error) {
	var out []PartRow
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPart(txn, uploadID, func(p PartRow) error {
			if (p.Status == PartPending || p.Status == PartFailed) && p.RetryCount < maxRetries {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByPartNumber(out)
	return out, nil
}

// GetCompleted returns completed parts ordered by part_number, each
// carrying its etag for the final coordinator complete call.
func (s *Store) GetCompleted(uploadID string) ([]PartRow, error) {
	var out []PartRow
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPart(txn, uploadID, func(p PartRow) error {
			if p.Status == PartCompleted {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByPartNumber(out)
	return out, nil
}

// CountCompleted reports how many parts of a job are completed, used by
// the Supervisor's progress snapshot for its completed-parts count
// (bytes_transferred there comes from the worker pool's in-memory counter).
func (s *Store) CountCompleted(uploadID string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPart(txn, uploadID, func(p PartRow) error {
			if p.Status == PartCompleted {
				count++
			}
			return nil
		})
	})
	return count, err
}

// UpdateJobStatus transitions the job row's status field. Only the
// Supervisor calls this; it is the only component allowed to change job
// status.
func (s *Store) UpdateJobStatus(uploadID string, status JobStatus) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var job UploadJob
		if err := getJSON(txn, keyJob(uploadID), &job); err != nil {
			return err
		}
		job.Status = status
		return putJSON(txn, keyJob(uploadID), job)
	})
}

// GetJob returns a single job row.
func (s *Store) GetJob(uploadID string) (UploadJob, error) {
	var job UploadJob
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyJob(uploadID), &job)
	})
	return job, err
}

// DeleteJob removes a job row and all of its part rows. Rows are otherwise
// never deleted; no CLI command calls it.
func (s *Store) DeleteJob(uploadID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(keyJob(uploadID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := partPrefix(uploadID)
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			toDelete = append(toDelete, append([]byte{}, it.Item().KeyCopy(nil)...))
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListJobs returns every persisted job row ordered by created_at, for the
// Supervisor's auto-resume and resume-by-file lookups.
func (s *Store) ListJobs() ([]UploadJob, error) {
	var out []UploadJob
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := jobScanPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job UploadJob
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			out = append(out, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func forEachPart(txn *badger.Txn, uploadID string, fn func(PartRow) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := partPrefix(uploadID)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var p PartRow
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		}); err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func sortByPartNumber(parts []PartRow) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
}

func putJSON(txn *badger.Txn, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		switch out.(type) {
		case *UploadJob:
			return ErrJobNotFound
		default:
			return ErrPartNotFound
		}
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}
