// Package filereader owns the locked source file handle for the
// lifetime of an upload job: computing a resume fingerprint, slicing it
// into parts, and serving positional reads to the worker pool. The read
// path mirrors a Seek-plus-io.ReadFull loop into a reusable buffer, adapted
// from a single sequential reader into a thread-safe io.ReaderAt-style
// source shared by many worker goroutines.
package filereader

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Part describes one slice of the source file, as produced by Slice.
type Part struct {
	PartNumber int // 1-indexed, matching the wire upload contract
	Offset     int64
	Length     int64
}

// Reader is a locked, thread-safe handle on the source file. Multiple
// worker goroutines call ReadAt concurrently; the underlying *os.File
// supports concurrent positional reads on every platform this agent
// targets, so no internal mutex serializes ReadAt itself — only Release
// is guarded, to make it safe to call exactly once from any goroutine.
type Reader struct {
	path string
	file *os.File
	size int64
	mtime int64 // unix nanos, captured at Open time

	mu       sync.Mutex
	released bool
}

// Open acquires a shared lock (platform-specific, see lock_*.go) on path
// and returns a Reader. The lock is held until Release is called. It
// conflicts only with an exclusive lock on the same file: another Open of
// the same path, from this or another process, also takes a shared lock
// and succeeds. On Unix the lock is advisory and does not stop other
// processes from writing to or deleting the file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}

	if err := lockShared(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock source file: %w", err)
	}

	return &Reader{
		path:  path,
		file:  f,
		size:  info.Size(),
		mtime: info.ModTime().UnixNano(),
	}, nil
}

// Path returns the source file path this Reader was opened with.
func (r *Reader) Path() string { return r.path }

// Size returns the source file size in bytes, captured at Open time.
func (r *Reader) Size() int64 { return r.size }

// Fingerprint returns the resume identity of the source file as
// "size:last_modified", with no content hashing. The timestamp is the
// modification time in Unix nanoseconds, not .NET-style ticks. A mismatch
// between this value and the one recorded for an in-progress upload means
// the file changed since the job was created and the job must be
// restarted, not resumed.
func (r *Reader) Fingerprint() string {
	return fmt.Sprintf("%d:%d", r.size, r.mtime)
}

// Slice partitions a file of the given size into parts of partSize bytes.
// The final part carries the remainder and may be smaller than partSize.
// A zero-length file yields exactly one zero-length part, since the wire
// contract always uploads at least one part.
func Slice(fileSize, partSize int64) ([]Part, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", partSize)
	}
	if fileSize == 0 {
		return []Part{{PartNumber: 1, Offset: 0, Length: 0}}, nil
	}

	var parts []Part
	var offset int64
	partNumber := 1
	for offset < fileSize {
		length := partSize
		if remaining := fileSize - offset; remaining < length {
			length = remaining
		}
		parts = append(parts, Part{
			PartNumber: partNumber,
			Offset:     offset,
			Length:     length,
		})
		offset += length
		partNumber++
	}
	return parts, nil
}

// ReadAt reads length bytes starting at offset into a freshly allocated
// buffer. A short read that reaches end-of-file is not an error — the
// caller (Worker Pool) always knows the expected length from the Part it
// is serving and treats fewer bytes than requested only as an error if it
// also didn't reach EOF, matching io.ReaderAt's documented short-read
// semantics.
func (r *Reader) ReadAt(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := r.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read at offset %d: %w", offset, err)
	}
	return buf[:n], nil
}

// Release unlocks and closes the source file. Safe to call more than
// once; only the first call has effect.
func (r *Reader) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	unlock(r.file)
	return r.file.Close()
}
