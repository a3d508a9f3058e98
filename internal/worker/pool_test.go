package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/partstream/upload-agent/internal/coordinator"
	"github.com/partstream/upload-agent/internal/events"
	"github.com/partstream/upload-agent/internal/filereader"
	"github.com/partstream/upload-agent/internal/prefetch"
	"github.com/partstream/upload-agent/internal/retry"
	"github.com/partstream/upload-agent/internal/state"
)

// newFakePrefetcher starts a Prefetcher backed by a presign server that
// always hands back putURL for every requested part number, and kicks off
// its producer loop for the duration of ctx.
func newFakePrefetcher(t *testing.T, ctx context.Context, uploadID, putURL string, partNumbers []int) *prefetch.Prefetcher {
	t.Helper()
	presignSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := r.URL.Query().Get("part_numbers")
		var urls []map[string]interface{}
		for _, n := range splitCSVInts(parts) {
			urls = append(urls, map[string]interface{}{
				"part_number": n,
				"url":         putURL,
				"expires_at":  time.Now().Add(time.Hour).Format(time.RFC3339),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"urls": urls})
	}))
	t.Cleanup(presignSrv.Close)

	client := coordinator.New(presignSrv.URL, 2*time.Second)
	pf := prefetch.New(client, uploadID, "b", "k", len(partNumbers), len(partNumbers)+1, partNumbers)
	go pf.Run(ctx)
	return pf
}

func splitCSVInts(s string) []int {
	var out []int
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				var n int
				fmt.Sscanf(s[start:i], "%d", &n)
				out = append(out, n)
			}
			start = i + 1
		}
	}
	return out
}

func newTestFile(t *testing.T, size int64) *filereader.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	r, err := filereader.Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { r.Release() })
	return r
}

func newTestStorePool(t *testing.T, uploadID string, parts []worker_part) *state.Store {
	t.Helper()
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("state.Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.CreateUpload(state.UploadJob{UploadID: uploadID, Status: state.JobPending}); err != nil {
		t.Fatalf("CreateUpload() error: %v", err)
	}
	var rows []state.PartRow
	for _, p := range parts {
		rows = append(rows, state.PartRow{PartNumber: p.n, ByteOffset: p.offset, ByteLength: p.length, Status: state.PartPending})
	}
	if err := s.InitParts(uploadID, rows); err != nil {
		t.Fatalf("InitParts() error: %v", err)
	}
	return s
}

type worker_part struct {
	n      int
	offset int64
	length int64
}

func schedule() retry.Schedule {
	return retry.Schedule{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func TestPoolUploadsAllPartsAndRecordsReceipts(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("ETag", `"etag-ok"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	uploadID := "job-1"
	reader := newTestFile(t, 20)
	parts := []worker_part{{1, 0, 10}, {2, 10, 10}}
	store := newTestStorePool(t, uploadID, parts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pf := newFakePrefetcher(t, ctx, uploadID, srv.URL, []int{1, 2})

	pool := New(Config{
		UploadID:         uploadID,
		Reader:           reader,
		Prefetcher:       pf,
		Store:            store,
		Bus:              events.NewBus(),
		HTTPTimeout:      2 * time.Second,
		EffectiveWorkers: 2,
		RetrySchedule:    schedule(),
		URLBudget:        1 * time.Second,
	})

	pool.Enqueue([]Descriptor{{PartNumber: 1, Offset: 0, Length: 10}, {PartNumber: 2, Offset: 10, Length: 10}})
	pool.CloseQueue()

	pool.Run(ctx)

	completed, err := store.GetCompleted(uploadID)
	if err != nil {
		t.Fatalf("GetCompleted() error: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("len(completed) = %d, want 2", len(completed))
	}
	if pool.BytesTransferred() != 20 {
		t.Fatalf("BytesTransferred() = %d, want 20", pool.BytesTransferred())
	}
}

func TestPoolRetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("ETag", `"etag-retry"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	uploadID := "job-2"
	reader := newTestFile(t, 10)
	store := newTestStorePool(t, uploadID, []worker_part{{1, 0, 10}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pf := newFakePrefetcher(t, ctx, uploadID, srv.URL, []int{1})

	pool := New(Config{
		UploadID:         uploadID,
		Reader:           reader,
		Prefetcher:       pf,
		Store:            store,
		Bus:              events.NewBus(),
		HTTPTimeout:      2 * time.Second,
		EffectiveWorkers: 1,
		RetrySchedule:    schedule(),
		URLBudget:        1 * time.Second,
	})
	pool.Enqueue([]Descriptor{{PartNumber: 1, Offset: 0, Length: 10}})
	pool.CloseQueue()

	pool.Run(ctx)

	completed, err := store.GetCompleted(uploadID)
	if err != nil {
		t.Fatalf("GetCompleted() error: %v", err)
	}
	if len(completed) != 1 || completed[0].ETag != "etag-retry" {
		t.Fatalf("completed = %+v", completed)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestPoolDoesNotRetryPermanentFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	uploadID := "job-3"
	reader := newTestFile(t, 10)
	store := newTestStorePool(t, uploadID, []worker_part{{1, 0, 10}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pf := newFakePrefetcher(t, ctx, uploadID, srv.URL, []int{1})

	pool := New(Config{
		UploadID:         uploadID,
		Reader:           reader,
		Prefetcher:       pf,
		Store:            store,
		Bus:              events.NewBus(),
		HTTPTimeout:      2 * time.Second,
		EffectiveWorkers: 1,
		RetrySchedule:    schedule(),
		URLBudget:        1 * time.Second,
	})
	pool.Enqueue([]Descriptor{{PartNumber: 1, Offset: 0, Length: 10}})
	pool.CloseQueue()

	pool.Run(ctx)

	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("attempts = %d, want exactly 1 for a permanent 403", attempts)
	}
	failed := pool.FailedDescriptors()
	if len(failed) != 0 {
		t.Fatalf("FailedDescriptors() = %+v, want empty (permanent failures are not re-enqueued)", failed)
	}
}

func TestPoolMissingETagIsTreatedAsRetriableNotFaked(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusOK) // 2xx, but no ETag header
	}))
	defer srv.Close()

	uploadID := "job-4"
	reader := newTestFile(t, 10)
	store := newTestStorePool(t, uploadID, []worker_part{{1, 0, 10}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pf := newFakePrefetcher(t, ctx, uploadID, srv.URL, []int{1})

	pool := New(Config{
		UploadID:         uploadID,
		Reader:           reader,
		Prefetcher:       pf,
		Store:            store,
		Bus:              events.NewBus(),
		HTTPTimeout:      2 * time.Second,
		EffectiveWorkers: 1,
		RetrySchedule:    retry.Schedule{MaxAttempts: 1, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
		URLBudget:        1 * time.Second,
	})
	pool.Enqueue([]Descriptor{{PartNumber: 1, Offset: 0, Length: 10}})
	pool.CloseQueue()

	pool.Run(ctx)

	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("attempts = %d, want 2 (missing ETag retried, never faked)", attempts)
	}
	completed, _ := store.GetCompleted(uploadID)
	if len(completed) != 0 {
		t.Fatalf("completed = %+v, want none — a part with no ETag must never be marked completed", completed)
	}
}
