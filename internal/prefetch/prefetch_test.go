package prefetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/partstream/upload-agent/internal/coordinator"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *coordinator.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return coordinator.New(srv.URL, 5*time.Second)
}

func TestPrefetcherFillsBufferUpToLookahead(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"urls":[{"part_number":1,"url":"http://x/1","expires_at":"2099-01-01T00:00:00Z"},{"part_number":2,"url":"http://x/2","expires_at":"2099-01-01T00:00:00Z"}]}`))
	})

	p := New(client, "u-1", "b", "k", 2, 5, []int{1, 2})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Run() did not drain pending set in time")
	}

	stats := p.Stats()
	if stats.Buffered != 2 {
		t.Fatalf("Buffered = %d, want 2", stats.Buffered)
	}
}

func TestAcquireReturnsMatchingEntry(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"urls":[{"part_number":1,"url":"http://x/1","expires_at":"2099-01-01T00:00:00Z"}]}`))
	})
	p := New(client, "u-1", "b", "k", 1, 5, []int{1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go p.Run(ctx)

	entry, ok := p.Acquire(ctx, 1, 1*time.Second)
	if !ok {
		t.Fatal("Acquire() returned ok=false")
	}
	if entry.PartNumber != 1 || entry.URL != "http://x/1" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestAcquireTimesOutWhenNeverProduced(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	p := New(client, "u-1", "b", "k", 1, 5, []int{1})
	p.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go p.Run(ctx)

	_, ok := p.Acquire(ctx, 1, 150*time.Millisecond)
	if ok {
		t.Fatal("Acquire() should time out when the coordinator never succeeds")
	}
}

func TestAcquireDropsExpiredEntryAndRerequests(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"urls":[{"part_number":1,"url":"http://x/1","expires_at":"2000-01-01T00:00:00Z"}]}`))
	})
	p := New(client, "u-1", "b", "k", 1, 5, []int{1})
	p.mu.Lock()
	p.buffer = append(p.buffer, Entry{PartNumber: 1, URL: "stale", ExpiresAt: time.Unix(0, 0)})
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, ok := p.Acquire(ctx, 1, 100*time.Millisecond)
	if ok {
		t.Fatal("Acquire() should not return the expired entry")
	}
	stats := p.Stats()
	if stats.DroppedExpired == 0 {
		t.Fatal("expected DroppedExpired to be incremented")
	}
	if stats.Pending != 2 {
		t.Fatalf("Pending = %d, want 2 (initial part 1 plus the re-queued expired part 1)", stats.Pending)
	}
}

func TestSortedPartNumbersHelper(t *testing.T) {
	got := sortedPartNumbers([]Entry{{PartNumber: 3}, {PartNumber: 1}, {PartNumber: 2}})
	want := []int{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sortedPartNumbers() = %v, want %v", got, want)
		}
	}
}
