// Package prefetch is the single-producer/many-consumer presigned-URL
// buffer: it keeps a bounded pool of {part_number, url, expires_at}
// entries topped up from the Coordinator Client so workers rarely block on
// a network round trip before a PUT. Shaped like a channel-and-mutex
// worker pool, adapted from a fixed work list into an open producer loop
// that replenishes while below a watermark.
package prefetch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/partstream/upload-agent/internal/coordinator"
)

// Entry is one presigned URL pending consumption.
type Entry struct {
	PartNumber int
	URL        string
	ExpiresAt  time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stats is a point-in-time snapshot for progress/diagnostics.
type Stats struct {
	Buffered     int
	Pending      int
	DroppedExpired int
}

// Prefetcher owns the bounded buffer and the background producer loop.
type Prefetcher struct {
	client      *coordinator.Client
	uploadID    string
	bucket      string
	objectKey   string
	batchSize   int
	lookahead   int
	retryDelay  time.Duration

	mu      sync.Mutex
	buffer  []Entry
	pending []int // part numbers still needing a URL, in dispatch order
	dropped int

	cond *sync.Cond
}

// New constructs a Prefetcher for one job. pendingParts is the initial
// ordered list of part numbers needing URLs, usually the pending set at
// job start.
func New(client *coordinator.Client, uploadID, bucket, objectKey string, batchSize, lookahead int, pendingParts []int) *Prefetcher {
	p := &Prefetcher{
		client:     client,
		uploadID:   uploadID,
		bucket:     bucket,
		objectKey:  objectKey,
		batchSize:  batchSize,
		lookahead:  lookahead,
		retryDelay: 2 * time.Second,
		pending:    append([]int{}, pendingParts...),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Run drives the producer loop until ctx is cancelled or the pending list
// is empty. It returns as soon as every pending part number has been
// fetched, even while buffered entries remain unconsumed; part numbers
// re-queued after that (by Acquire dropping an expired entry) are not
// fetched by this Prefetcher. Intended to run in its own goroutine, rooted
// at the Supervisor's hierarchical cancellation signal.
func (p *Prefetcher) Run(ctx context.Context) {
	for {
		p.mu.Lock()
		for len(p.buffer) >= p.lookahead && len(p.pending) > 0 && ctx.Err() == nil {
			p.cond.Wait()
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}

		batch := p.takeBatchLocked()
		p.mu.Unlock()

		urls, err := p.client.Presign(ctx, p.uploadID, p.bucket, p.objectKey, batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// On failure, retry after a fixed short delay.
			p.requeue(batch)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryDelay):
			}
			continue
		}

		p.mu.Lock()
		for _, u := range urls {
			p.buffer = append(p.buffer, Entry{PartNumber: u.PartNumber, URL: u.URL, ExpiresAt: u.ExpiresAt})
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// takeBatchLocked removes up to batchSize part numbers from the front of
// pending. Caller must hold p.mu.
func (p *Prefetcher) takeBatchLocked() []int {
	n := p.batchSize
	if n > len(p.pending) {
		n = len(p.pending)
	}
	batch := append([]int{}, p.pending[:n]...)
	p.pending = p.pending[n:]
	return batch
}

func (p *Prefetcher) requeue(partNumbers []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(partNumbers, p.pending...)
	p.cond.Broadcast()
}

// Acquire waits up to budget for a URL matching partNumber. Entries in the
// buffer that don't match are left in place for other consumers; expired
// entries encountered along the way are discarded and their part number
// is re-queued for the producer.
func (p *Prefetcher) Acquire(ctx context.Context, partNumber int, budget time.Duration) (Entry, bool) {
	deadline := time.Now().Add(budget)
	for {
		found, entry, ok := p.tryAcquireLocked(partNumber)
		if found && ok {
			return entry, true
		}
		if found {
			continue // an expired entry was dropped; look again without sleeping
		}

		if time.Now().After(deadline) {
			return Entry{}, false
		}
		select {
		case <-ctx.Done():
			return Entry{}, false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// tryAcquireLocked scans the buffer once under lock. found reports whether
// any action was taken (a match or an expired drop); ok reports whether
// that action was a successful match.
func (p *Prefetcher) tryAcquireLocked(partNumber int) (found bool, entry Entry, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for i, e := range p.buffer {
		if e.expired(now) {
			p.buffer = append(p.buffer[:i], p.buffer[i+1:]...)
			p.dropped++
			p.pending = append(p.pending, e.PartNumber)
			p.cond.Broadcast()
			return true, Entry{}, false
		}
		if e.PartNumber == partNumber {
			p.buffer = append(p.buffer[:i], p.buffer[i+1:]...)
			p.cond.Broadcast()
			return true, e, true
		}
	}
	return false, Entry{}, false
}

// Stats returns a snapshot of buffer occupancy.
func (p *Prefetcher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Buffered: len(p.buffer), Pending: len(p.pending), DroppedExpired: p.dropped}
}

// sortedPartNumbers is a small test/debug helper kept deterministic.
func sortedPartNumbers(entries []Entry) []int {
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.PartNumber
	}
	sort.Ints(out)
	return out
}
