// Package worker is the bounded parallel upload engine: effective_workers
// goroutines pulling part descriptors off a shared queue, resolving
// presigned URLs, streaming bytes to storage, and persisting receipts.
// Shaped like a jobChan/resultChan worker pool, adapted from a fixed
// one-shot file-reader producer into a resumable queue fed by the State
// Store's pending set, with prefetch, backoff, and event-bus hooks layered
// on top.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/partstream/upload-agent/internal/events"
	"github.com/partstream/upload-agent/internal/filereader"
	"github.com/partstream/upload-agent/internal/prefetch"
	"github.com/partstream/upload-agent/internal/retry"
	"github.com/partstream/upload-agent/internal/state"
)

// Descriptor is one unit of dispatch: a part awaiting upload.
type Descriptor struct {
	PartNumber int
	Offset     int64
	Length     int64
}

// Pool runs EffectiveWorkers goroutines against a shared queue of
// Descriptors until the queue drains or the context is cancelled.
type Pool struct {
	uploadID string

	reader     *filereader.Reader
	prefetcher *prefetch.Prefetcher
	store      *state.Store
	bus        *events.Bus
	httpClient *http.Client

	effectiveWorkers int
	retrySchedule    retry.Schedule
	urlBudget        time.Duration

	queue chan Descriptor

	bytesTransferred int64
	active           int32

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	failedMu sync.Mutex
	failed   []Descriptor
}

// Config bundles the Pool's dependencies; built by the Supervisor.
type Config struct {
	UploadID         string
	Reader           *filereader.Reader
	Prefetcher       *prefetch.Prefetcher
	Store            *state.Store
	Bus              *events.Bus
	HTTPTimeout      time.Duration
	EffectiveWorkers int
	RetrySchedule    retry.Schedule
	URLBudget        time.Duration // default 30s; how long a worker waits for a presigned URL
}

// New builds a Pool ready to run against descriptors.
func New(cfg Config) *Pool {
	budget := cfg.URLBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	p := &Pool{
		uploadID:         cfg.UploadID,
		reader:           cfg.Reader,
		prefetcher:       cfg.Prefetcher,
		store:            cfg.Store,
		bus:              cfg.Bus,
		httpClient:       &http.Client{Timeout: cfg.HTTPTimeout},
		effectiveWorkers: cfg.EffectiveWorkers,
		retrySchedule:    cfg.RetrySchedule,
		urlBudget:        budget,
		queue:            make(chan Descriptor, 4096),
	}
	p.pauseCond = sync.NewCond(&p.pauseMu)
	return p
}

// Enqueue adds descriptors to the work queue, from before Run or
// concurrently with it; the queue itself is safe for concurrent sends. The
// queue holds at most 4096 undispatched descriptors, so Enqueue blocks
// beyond that until running workers drain it.
func (p *Pool) Enqueue(descs []Descriptor) {
	for _, d := range descs {
		p.queue <- d
	}
}

// CloseQueue signals that no more descriptors will be enqueued; workers
// exit once the queue drains.
func (p *Pool) CloseQueue() {
	close(p.queue)
}

// Pause blocks new dispatches; in-flight PUTs are unaffected. Pause acts
// as a gate, not a kill.
func (p *Pool) Pause() {
	p.pauseMu.Lock()
	p.paused = true
	p.pauseMu.Unlock()
}

// Resume releases the pause gate.
func (p *Pool) Resume() {
	p.pauseMu.Lock()
	p.paused = false
	p.pauseCond.Broadcast()
	p.pauseMu.Unlock()
}

func (p *Pool) waitWhilePaused(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		p.pauseMu.Lock()
		p.pauseCond.Broadcast()
		p.pauseMu.Unlock()
	})
	defer stop()

	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	for p.paused && ctx.Err() == nil {
		p.pauseCond.Wait()
	}
}

// ActiveCount returns the number of workers currently mid-PUT, for the
// progress frame's activeThreads field and the concurrency-bound
// invariant that at most EffectiveWorkers PUTs run at once.
func (p *Pool) ActiveCount() int { return int(atomic.LoadInt32(&p.active)) }

// BytesTransferred returns the atomic running total of bytes successfully
// uploaded across all workers.
func (p *Pool) BytesTransferred() int64 { return atomic.LoadInt64(&p.bytesTransferred) }

// FailedDescriptors returns parts that failed this dispatch round with a
// retriable outcome: no URL within the budget, a read error, a transient
// PUT failure after the inline retries, or a state-store write failure.
// Permanent PUT failures are not listed. The pool never re-enqueues these
// itself.
func (p *Pool) FailedDescriptors() []Descriptor {
	p.failedMu.Lock()
	defer p.failedMu.Unlock()
	return append([]Descriptor{}, p.failed...)
}

// Run starts EffectiveWorkers goroutines and blocks until they all exit
// (queue drained or ctx cancelled).
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.effectiveWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		p.waitWhilePaused(ctx)
		if ctx.Err() != nil {
			return
		}

		desc, ok := <-p.queue
		if !ok {
			return
		}

		p.process(ctx, desc)
	}
}

func (p *Pool) process(ctx context.Context, desc Descriptor) {
	p.publishChunk(desc.PartNumber, events.ChunkUploading, "")

	entry, ok := p.prefetcher.Acquire(ctx, desc.PartNumber, p.urlBudget)
	if !ok {
		if ctx.Err() != nil {
			return
		}
		p.store.MarkFailed(p.uploadID, desc.PartNumber)
		p.publishChunk(desc.PartNumber, events.ChunkFailed, "")
		p.recordFailed(desc)
		return
	}

	buf, err := p.reader.ReadAt(desc.Offset, desc.Length)
	if err != nil {
		p.store.MarkFailed(p.uploadID, desc.PartNumber)
		p.publishChunk(desc.PartNumber, events.ChunkFailed, "")
		p.recordFailed(desc)
		return
	}

	p.store.MarkUploading(p.uploadID, desc.PartNumber)

	atomic.AddInt32(&p.active, 1)
	etag, class, err := p.putWithRetry(ctx, entry.URL, buf)
	atomic.AddInt32(&p.active, -1)

	if err != nil {
		p.store.MarkFailed(p.uploadID, desc.PartNumber)
		p.publishChunk(desc.PartNumber, events.ChunkFailed, "")
		if class != retry.ClassPermanent {
			p.recordFailed(desc)
		}
		return
	}

	if markErr := p.store.MarkCompleted(p.uploadID, desc.PartNumber, etag); markErr != nil {
		// a state-store write failure is fatal for the affected worker.
		p.publishChunk(desc.PartNumber, events.ChunkFailed, "")
		p.recordFailed(desc)
		return
	}

	atomic.AddInt64(&p.bytesTransferred, desc.Length)
	p.publishChunk(desc.PartNumber, events.ChunkCompleted, etag)
}

// putWithRetry performs the PUT with inline retry/backoff using the
// schedule from internal/retry. A missing ETag on an otherwise-2xx
// response is classified transient and retried rather than faked.
func (p *Pool) putWithRetry(ctx context.Context, url string, body []byte) (etag string, class retry.Class, err error) {
	doErr := retry.Do(ctx, p.retrySchedule, classify, func() error {
		req, reqErr := newPutRequest(ctx, url, body)
		if reqErr != nil {
			return reqErr
		}
		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &statusError{code: resp.StatusCode}
		}

		got := strings.Trim(resp.Header.Get("ETag"), `"`)
		if got == "" {
			return errMissingETag
		}
		etag = got
		return nil
	}, nil)

	if doErr != nil {
		return "", classify(doErr), doErr
	}
	return etag, retry.ClassSuccess, nil
}

func newPutRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(body))
	return req, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("storage PUT returned status %d", e.code) }

var errMissingETag = fmt.Errorf("storage PUT response missing ETag header")

func classify(err error) retry.Class {
	if se, ok := err.(*statusError); ok {
		return retry.ClassifyStatus(se.code)
	}
	if err == errMissingETag {
		return retry.ClassTransient
	}
	return retry.ClassifyError(err)
}

func (p *Pool) recordFailed(d Descriptor) {
	p.failedMu.Lock()
	p.failed = append(p.failed, d)
	p.failedMu.Unlock()
}

func (p *Pool) publishChunk(partNumber int, status events.ChunkStatus, etag string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.ChunkEvent{
		Base:       events.Base{Kind: events.TypeChunk, At: time.Now()},
		UploadID:   p.uploadID,
		PartNumber: int32(partNumber),
		Status:     status,
		ETag:       etag,
	})
}
