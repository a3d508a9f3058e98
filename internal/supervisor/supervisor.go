// Package supervisor is the single-job lifecycle controller: it is the
// only component allowed to change a job's persisted status, and it wires
// every other component together — File Reader, Coordinator Client, State
// Store, URL Prefetcher, Worker Pool, and the Control Surface's event bus
// — behind one state machine.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/partstream/upload-agent/internal/agentconfig"
	"github.com/partstream/upload-agent/internal/coordinator"
	"github.com/partstream/upload-agent/internal/control"
	"github.com/partstream/upload-agent/internal/events"
	"github.com/partstream/upload-agent/internal/filereader"
	"github.com/partstream/upload-agent/internal/logging"
	"github.com/partstream/upload-agent/internal/prefetch"
	"github.com/partstream/upload-agent/internal/retry"
	"github.com/partstream/upload-agent/internal/state"
	"github.com/partstream/upload-agent/internal/worker"
)

// State names the Supervisor's lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StatePreparing   State = "preparing"
	StateUploading   State = "uploading"
	StatePaused      State = "paused"
	StateFinalizing  State = "finalizing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// ErrUploadInProgress is returned by Start when a job is already
// uploading or paused.
var ErrUploadInProgress = fmt.Errorf("upload_in_progress")

// Supervisor drives exactly one job at a time.
type Supervisor struct {
	cfg   agentconfig.Config
	store *state.Store
	bus   *events.Bus
	log   *logging.Logger

	mu         sync.Mutex
	state      State
	uploadID   string
	reader     *filereader.Reader
	pool       *worker.Pool
	prefetcher *prefetch.Prefetcher
	cancel     context.CancelFunc
	totalBytes int64
	totalParts int
	paused     bool

	lastTerminalState State
}

// New builds an idle Supervisor. The Store must already be open; the
// Supervisor does not own opening or closing it.
func New(cfg agentconfig.Config, store *state.Store, bus *events.Bus, log *logging.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, store: store, bus: bus, log: log, state: StateIdle}
}

// AutoResume looks for the most recently created job that isResumable
// accepts (pending, in-progress or paused, or failed with a part still
// under retry_max_attempts) and, if found, resumes it without requiring the
// caller to resupply uploadId — closing the gap a restarted agent process
// otherwise leaves between "a resumable job exists" and "someone asks for
// it by id".
func (s *Supervisor) AutoResume(ctx context.Context) error {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return fmt.Errorf("list jobs for auto-resume: %w", err)
	}
	var candidate *state.UploadJob
	for i := range jobs {
		j := &jobs[i]
		resumable, err := s.isResumable(*j)
		if err != nil {
			return err
		}
		if resumable && (candidate == nil || j.CreatedAt.After(candidate.CreatedAt)) {
			candidate = j
		}
	}
	if candidate == nil {
		return nil
	}
	return s.resumeJob(ctx, *candidate, s.cfg.BackendURL)
}

// Start begins a new upload job for filePath, or resumes an existing
// incomplete job for the same file if one is found. backendURL, if
// non-empty, overrides the configured coordinator base URL for this job.
func (s *Supervisor) Start(ctx context.Context, filePath, backendURL string) error {
	s.mu.Lock()
	if s.state == StateUploading || s.state == StatePaused {
		s.mu.Unlock()
		return ErrUploadInProgress
	}
	s.state = StatePreparing
	s.mu.Unlock()

	s.emitStatus("", "preparing", "")

	reader, err := filereader.Open(filePath)
	if err != nil {
		return s.fail("file_lock_failed", fmt.Errorf("lock source file: %w", err))
	}

	base := s.cfg.BackendURL
	if backendURL != "" {
		base = backendURL
	}

	fingerprint := reader.Fingerprint()
	existing, found, err := s.findResumableJob(filePath, fingerprint)
	if err != nil {
		reader.Release()
		return s.fail("upload_error", err)
	}
	if found {
		reader.Release() // resumeJob reopens it itself
		return s.resumeJob(ctx, existing, base)
	}

	client := coordinator.New(base, s.cfg.HTTPTimeout)

	partSize, err := s.cfg.ChoosePartSize(reader.Size())
	if err != nil {
		reader.Release()
		return s.fail("upload_error", err)
	}

	initResp, err := client.Initiate(ctx, coordinator.InitiateRequest{
		FileName:        filepath.Base(filePath),
		FileSize:        reader.Size(),
		FileFingerprint: fingerprint,
		ContentType:     "application/octet-stream",
	})
	if err != nil {
		reader.Release()
		return s.fail("initiate_failed", err)
	}
	s.log.Info().Str("upload_id", initResp.UploadID).Str("file", filePath).Msg("upload initiated")

	partsOnDisk, err := filereader.Slice(reader.Size(), pick(initResp.ChunkSize, partSize))
	if err != nil {
		reader.Release()
		return s.fail("upload_error", err)
	}

	job := state.UploadJob{
		UploadID:    initResp.UploadID,
		FilePath:    filePath,
		FileName:    filepath.Base(filePath),
		FileSize:    reader.Size(),
		Fingerprint: fingerprint,
		Bucket:      initResp.Bucket,
		ObjectKey:   initResp.ObjectKey,
		PartSize:    pick(initResp.ChunkSize, partSize),
		TotalParts:  len(partsOnDisk),
		Status:      state.JobPending,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateUpload(job); err != nil {
		reader.Release()
		return s.fail("upload_error", err)
	}

	var rows []state.PartRow
	for _, p := range partsOnDisk {
		rows = append(rows, state.PartRow{PartNumber: p.PartNumber, ByteOffset: p.Offset, ByteLength: p.Length, Status: state.PartPending})
	}
	if err := s.store.InitParts(job.UploadID, rows); err != nil {
		reader.Release()
		return s.fail("upload_error", err)
	}

	return s.beginUploading(ctx, client, job, reader)
}

func (s *Supervisor) findResumableJob(filePath, fingerprint string) (state.UploadJob, bool, error) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return state.UploadJob{}, false, err
	}
	for _, j := range jobs {
		if j.FilePath != filePath || j.Fingerprint != fingerprint {
			continue
		}
		resumable, err := s.isResumable(j)
		if err != nil {
			return state.UploadJob{}, false, err
		}
		if resumable {
			return j, true, nil
		}
	}
	return state.UploadJob{}, false, nil
}

// isResumable reports whether job can be handed to resumeJob: it is still
// active (pending/in-progress/paused), or it was marked failed but at
// least one part has retry_count < retry_max_attempts and so is still
// eligible for another dispatch round.
func (s *Supervisor) isResumable(job state.UploadJob) (bool, error) {
	switch job.Status {
	case state.JobPending, state.JobInProgress, state.JobPaused:
		return true, nil
	case state.JobFailed:
		pending, err := s.store.GetPending(job.UploadID, s.cfg.RetryMaxAttempts)
		if err != nil {
			return false, err
		}
		return len(pending) > 0, nil
	default:
		return false, nil
	}
}

func (s *Supervisor) resumeJob(ctx context.Context, job state.UploadJob, baseURL string) error {
	reader, err := filereader.Open(job.FilePath)
	if err != nil {
		return s.fail("file_lock_failed", fmt.Errorf("lock source file: %w", err))
	}
	if reader.Fingerprint() != job.Fingerprint {
		reader.Release()
		return s.fail("upload_error", fmt.Errorf("resume refused: file changed since job was created"))
	}

	client := coordinator.New(baseURL, s.cfg.HTTPTimeout)
	return s.beginUploading(ctx, client, job, reader)
}

func (s *Supervisor) beginUploading(ctx context.Context, client *coordinator.Client, job state.UploadJob, reader *filereader.Reader) error {
	jobCtx, cancel := context.WithCancel(ctx)

	if err := s.store.UpdateJobStatus(job.UploadID, state.JobInProgress); err != nil {
		cancel()
		reader.Release()
		return s.fail("upload_error", err)
	}

	s.mu.Lock()
	s.state = StateUploading
	s.uploadID = job.UploadID
	s.reader = reader
	s.cancel = cancel
	s.totalBytes = job.FileSize
	s.totalParts = job.TotalParts
	s.mu.Unlock()

	s.emitStatus(job.UploadID, "uploading", "")

	go s.runUpload(jobCtx, client, job, reader)

	return nil
}

// runUpload drives dispatch rounds until no part is eligible for another
// one, then finalizes. A round's pending set is whatever GetPending
// returns: parts never attempted plus parts that failed but still have
// retry_count < retry_max_attempts. A part that exhausts its budget drops
// out of every later round for good; the completed-part count check after
// the loop, not this loop, is what notices a part never made it and fails
// the job with "incomplete" before the coordinator complete call.
func (s *Supervisor) runUpload(ctx context.Context, client *coordinator.Client, job state.UploadJob, reader *filereader.Reader) {
	defer reader.Release()

	for {
		pending, err := s.store.GetPending(job.UploadID, s.cfg.RetryMaxAttempts)
		if err != nil {
			s.store.UpdateJobStatus(job.UploadID, state.JobFailed)
			s.emitError(job.UploadID, err.Error(), "upload_error")
			s.toIdle(StateFailed)
			return
		}
		if len(pending) == 0 {
			break
		}

		pendingNumbers := make([]int, len(pending))
		for i, p := range pending {
			pendingNumbers[i] = p.PartNumber
		}

		pf := prefetch.New(client, job.UploadID, job.Bucket, job.ObjectKey, s.cfg.PresignBatchSize, s.cfg.PresignLookahead, pendingNumbers)
		pool := worker.New(worker.Config{
			UploadID:         job.UploadID,
			Reader:           reader,
			Prefetcher:       pf,
			Store:            s.store,
			Bus:              s.bus,
			HTTPTimeout:      s.cfg.HTTPTimeout,
			EffectiveWorkers: s.cfg.EffectiveWorkers(job.PartSize),
			RetrySchedule: retry.Schedule{
				MaxAttempts: s.cfg.RetryMaxAttempts,
				BaseDelay:   s.cfg.RetryBaseDelay,
				MaxDelay:    s.cfg.RetryMaxDelay,
			},
		})

		var descs []worker.Descriptor
		for _, p := range pending {
			descs = append(descs, worker.Descriptor{PartNumber: p.PartNumber, Offset: p.ByteOffset, Length: p.ByteLength})
		}
		go func() {
			pool.Enqueue(descs)
			pool.CloseQueue()
		}()

		s.mu.Lock()
		s.pool = pool
		s.prefetcher = pf
		if s.paused {
			// a pause issued between dispatch rounds landed on the
			// previous round's (now-drained) pool; carry it over to
			// this round's fresh one before it starts dispatching.
			pool.Pause()
		}
		s.mu.Unlock()

		go pf.Run(ctx)
		pool.Run(ctx)

		if ctx.Err() != nil {
			client.Abort(context.Background(), job.UploadID, job.Bucket, job.ObjectKey)
			s.finishCancelled(job.UploadID)
			return
		}
	}

	s.emitStatus(job.UploadID, "verifying", "")

	completed, err := s.store.GetCompleted(job.UploadID)
	if err != nil {
		s.store.UpdateJobStatus(job.UploadID, state.JobFailed)
		s.emitError(job.UploadID, err.Error(), "upload_error")
		s.toIdle(StateFailed)
		return
	}
	if len(completed) != job.TotalParts {
		s.store.UpdateJobStatus(job.UploadID, state.JobFailed)
		s.emitError(job.UploadID, "incomplete part set at completion", "incomplete")
		s.toIdle(StateFailed)
		return
	}

	parts := make([]coordinator.CompletedPart, len(completed))
	for i, p := range completed {
		parts[i] = coordinator.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	resp, err := client.Complete(ctx, job.UploadID, job.Bucket, job.ObjectKey, parts)
	if err != nil || resp.Status != "completed" {
		s.store.UpdateJobStatus(job.UploadID, state.JobFailed)
		client.Abort(ctx, job.UploadID, job.Bucket, job.ObjectKey)
		s.emitError(job.UploadID, "coordinator did not accept completed upload", "upload_error")
		s.toIdle(StateFailed)
		return
	}

	s.store.UpdateJobStatus(job.UploadID, state.JobCompleted)
	s.log.Info().Str("upload_id", job.UploadID).Msg("upload completed")
	s.emitStatus(job.UploadID, "completed", "")
	s.toIdle(StateCompleted)
}

func (s *Supervisor) finishCancelled(uploadID string) {
	s.store.UpdateJobStatus(uploadID, state.JobCancelled)
	s.emitStatus(uploadID, "cancelled", "")
	s.toIdle(StateCancelled)
}

func (s *Supervisor) toIdle(terminal State) {
	s.mu.Lock()
	uploadID := s.uploadID
	s.state = StateIdle
	s.lastTerminalState = terminal
	s.reader = nil
	s.pool = nil
	s.prefetcher = nil
	s.cancel = nil
	s.paused = false
	s.mu.Unlock()
	if terminal == StateFailed {
		s.emitStatus(uploadID, "failed", "")
	}
}

// LastTerminalState reports how the most recently finished job ended
// (completed, failed, or cancelled), for a status command issued after
// the job has already left the active state.
func (s *Supervisor) LastTerminalState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTerminalState
}

// Active reports whether a job is currently uploading or paused, for
// callers like AutoResume's caller that need to know whether it actually
// found and resumed something.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateUploading || s.state == StatePaused
}

// Pause gates new dispatches; in-flight PUTs finish.
func (s *Supervisor) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUploading {
		return fmt.Errorf("cannot pause: no job uploading")
	}
	s.pool.Pause()
	s.paused = true
	s.state = StatePaused
	s.store.UpdateJobStatus(s.uploadID, state.JobPaused)
	s.emitStatus(s.uploadID, "paused", "")
	return nil
}

// Resume releases the pause gate.
func (s *Supervisor) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return fmt.Errorf("cannot resume: no job paused")
	}
	s.pool.Resume()
	s.paused = false
	s.state = StateUploading
	s.store.UpdateJobStatus(s.uploadID, state.JobInProgress)
	s.emitStatus(s.uploadID, "uploading", "")
	return nil
}

// Cancel tears down the active job: cancels the root context, which
// interrupts prefetch and the worker pool, then (in runUpload) triggers a
// best-effort coordinator abort and a cancelled status transition.
func (s *Supervisor) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUploading && s.state != StatePaused {
		return fmt.Errorf("cannot cancel: no job active")
	}
	if s.state == StatePaused {
		s.pool.Resume() // let workers observe cancellation instead of blocking on the gate forever
	}
	s.cancel()
	return nil
}

// Snapshot implements control.ProgressSource.
func (s *Supervisor) Snapshot() (control.ProgressSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return control.ProgressSnapshot{}, false
	}
	completed, _ := s.store.CountCompleted(s.uploadID)
	return control.ProgressSnapshot{
		UploadID:         s.uploadID,
		BytesTransferred: s.pool.BytesTransferred(),
		TotalBytes:       s.totalBytes,
		ActiveThreads:    s.pool.ActiveCount(),
		CompletedParts:   completed,
		TotalParts:       s.totalParts,
	}, true
}

func (s *Supervisor) fail(code string, err error) error {
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	s.emitError("", err.Error(), code)
	return err
}

func (s *Supervisor) emitStatus(uploadID, status, message string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.StatusEvent{
		Base:     events.Base{Kind: events.TypeStatus, At: time.Now()},
		UploadID: uploadID,
		Status:   status,
		Message:  message,
	})
}

func (s *Supervisor) emitError(uploadID, msg, code string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.ErrorEvent{
		Base:     events.Base{Kind: events.TypeError, At: time.Now()},
		UploadID: uploadID,
		Err:      msg,
		Code:     code,
	})
}

func pick(chunkSize, fallback int64) int64 {
	if chunkSize > 0 {
		return chunkSize
	}
	return fallback
}
