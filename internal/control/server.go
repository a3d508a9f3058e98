// Package control is the local WebSocket control and progress surface:
// it pushes a config frame on connect, accepts start/pause/resume/cancel
// commands, and broadcasts progress/chunk/status/error frames to every
// connected client. It never holds a reference back into the worker pool
// or supervisor beyond the narrow CommandHandler and ProgressSource
// interfaces — events flow in over the bus, commands flow out through the
// handler, progress snapshots are polled from the source, and nothing else
// crosses the boundary.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/partstream/upload-agent/internal/agentconfig"
	"github.com/partstream/upload-agent/internal/events"
	"github.com/partstream/upload-agent/internal/logging"
)

// CommandHandler is implemented by the Job Supervisor. Each method maps
// directly to one inbound action; unknown actions are ignored by the
// server before a handler is ever consulted.
type CommandHandler interface {
	Start(ctx context.Context, filePath, backendURL string) error
	Pause() error
	Resume() error
	Cancel() error
}

// ProgressSnapshot is a point-in-time view of the active job, polled by
// the progress ticker. ok is false when no job is active, in which case
// the ticker emits nothing.
type ProgressSnapshot struct {
	UploadID         string
	BytesTransferred int64
	TotalBytes       int64
	ActiveThreads    int
	CompletedParts   int
	TotalParts       int
}

// ProgressSource supplies the current job snapshot to the ticker.
type ProgressSource interface {
	Snapshot() (ProgressSnapshot, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control socket is localhost-only by design; any origin is fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the control surface's HTTP/WebSocket endpoint.
type Server struct {
	cfg      agentconfig.Config
	bus      *events.Bus
	handler  CommandHandler
	progress ProgressSource
	log      *logging.Logger

	router chi.Router

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// New builds a Server. progress may be nil if no job has been prepared yet
// (the ticker then simply emits nothing until one is set with SetProgressSource).
func New(cfg agentconfig.Config, bus *events.Bus, handler CommandHandler, progress ProgressSource, log *logging.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		bus:      bus,
		handler:  handler,
		progress: progress,
		log:      log,
		clients:  make(map[*websocket.Conn]chan []byte),
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.handleWS)
	s.router = r
	return s
}

// SetProgressSource swaps the progress snapshot provider passed to New.
func (s *Server) SetProgressSource(p ProgressSource) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// Router exposes the chi router for embedding or for httptest in tests.
func (s *Server) Router() http.Handler { return s.router }

// Run starts the HTTP server on localhost:ws_port, the event-bus fan-out
// goroutine, and the progress ticker. Blocks until ctx is cancelled, then
// shuts the HTTP server down gracefully. The server outlives any single
// upload job — cancelling ctx here means agent process shutdown, not job
// cancellation.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    localhostAddr(s.cfg.WSPort),
		Handler: s.router,
	}

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	go s.fanOut(ctx, sub)
	go s.tickProgress(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func localhostAddr(port int) string {
	if port <= 0 {
		port = 7117
	}
	return "127.0.0.1:" + strconv.Itoa(port)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("control: websocket upgrade failed")
		return
	}

	send := make(chan []byte, 64)
	s.mu.Lock()
	s.clients[conn] = send
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	if b, err := json.Marshal(s.currentConfigFrame()); err == nil {
		conn.WriteMessage(websocket.TextMessage, b)
	}

	go s.writePump(conn, send)
	s.readPump(r.Context(), conn)
}

func (s *Server) currentConfigFrame() configFrame {
	return configFrame{
		Type:             "config",
		ChunkSizeMB:      s.cfg.PartSizeBytes / agentconfig.MiB,
		MaxThreads:       s.cfg.WorkersMax,
		PresignBatchSize: s.cfg.PresignBatchSize,
		WSPort:           s.cfg.WSPort,
	}
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte) {
	for b := range send {
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd inboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.log.Warn().Err(err).Msg("control: malformed command")
			continue
		}
		s.dispatch(ctx, cmd)
	}
}

func (s *Server) dispatch(ctx context.Context, cmd inboundCommand) {
	var err error
	switch cmd.Action {
	case "start":
		err = s.handler.Start(ctx, cmd.FilePath, cmd.BackendURL)
	case "pause":
		err = s.handler.Pause()
	case "resume":
		err = s.handler.Resume()
	case "cancel":
		err = s.handler.Cancel()
	default:
		return // unknown actions are ignored
	}
	if err != nil {
		s.log.Warn().Err(err).Str("action", cmd.Action).Msg("control: command failed")
	}
}

// fanOut translates bus events into wire frames and broadcasts them.
func (s *Server) fanOut(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if frame := toWireFrame(ev); frame != nil {
				s.broadcast(frame)
			}
		}
	}
}

func toWireFrame(ev events.Event) interface{} {
	switch e := ev.(type) {
	case events.ProgressEvent:
		return progressFrame{
			Type:             "progress",
			UploadID:         e.UploadID,
			Percent:          e.Percent,
			Speed:            e.SpeedBytesPerSec,
			ETA:              e.ETASeconds,
			BytesTransferred: e.BytesTransferred,
			TotalBytes:       e.TotalBytes,
			ActiveThreads:    e.ActiveThreads,
			CompletedParts:   e.CompletedParts,
			TotalParts:       e.TotalParts,
		}
	case events.ChunkEvent:
		return chunkFrame{
			Type:       "chunk",
			UploadID:   e.UploadID,
			PartNumber: e.PartNumber,
			Status:     string(e.Status),
			ETag:       e.ETag,
		}
	case events.StatusEvent:
		return statusFrame{Type: "status", UploadID: e.UploadID, Status: e.Status, Message: e.Message}
	case events.ErrorEvent:
		return errorFrame{Type: "error", UploadID: e.UploadID, Error: e.Err, Code: e.Code}
	default:
		return nil
	}
}

func (s *Server) broadcast(frame interface{}) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, send := range s.clients {
		select {
		case send <- b:
		default:
			// slow client; drop rather than block the fan-out goroutine.
		}
	}
}

// tickProgress publishes a progress event at the configured cadence while
// a job is active. It publishes onto the bus rather than broadcasting
// directly, so other subscribers (e.g. the start command's progress bar,
// reading the bus in-process) see the same frames WebSocket clients do.
func (s *Server) tickProgress(ctx context.Context) {
	interval := s.cfg.ProgressInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBytes int64
	var lastAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			src := s.progress
			s.mu.Unlock()
			if src == nil {
				continue
			}
			snap, ok := src.Snapshot()
			if !ok {
				lastBytes, lastAt = 0, time.Time{}
				continue
			}

			now := time.Now()
			speed := 0.0
			if !lastAt.IsZero() {
				elapsed := now.Sub(lastAt).Seconds()
				if elapsed > 0 {
					speed = float64(snap.BytesTransferred-lastBytes) / elapsed
				}
			}
			lastBytes, lastAt = snap.BytesTransferred, now

			percent := 0.0
			if snap.TotalBytes > 0 {
				percent = 100 * float64(snap.BytesTransferred) / float64(snap.TotalBytes)
			}
			eta := 0.0
			if speed > 0 {
				eta = float64(snap.TotalBytes-snap.BytesTransferred) / speed
			}

			s.bus.Publish(events.ProgressEvent{
				Base:             events.Base{Kind: events.TypeProgress, At: now},
				UploadID:         snap.UploadID,
				Percent:          percent,
				SpeedBytesPerSec: speed,
				ETASeconds:       eta,
				BytesTransferred: snap.BytesTransferred,
				TotalBytes:       snap.TotalBytes,
				ActiveThreads:    snap.ActiveThreads,
				CompletedParts:   snap.CompletedParts,
				TotalParts:       snap.TotalParts,
			})
		}
	}
}
