package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/partstream/upload-agent/internal/agentconfig"
	"github.com/partstream/upload-agent/internal/events"
	"github.com/partstream/upload-agent/internal/logging"
)

type fakeHandler struct {
	started, paused, resumed, cancelled int
	startPath                           string
}

func (f *fakeHandler) Start(ctx context.Context, filePath, backendURL string) error {
	f.started++
	f.startPath = filePath
	return nil
}
func (f *fakeHandler) Pause() error  { f.paused++; return nil }
func (f *fakeHandler) Resume() error { f.resumed++; return nil }
func (f *fakeHandler) Cancel() error { f.cancelled++; return nil }

type fakeSource struct {
	snap ProgressSnapshot
	ok   bool
}

func (f fakeSource) Snapshot() (ProgressSnapshot, bool) { return f.snap, f.ok }

func newTestServerAndClient(t *testing.T, handler CommandHandler, src ProgressSource) (*Server, *websocket.Conn) {
	t.Helper()
	cfg := agentconfig.Default()
	cfg.BackendURL = "http://example.invalid"
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	srv := New(cfg, bus, handler, src, logging.NewWriterLogger(io.Discard))
	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + httpSrv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func TestHealthzReportsOK(t *testing.T) {
	cfg := agentconfig.Default()
	cfg.BackendURL = "http://example.invalid"
	bus := events.NewBus()
	defer bus.Close()
	srv := New(cfg, bus, &fakeHandler{}, nil, logging.NewWriterLogger(io.Discard))
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestConnectEmitsConfigFrame(t *testing.T) {
	_, conn := newTestServerAndClient(t, &fakeHandler{}, nil)

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame["type"] != "config" {
		t.Fatalf("type = %v, want config", frame["type"])
	}
}

func TestStartCommandInvokesHandler(t *testing.T) {
	handler := &fakeHandler{}
	_, conn := newTestServerAndClient(t, handler, nil)
	conn.ReadMessage() // drain config frame

	cmd := inboundCommand{Action: "start", FilePath: "/tmp/big.bin"}
	b, _ := json.Marshal(cmd)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handler.started > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if handler.started != 1 {
		t.Fatalf("started = %d, want 1", handler.started)
	}
	if handler.startPath != "/tmp/big.bin" {
		t.Fatalf("startPath = %q", handler.startPath)
	}
}

func TestUnknownActionIsIgnored(t *testing.T) {
	handler := &fakeHandler{}
	_, conn := newTestServerAndClient(t, handler, nil)
	conn.ReadMessage()

	b, _ := json.Marshal(inboundCommand{Action: "teleport"})
	conn.WriteMessage(websocket.TextMessage, b)

	time.Sleep(100 * time.Millisecond)
	if handler.started+handler.paused+handler.resumed+handler.cancelled != 0 {
		t.Fatal("unknown action should not invoke any handler method")
	}
}

func TestChunkEventBroadcastsWireFrame(t *testing.T) {
	cfg := agentconfig.Default()
	cfg.BackendURL = "http://example.invalid"
	bus := events.NewBus()
	defer bus.Close()

	srv := New(cfg, bus, &fakeHandler{}, nil, logging.NewWriterLogger(io.Discard))
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	go srv.fanOut(ctx, sub)

	wsURL := "ws" + httpSrv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.ReadMessage() // config frame

	bus.Publish(events.ChunkEvent{
		Base:       events.Base{Kind: events.TypeChunk, At: time.Now()},
		UploadID:   "u-1",
		PartNumber: 3,
		Status:     events.ChunkCompleted,
		ETag:       "abc",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]interface{}
	json.Unmarshal(data, &frame)
	if frame["type"] != "chunk" || frame["partNumber"].(float64) != 3 {
		t.Fatalf("frame = %+v", frame)
	}
}
