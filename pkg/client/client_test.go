package client

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"

	"github.com/Flissel/Vibemind-sub000/pkg/api"
	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
)

// fakeDaemon serves canned API responses and records what the client asked
// for, so assertions run on the test goroutine after the call returns.
type fakeDaemon struct {
	mux *http.ServeMux

	mu          sync.Mutex
	created     api.CreateSessionRequest
	eventsSince string
	streamSince string
}

func newFakeDaemon() *fakeDaemon {
	d := &fakeDaemon{mux: http.NewServeMux()}

	d.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok", Version: "1.2.3"})
	})
	d.mux.HandleFunc("/api/tools", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]api.Tool{{Name: "research", Invocation: "flags", Events: "stdout"}})
	})
	d.mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			_, _ = w.Write([]byte("[]\n"))
			return
		}
		var req api.CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.created = req
		d.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.Session{ID: "sid-1", Tool: req.Tool, Status: "created", Metadata: req.Metadata})
	})
	d.mux.HandleFunc("/api/sessions/sid-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(api.Session{ID: "sid-1", Tool: "research", Status: "running"})
	})
	d.mux.HandleFunc("/api/sessions/sid-1/stop", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.StopResponse{Result: "stopped"})
	})
	d.mux.HandleFunc("/api/sessions/sid-1/events", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.eventsSince = r.URL.Query().Get("since")
		d.mu.Unlock()

		_ = json.NewEncoder(w).Encode(api.EventsResponse{Events: []bridge.Event{
			{Seq: 3, Type: "log", Timestamp: time.Now()},
			{Seq: 4, Type: "completion", Timestamp: time.Now()},
		}})
	})
	d.mux.HandleFunc("/api/sessions/sid-1/output", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.OutputResponse{Lines: []string{"booting", "ready"}})
	})
	d.mux.HandleFunc("/api/sessions/sid-1/stream", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.streamSince = r.URL.Query().Get("since")
		d.mu.Unlock()

		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for seq := int64(6); seq <= 7; seq++ {
			_ = conn.WriteJSON(bridge.Event{Seq: seq, Type: "log", Timestamp: time.Now()})
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	d.mux.HandleFunc("/api/sessions/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "session not found: missing"})
	})

	return d
}

func startFakeDaemon(t *testing.T) (*fakeDaemon, string) {
	t.Helper()

	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.mux)
	t.Cleanup(srv.Close)
	return daemon, srv.URL
}

func TestHealth(t *testing.T) {
	t.Parallel()

	_, addr := startFakeDaemon(t)

	health, err := New(addr).Health(t.Context())
	assert.NilError(t, err)
	assert.Equal(t, health.Status, "ok")
	assert.Equal(t, health.Version, "1.2.3")
}

func TestHealthOverUnixSocket(t *testing.T) {
	t.Parallel()

	socket := filepath.Join(t.TempDir(), "api.sock")
	ln, err := net.Listen("unix", socket)
	assert.NilError(t, err)
	srv := &http.Server{Handler: newFakeDaemon().mux}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	health, err := New("unix://" + socket).Health(t.Context())
	assert.NilError(t, err)
	assert.Equal(t, health.Status, "ok")
}

func TestBareHostPortAddr(t *testing.T) {
	t.Parallel()

	_, addr := startFakeDaemon(t)

	// The scheme is optional.
	c := New(addr[len("http://"):])
	health, err := c.Health(t.Context())
	assert.NilError(t, err)
	assert.Equal(t, health.Status, "ok")
}

func TestCreateSessionSendsMetadata(t *testing.T) {
	t.Parallel()

	daemon, addr := startFakeDaemon(t)

	s, err := New(addr).CreateSession(t.Context(), "research", map[string]string{"prompt": "hello"})
	assert.NilError(t, err)
	assert.Equal(t, s.ID, "sid-1")
	assert.Equal(t, s.Tool, "research")

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	assert.Equal(t, daemon.created.Tool, "research")
	assert.DeepEqual(t, daemon.created.Metadata, map[string]string{"prompt": "hello"})
}

func TestEventsPassesCursor(t *testing.T) {
	t.Parallel()

	daemon, addr := startFakeDaemon(t)

	events, err := New(addr).Events(t.Context(), "sid-1", 2)
	assert.NilError(t, err)
	assert.Equal(t, len(events), 2)
	assert.Equal(t, events[0].Seq, int64(3))
	assert.Equal(t, events[1].Type, "completion")

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	assert.Equal(t, daemon.eventsSince, "2")
}

func TestOutput(t *testing.T) {
	t.Parallel()

	_, addr := startFakeDaemon(t)

	lines, err := New(addr).Output(t.Context(), "sid-1")
	assert.NilError(t, err)
	assert.DeepEqual(t, lines, []string{"booting", "ready"})
}

func TestStopAndDelete(t *testing.T) {
	t.Parallel()

	_, addr := startFakeDaemon(t)
	c := New(addr)

	result, err := c.StopSession(t.Context(), "sid-1")
	assert.NilError(t, err)
	assert.Equal(t, result, "stopped")

	assert.NilError(t, c.DeleteSession(t.Context(), "sid-1"))
}

func TestErrorMessageSurfaced(t *testing.T) {
	t.Parallel()

	_, addr := startFakeDaemon(t)

	_, err := New(addr).GetSession(t.Context(), "missing")
	assert.ErrorContains(t, err, "session not found: missing")
}

func TestStreamEventsUntilNormalClose(t *testing.T) {
	t.Parallel()

	daemon, addr := startFakeDaemon(t)

	var seqs []int64
	err := New(addr).StreamEvents(t.Context(), "sid-1", 5, func(ev bridge.Event) error {
		seqs = append(seqs, ev.Seq)
		return nil
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, seqs, []int64{6, 7})

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	assert.Equal(t, daemon.streamSince, "5")
}
