package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []WireEvent
}

func (c *collector) publish(eventType string, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, WireEvent{Type: eventType, Payload: payload})
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) snapshot() []WireEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WireEvent(nil), c.events...)
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func serveEvents(t *testing.T, all []WireEvent) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		page := []WireEvent{}
		for _, event := range all {
			if event.Seq > since {
				page = append(page, event)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"events": page})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRelayForwardsNewEvents(t *testing.T) {
	t.Parallel()

	srv := serveEvents(t, []WireEvent{
		{Seq: 1, Type: "chunk", Payload: json.RawMessage(`"a"`)},
		{Seq: 2, Type: "chunk", Payload: json.RawMessage(`"b"`)},
		{Seq: 3, Type: "done"},
	})

	sink := &collector{}
	host, port := hostPort(t, srv.URL)
	client := New(host, port, 10*time.Millisecond, time.Second, sink.publish)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	require.Eventually(t, func() bool { return sink.len() == 3 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	events := sink.snapshot()
	assert.Equal(t, "chunk", events[0].Type)
	assert.JSONEq(t, `"a"`, string(events[0].Payload))
	assert.Equal(t, "done", events[2].Type)
	assert.Equal(t, int64(3), client.Cursor())
}

func TestRelayDeduplicatesBySequence(t *testing.T) {
	t.Parallel()

	// A sloppy tool that ignores the since parameter entirely.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"events":[{"seq":1,"type":"chunk"},{"seq":2,"type":"done"}]}`)
	}))
	t.Cleanup(srv.Close)

	sink := &collector{}
	host, port := hostPort(t, srv.URL)
	client := New(host, port, 10*time.Millisecond, time.Second, sink.publish)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	require.Eventually(t, func() bool { return sink.len() >= 2 }, 3*time.Second, 10*time.Millisecond)
	// Give it a few more polls to prove nothing repeats.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 2, sink.len())
}

func TestRelayRecoversFromPollErrors(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	failures := 2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"events":[{"seq":1,"type":"done"}]}`)
	}))
	t.Cleanup(srv.Close)

	sink := &collector{}
	host, port := hostPort(t, srv.URL)
	client := New(host, port, 10*time.Millisecond, time.Second, sink.publish)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	require.Eventually(t, func() bool { return sink.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "done", sink.snapshot()[0].Type)
}

func TestRelayDropsEventsWithoutType(t *testing.T) {
	t.Parallel()

	srv := serveEvents(t, []WireEvent{
		{Seq: 1},
		{Seq: 2, Type: "done"},
	})

	sink := &collector{}
	host, port := hostPort(t, srv.URL)
	client := New(host, port, 10*time.Millisecond, time.Second, sink.publish)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	require.Eventually(t, func() bool { return sink.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "done", sink.snapshot()[0].Type)
	assert.Equal(t, int64(2), client.Cursor())
}

func TestRelayStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	srv := serveEvents(t, nil)
	sink := &collector{}
	host, port := hostPort(t, srv.URL)
	client := New(host, port, 10*time.Millisecond, time.Second, sink.publish)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
}
