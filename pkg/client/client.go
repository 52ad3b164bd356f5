// Package client is the HTTP client for the orchestrator API. The CLI
// subcommands use it; nothing in it is daemon-side.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Flissel/Vibemind-sub000/pkg/api"
	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
)

// Client talks to a running orchestrator daemon over TCP or a unix socket.
type Client struct {
	baseURL string
	http    *http.Client

	// dial is set only for unix sockets and reused by the websocket dialer.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New builds a client for addr. addr accepts host:port, http://host:port,
// https://host:port or unix:///path/to/socket.
func New(addr string) *Client {
	if socketPath, ok := strings.CutPrefix(addr, "unix://"); ok {
		dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
		return &Client{
			// The host is a placeholder, the transport always dials the socket.
			baseURL: "http://_",
			http: &http.Client{
				Transport: &http.Transport{DialContext: dial},
			},
			dial: dial,
		}
	}

	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    &http.Client{},
	}
}

// Health reports whether the daemon is up and which version it runs.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.get(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Tools lists the tools the daemon can launch.
func (c *Client) Tools(ctx context.Context) ([]api.Tool, error) {
	var tools []api.Tool
	if err := c.get(ctx, "/api/tools", &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// CreateSession registers a session for tool without starting it.
func (c *Client) CreateSession(ctx context.Context, tool string, metadata map[string]string) (*api.Session, error) {
	req := api.CreateSessionRequest{Tool: tool, Metadata: metadata}
	var s api.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns every session the daemon knows about.
func (c *Client) ListSessions(ctx context.Context) ([]api.Session, error) {
	var sessions []api.Session
	if err := c.get(ctx, "/api/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns one session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*api.Session, error) {
	var s api.Session
	if err := c.get(ctx, sessionPath(id, ""), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StartSession launches the process behind a created session.
func (c *Client) StartSession(ctx context.Context, id string) (*api.Session, error) {
	var s api.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "start"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StopSession terminates a session's process. The returned result is
// "stopped" or "already_stopped".
func (c *Client) StopSession(ctx context.Context, id string) (string, error) {
	var resp api.StopResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "stop"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// DeleteSession stops a session if needed and removes its record.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(id, ""), nil, nil)
}

// Events returns the buffered events of a session with seq greater than
// since.
func (c *Client) Events(ctx context.Context, id string, since int64) ([]bridge.Event, error) {
	var resp api.EventsResponse
	path := sessionPath(id, "events") + "?since=" + strconv.FormatInt(since, 10)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Output returns the most recent non-event stdout lines of a session.
func (c *Client) Output(ctx context.Context, id string) ([]string, error) {
	var resp api.OutputResponse
	if err := c.get(ctx, sessionPath(id, "output"), &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// StreamEvents follows a session's event stream over a websocket, calling
// fn for every event. It returns nil when the server ends the stream after
// the session's final event, fn's error if fn fails, and ctx.Err() on
// cancellation.
func (c *Client) StreamEvents(ctx context.Context, id string, since int64, fn func(bridge.Event) error) error {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	default:
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	streamURL := fmt.Sprintf("%s%s?since=%d", wsBase, sessionPath(id, "stream"), since)

	dialer := websocket.Dialer{}
	if c.dial != nil {
		dialer.NetDialContext = c.dial
	}

	conn, resp, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return apiError(resp)
		}
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var ev bridge.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func sessionPath(id, action string) string {
	path := "/api/sessions/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path
}

// apiError prefers the message the server put in the error body over the
// bare HTTP status.
func apiError(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(buf, &body); err == nil && body.Message != "" {
		return fmt.Errorf("%s", body.Message)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}
