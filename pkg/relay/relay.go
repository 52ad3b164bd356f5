// Package relay polls the HTTP event feed of tools that expose their
// events on their announced endpoint instead of stdout. Polled events are
// handed to a publish callback; the relay remembers the highest child
// sequence it forwarded so a poll that races a slow response never
// duplicates events.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// WireEvent is one event as served by a tool's /events endpoint. Seq is the
// child's own counter, unrelated to the orchestrator's session sequence.
type WireEvent struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wirePage struct {
	Events []WireEvent `json:"events"`
}

// PublishFunc receives each forwarded event.
type PublishFunc func(eventType string, payload json.RawMessage) error

// Client polls one tool endpoint.
type Client struct {
	baseURL  string
	interval time.Duration
	publish  PublishFunc

	// Clock is swapped in tests. Nil means the wall clock.
	Clock clock.Clock
	// HTTPClient overrides the default polling client.
	HTTPClient *http.Client

	cursor atomic.Int64
	logger *slog.Logger
}

// New creates a poller for the endpoint announced by a session. host and
// port come from the announcement, interval and timeout from configuration.
func New(host string, port int, interval, timeout time.Duration, publish PublishFunc) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		interval:   interval,
		publish:    publish,
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("endpoint", fmt.Sprintf("%s:%d", host, port)),
	}
}

// Cursor returns the highest child sequence forwarded so far.
func (c *Client) Cursor() int64 {
	return c.cursor.Load()
}

func (c *Client) advance(seq int64) {
	if seq > c.cursor.Load() {
		c.cursor.Store(seq)
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick; a tool that is still booting its endpoint just appears as
// a few failed polls.
func (c *Client) Run(ctx context.Context) {
	clk := c.Clock
	if clk == nil {
		clk = clock.New()
	}

	ticker := clk.Ticker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Debug("Event poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) poll(ctx context.Context) error {
	url := fmt.Sprintf("%s/events?since=%d", c.baseURL, c.cursor.Load())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}

	var page wirePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("decoding events from %s: %w", url, err)
	}

	for _, event := range page.Events {
		// Numbered events below the cursor were already forwarded.
		if event.Seq > 0 && event.Seq <= c.cursor.Load() {
			continue
		}
		if event.Type == "" {
			c.logger.Warn("Dropping endpoint event without type", "seq", event.Seq)
			c.advance(event.Seq)
			continue
		}
		if err := c.publish(event.Type, event.Payload); err != nil {
			return fmt.Errorf("forwarding event: %w", err)
		}
		c.advance(event.Seq)
	}
	return nil
}
