package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool {
		// The daemon binds to loopback or a unix socket; origins are not
		// meaningful there.
		return true
	},
}

// streamSession upgrades to a WebSocket and streams session events:
// buffered events after ?since first, then live events as they happen.
// The connection closes normally when the session reaches a terminal
// state and its stream ends.
func (s *Server) streamSession(c echo.Context) error {
	id := c.Param("id")
	since, err := sinceParam(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()

	// Subscribe before reading the replay so no event can fall between
	// the two; the seq guard below drops the overlap.
	sub, err := s.manager.Subscribe(ctx, id)
	if err != nil {
		return httpError(err)
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger := s.logger.With("session_id", id)

	lastSeq := since
	replay, err := s.manager.Events(ctx, id, since)
	if err != nil {
		logger.Warn("Event replay failed", "error", err)
		return nil
	}
	for _, ev := range replay {
		if ev.Seq <= lastSeq {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(ev); err != nil {
			return nil
		}
		lastSeq = ev.Seq
	}

	// A session that already finished produces no more live events, so
	// drain whatever landed after the replay snapshot and hang up.
	if sess, err := s.manager.Get(ctx, id); err == nil && sess.Status.Terminal() {
		if tail, err := s.manager.Events(ctx, id, lastSeq); err == nil {
			for _, ev := range tail {
				_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteJSON(ev); err != nil {
					return nil
				}
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
		return nil
	}

	// The read pump only watches for the client going away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return nil
			}
			if ev.Seq <= lastSeq {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
			lastSeq = ev.Seq
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-readerDone:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
