package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
	"github.com/Flissel/Vibemind-sub000/pkg/catalog"
	"github.com/Flissel/Vibemind-sub000/pkg/relay"
	"github.com/Flissel/Vibemind-sub000/pkg/session"
)

// Wire markers a child prints on stdout. Everything else on stdout is
// treated as plain output.
const (
	announcePrefix = "VIBEMIND_ANNOUNCE "
	eventPrefix    = "VIBEMIND_EVENT "
)

const maxLineBytes = 1024 * 1024

// Announcement is the child's readiness report.
type Announcement struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	URL       string `json:"url,omitempty"`
}

// eventLine is one VIBEMIND_EVENT payload from stdout.
type eventLine struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return scanner
}

// readStdout drains the child's stdout until EOF, peeling off announcement
// and event markers and routing the rest to the ring buffer and log.
func (m *Manager) readStdout(ctx context.Context, active *activeSession, r io.Reader) {
	defer active.readers.Done()

	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, announcePrefix):
			m.handleAnnounce(ctx, active, strings.TrimPrefix(line, announcePrefix))
		case strings.HasPrefix(line, eventPrefix):
			m.handleEventLine(active, strings.TrimPrefix(line, eventPrefix))
		default:
			active.ring.Append(line)
			active.log.Output(line)
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug("Stdout pipe closed with error", "session_id", active.id, "error", err)
	}
}

// handleAnnounce applies the first valid announcement: endpoint onto the
// session row, starting -> running, the synthetic session_started event,
// any events the child emitted early, and the endpoint relay if the tool
// serves its events over HTTP.
func (m *Manager) handleAnnounce(ctx context.Context, active *activeSession, raw string) {
	logger := m.logger.With("session_id", active.id)

	var ann Announcement
	if err := json.Unmarshal([]byte(raw), &ann); err != nil {
		logger.Warn("Dropping malformed announcement", "error", err)
		return
	}
	if ann.SessionID != active.id {
		logger.Warn("Dropping announcement for foreign session", "announced_id", ann.SessionID)
		return
	}
	if ann.Port <= 0 || ann.Port > 65535 {
		logger.Warn("Dropping announcement with invalid port", "port", ann.Port)
		return
	}
	if ann.Host == "" {
		ann.Host = "127.0.0.1"
	}
	if active.sawAnnounce {
		logger.Debug("Ignoring repeated announcement")
		return
	}
	active.sawAnnounce = true

	// The endpoint is only applied while the session is still starting; a
	// concurrent stop or timeout made the announcement moot.
	err := m.store.UpdateSession(ctx, active.id, func(s *session.Session) error {
		if s.Status != session.StatusStarting {
			return session.ErrBadTransition
		}
		s.Host = ann.Host
		s.Port = ann.Port
		return nil
	})
	if err != nil {
		logger.Debug("Announcement no longer applicable", "error", err)
		return
	}
	if err := m.store.Transition(ctx, active.id, session.StatusStarting, session.StatusRunning); err != nil {
		logger.Debug("Lost the start race", "error", err)
		return
	}
	close(active.announced)
	active.log.Transition(string(session.StatusStarting), string(session.StatusRunning))

	payload, err := json.Marshal(ann)
	if err != nil {
		payload = nil
	}
	m.publish(ctx, active.id, active.log, bridge.TypeSessionStarted, payload)

	for _, pending := range active.pending {
		m.publish(ctx, active.id, active.log, pending.Type, pending.Payload)
	}
	active.pending = nil

	if active.tool.Events == catalog.EventsEndpoint {
		go m.runRelay(ctx, active, ann)
	}

	logger.Info("Session connected", "host", ann.Host, "port", ann.Port)
}

// handleEventLine publishes one child event. Events arriving before the
// announcement are held back so session_started is always the first event.
func (m *Manager) handleEventLine(active *activeSession, raw string) {
	logger := m.logger.With("session_id", active.id)

	var line eventLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		logger.Warn("Dropping malformed event line", "error", err)
		return
	}
	if line.Type == "" {
		logger.Warn("Dropping event line without type")
		return
	}

	if !active.sawAnnounce {
		if len(active.pending) >= maxPendingEvents {
			logger.Warn("Dropping early event, pending buffer full", "type", line.Type)
			return
		}
		active.pending = append(active.pending, pendingEvent{Type: line.Type, Payload: line.Payload})
		return
	}

	m.publish(context.Background(), active.id, active.log, line.Type, line.Payload)
}

// runRelay polls the announced endpoint for events until the session ends.
func (m *Manager) runRelay(ctx context.Context, active *activeSession, ann Announcement) {
	client := relay.New(ann.Host, ann.Port, m.relayInterval, m.relayTimeout, func(eventType string, payload json.RawMessage) error {
		m.publish(context.Background(), active.id, active.log, eventType, payload)
		return nil
	})
	client.Run(ctx)
}

// watchAnnounce force-kills a child that never announces within the
// timeout and finalizes the session as errored.
func (m *Manager) watchAnnounce(ctx context.Context, active *activeSession) {
	timer := m.clock.Timer(m.announceTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-active.announced:
		return
	case <-active.done:
		// The exit monitor reports the early death.
		return
	case <-timer.C:
	}

	if err := m.store.Transition(context.Background(), active.id, session.StatusStarting, session.StatusError); err != nil {
		// Someone else already decided the outcome.
		return
	}

	logger := m.logger.With("session_id", active.id)
	logger.Error("Session never announced, killing", "timeout", m.announceTimeout)

	active.log.Transition(string(session.StatusStarting), string(session.StatusError))
	if err := killGroup(active.cmd.Process.Pid); err != nil {
		logger.Warn("Failed to kill unannounced session", "error", err)
	}

	bg := context.Background()
	reason := "spawn timeout: no announcement within " + m.announceTimeout.String()
	_ = m.store.UpdateSession(bg, active.id, func(s *session.Session) error {
		s.Reason = reason
		s.PID = 0
		return nil
	})
	m.publish(bg, active.id, active.log, bridge.TypeError, reasonPayload(reason, nil))
	m.bridge.Close(active.id)
	if err := m.pids.Delete(active.id); err != nil {
		logger.Warn("Failed to delete pid record", "error", err)
	}
	_ = active.log.Close()
}
