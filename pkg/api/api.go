// Package api defines the wire types of the orchestrator HTTP API.
package api

import (
	"time"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
	"github.com/Flissel/Vibemind-sub000/pkg/catalog"
	"github.com/Flissel/Vibemind-sub000/pkg/session"
)

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Tool     string            `json:"tool"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Session is the API view of a session. Connected reports whether the
// tool process has announced an endpoint that is still live.
type Session struct {
	ID           string            `json:"id"`
	Tool         string            `json:"tool"`
	Status       string            `json:"status"`
	Host         string            `json:"host,omitempty"`
	Port         int               `json:"port,omitempty"`
	PID          int               `json:"pid,omitempty"`
	Connected    bool              `json:"connected"`
	Reason       string            `json:"reason,omitempty"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	LastEventSeq int64             `json:"last_event_seq"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	StoppedAt    *time.Time        `json:"stopped_at,omitempty"`
}

// FromSession converts a stored session into its API view.
func FromSession(s *session.Session) Session {
	return Session{
		ID:           s.ID,
		Tool:         s.Tool,
		Status:       string(s.Status),
		Host:         s.Host,
		Port:         s.Port,
		PID:          s.PID,
		Connected:    s.Status == session.StatusRunning && s.Port > 0,
		Reason:       s.Reason,
		ExitCode:     s.ExitCode,
		LastEventSeq: s.LastEventSeq,
		Metadata:     s.Metadata,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.StartedAt,
		StoppedAt:    s.StoppedAt,
	}
}

// FromSessions converts a session list, never returning nil so the API
// serves [] instead of null.
func FromSessions(sessions []*session.Session) []Session {
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, FromSession(s))
	}
	return out
}

// Tool is the API view of a catalog entry. The spawn command and
// environment stay server-side.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Invocation  string `json:"invocation"`
	Events      string `json:"events"`
}

// FromTools converts catalog entries into their API view.
func FromTools(tools []*catalog.Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, Tool{
			Name:        t.Name,
			Description: t.Description,
			Invocation:  t.Invocation,
			Events:      t.Events,
		})
	}
	return out
}

// StopResponse is the body of POST /api/sessions/{id}/stop.
type StopResponse struct {
	Result string `json:"result"`
}

// EventsResponse is the body of GET /api/sessions/{id}/events. The shape
// matches what endpoint-mode tools serve, so an orchestrator session can
// itself be polled as an event source.
type EventsResponse struct {
	Events []bridge.Event `json:"events"`
}

// OutputResponse is the body of GET /api/sessions/{id}/output.
type OutputResponse struct {
	Lines []string `json:"lines"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
