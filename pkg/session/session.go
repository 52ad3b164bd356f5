// Package session holds the authoritative record of every orchestrated
// session and its lifecycle state machine. All components mutate sessions
// through a Store so that transitions stay linearized per session.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Terminal reports whether a session in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusError:
		return true
	}
	return false
}

// allowedTransitions is the full state machine. A terminal status has no
// outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusCreated:  {StatusStarting, StatusStopped},
	StatusStarting: {StatusRunning, StatusStopped, StatusError},
	StatusRunning:  {StatusCompleted, StatusStopped, StatusError},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one managed unit of work, owning exactly one spawned process
// over its lifetime. The live process handle is deliberately not part of the
// record; it lives in the runtime's registry and only the raw PID is
// duplicated here for crash recovery.
type Session struct {
	ID           string            `json:"id"`
	Tool         string            `json:"tool"`
	Status       Status            `json:"status"`
	Host         string            `json:"host,omitempty"`
	Port         int               `json:"port,omitempty"`
	PID          int               `json:"pid,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	LastEventSeq int64             `json:"last_event_seq"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	StoppedAt    *time.Time        `json:"stopped_at,omitempty"`
}

// New creates a session record in the created state. No process exists yet.
func New(tool string, metadata map[string]string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Tool:      tool,
		Status:    StatusCreated,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy so stores can hand out snapshots without
// aliasing their internal state.
func (s *Session) Clone() *Session {
	out := *s
	if s.ExitCode != nil {
		code := *s.ExitCode
		out.ExitCode = &code
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		out.StoppedAt = &t
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
