package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements Store with a mutex-guarded map. It backs tests
// and the `store.driver: memory` configuration for ephemeral deployments.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore creates an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (s *InMemoryStore) AddSession(_ context.Context, session *Session) error {
	if session.ID == "" {
		return ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

func (s *InMemoryStore) GetSessions(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, id string, mutate func(*Session) error) error {
	if id == "" {
		return ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}

	updated := session.Clone()
	if err := mutate(updated); err != nil {
		return err
	}
	updated.ID = id
	s.sessions[id] = updated
	return nil
}

func (s *InMemoryStore) Transition(_ context.Context, id string, from, to Status) error {
	if id == "" {
		return ErrEmptyID
	}
	if !CanTransition(from, to) {
		return ErrBadTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if session.Status != from {
		return ErrBadTransition
	}

	now := time.Now().UTC()
	session.Status = to
	switch {
	case to == StatusStarting:
		if session.StartedAt == nil {
			session.StartedAt = &now
		}
	case to.Terminal():
		if session.StoppedAt == nil {
			session.StoppedAt = &now
		}
	}
	return nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}
