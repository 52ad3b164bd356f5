// Package bridge relays every session's event stream to its consumers. It
// owns the per-session sequence counter, a bounded replay buffer, and the
// push fanout to subscribers. Sequence numbers are assigned here and only
// here; child processes never pick their own.
package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Synthetic event types emitted by the orchestrator itself. Everything else
// passes through from the child process unchanged.
const (
	TypeSessionStarted = "session_started"
	TypeSessionStopped = "session_stopped"
	TypeError          = "error"
	TypeLog            = "log"
	TypeCompletion     = "completion"
)

var (
	ErrNoStream     = errors.New("no event stream for session")
	ErrStreamClosed = errors.New("event stream is closed")
)

// Event is one observed message from a session's stream.
type Event struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Subscriber is one push consumer of a session stream. Events arrive on C;
// when the subscriber falls behind, its oldest queued events are dropped so
// the publisher and the other subscribers never block on it.
type Subscriber struct {
	ID string
	C  <-chan Event

	ch     chan Event
	cancel func()
	once   sync.Once
}

// Close detaches the subscriber from its stream.
func (s *Subscriber) Close() {
	s.once.Do(s.cancel)
}

type stream struct {
	mu     sync.Mutex
	seq    int64
	events []Event
	subs   map[string]*Subscriber
	closed bool
}

// Bridge multiplexes all session streams.
type Bridge struct {
	mu         sync.RWMutex
	streams    map[string]*stream
	bufferSize int
	queueSize  int
}

// New creates a Bridge. bufferSize bounds the per-session replay buffer,
// queueSize bounds each subscriber's queue.
func New(bufferSize, queueSize int) *Bridge {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bridge{
		streams:    make(map[string]*stream),
		bufferSize: bufferSize,
		queueSize:  queueSize,
	}
}

// Register creates the stream for a session. Registering an existing stream
// is a no-op so a restart of the spawn path stays harmless.
func (b *Bridge) Register(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[sessionID]; !ok {
		b.streams[sessionID] = &stream{subs: make(map[string]*Subscriber)}
	}
}

func (b *Bridge) stream(sessionID string) (*stream, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.streams[sessionID]
	return st, ok
}

// Publish assigns the next sequence number, appends the event to the replay
// buffer (dropping the oldest entry beyond capacity; sequence numbers are
// never reused) and fans it out to all subscribers.
func (b *Bridge) Publish(sessionID, eventType string, payload json.RawMessage) (int64, error) {
	st, ok := b.stream(sessionID)
	if !ok {
		return 0, ErrNoStream
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return 0, ErrStreamClosed
	}

	st.seq++
	event := Event{
		Seq:       st.seq,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Payload:   payload,
	}

	st.events = append(st.events, event)
	if len(st.events) > b.bufferSize {
		st.events = st.events[len(st.events)-b.bufferSize:]
	}

	for _, sub := range st.subs {
		send(sub.ch, event)
	}
	return event.Seq, nil
}

// send delivers without ever blocking: when the subscriber queue is full its
// oldest entry is evicted to make room.
func send(ch chan Event, event Event) {
	select {
	case ch <- event:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
	}
}

// Subscribe attaches a push consumer to a session stream. Subscribing to a
// closed stream returns a subscriber whose channel is already closed, so
// late viewers can still replay via EventsSince and observe end-of-stream.
func (b *Bridge) Subscribe(sessionID string) (*Subscriber, error) {
	st, ok := b.stream(sessionID)
	if !ok {
		return nil, ErrNoStream
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ch := make(chan Event, b.queueSize)
	sub := &Subscriber{
		ID: uuid.New().String(),
		C:  ch,
		ch: ch,
	}
	sub.cancel = func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if _, attached := st.subs[sub.ID]; attached {
			delete(st.subs, sub.ID)
			close(ch)
		}
	}

	if st.closed {
		close(ch)
		return sub, nil
	}

	st.subs[sub.ID] = sub
	return sub, nil
}

// EventsSince returns the buffered events with seq > since, in order. Events
// older than the retention window are gone; the caller observes that as a
// gap between `since` and the first returned seq.
func (b *Bridge) EventsSince(sessionID string, since int64) ([]Event, error) {
	st, ok := b.stream(sessionID)
	if !ok {
		return nil, ErrNoStream
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var out []Event
	for _, event := range st.events {
		if event.Seq > since {
			out = append(out, event)
		}
	}
	return out, nil
}

// LastSeq returns the highest sequence number assigned for the session, or
// zero when the stream does not exist.
func (b *Bridge) LastSeq(sessionID string) int64 {
	st, ok := b.stream(sessionID)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

// Close marks a session stream finished: subscribers are detached and their
// channels closed, further publishes fail, but the replay buffer stays
// available to EventsSince until Drop. Called after the final lifecycle
// event has been published.
func (b *Bridge) Close(sessionID string) {
	st, ok := b.stream(sessionID)
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	for id, sub := range st.subs {
		delete(st.subs, id)
		close(sub.ch)
	}
}

// Drop removes the stream entirely, replay buffer included. Called when the
// session record itself is deleted.
func (b *Bridge) Drop(sessionID string) {
	b.Close(sessionID)

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, sessionID)
}
