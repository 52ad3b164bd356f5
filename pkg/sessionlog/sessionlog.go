// Package sessionlog writes one append-only JSONL file per launched
// session, capturing events, raw child output and status transitions. The
// writer runs on its own goroutine and records are dropped rather than ever
// blocking the caller.
package sessionlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Record kinds.
const (
	KindEvent      = "event"
	KindOutput     = "output"
	KindTransition = "transition"
)

const defaultQueueSize = 256

// Record is one JSONL line in a session log file.
type Record struct {
	Time    time.Time       `json:"time"`
	Kind    string          `json:"kind"`
	Seq     int64           `json:"seq,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Line    string          `json:"line,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
}

// Sink creates session log files under Dir.
type Sink struct {
	Dir string
	// QueueSize bounds each logger's record queue. Zero means the default.
	QueueSize int
}

// Open creates the log file for one session. The name encodes the tool, the
// start time and the session id so files sort chronologically per tool.
func (s *Sink) Open(tool, sessionID string, startedAt time.Time) (*Logger, error) {
	name := fmt.Sprintf("%s-%s-%s.jsonl", tool, startedAt.UTC().Format("20060102-150405"), sessionID)
	path := filepath.Join(s.Dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	queueSize := s.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	l := &Logger{
		path: path,
		ch:   make(chan Record, queueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run(file)
	return l, nil
}

// Logger appends records to one session's log file.
type Logger struct {
	path string
	ch   chan Record
	quit chan struct{}
	done chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64

	errOnce sync.Once
	err     error
}

// Path returns the log file location.
func (l *Logger) Path() string {
	return l.path
}

// Event records a published session event.
func (l *Logger) Event(seq int64, eventType string, payload json.RawMessage) {
	l.write(Record{Kind: KindEvent, Seq: seq, Type: eventType, Payload: payload})
}

// Output records one raw line of child process output.
func (l *Logger) Output(line string) {
	l.write(Record{Kind: KindOutput, Line: line})
}

// Transition records a session status change.
func (l *Logger) Transition(from, to string) {
	l.write(Record{Kind: KindTransition, From: from, To: to})
}

// Dropped reports how many records were discarded because the queue was
// full or the logger already closed.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) write(rec Record) {
	rec.Time = time.Now().UTC()

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}

	select {
	case l.ch <- rec:
	default:
		l.dropped.Add(1)
	}
}

func (l *Logger) run(file *os.File) {
	defer close(l.done)

	encoder := json.NewEncoder(file)
	for {
		select {
		case rec := <-l.ch:
			l.encode(encoder, rec)
		case <-l.quit:
			for {
				select {
				case rec := <-l.ch:
					l.encode(encoder, rec)
				default:
					if err := file.Close(); err != nil {
						l.fail(fmt.Errorf("failed to close session log: %w", err))
					}
					return
				}
			}
		}
	}
}

func (l *Logger) encode(encoder *json.Encoder, rec Record) {
	if err := encoder.Encode(rec); err != nil {
		l.fail(fmt.Errorf("failed to write session log: %w", err))
	}
}

// fail keeps the first error and logs it once. Later records are still
// attempted; a full disk must never disturb the session itself.
func (l *Logger) fail(err error) {
	l.errOnce.Do(func() {
		l.err = err
		slog.Warn("Session log write failed", "path", l.path, "error", err)
	})
}

// Close drains the queue, closes the file and returns the first write
// error, if any. Records written after Close are counted as dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return l.err
	}
	l.closed = true
	l.mu.Unlock()

	close(l.quit)
	<-l.done
	return l.err
}
