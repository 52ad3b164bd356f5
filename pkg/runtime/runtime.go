// Package runtime owns the lifecycle of tool processes: spawning them,
// reading their announcements and events, reaping them and tearing them
// down. It coordinates the session store, the event bridge, the pid records
// and the per-session logs so that exactly one writer decides each
// session's terminal state.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
	"github.com/Flissel/Vibemind-sub000/pkg/catalog"
	"github.com/Flissel/Vibemind-sub000/pkg/session"
	"github.com/Flissel/Vibemind-sub000/pkg/sessionlog"
)

const (
	defaultAnnounceTimeout = 30 * time.Second
	defaultGracePeriod     = 3 * time.Second
	defaultRelayInterval   = 500 * time.Millisecond
	defaultRelayTimeout    = 10 * time.Second
	defaultOutputLines     = 1000

	// killWait bounds how long a SIGKILL may take to be observed before
	// termination is reported as failed.
	killWait = 2 * time.Second

	// maxPendingEvents bounds events a child emits before announcing.
	maxPendingEvents = 256
)

// Options configures a Manager. Zero durations and sizes fall back to the
// defaults above; Clock and Logger default to the wall clock and
// slog.Default.
type Options struct {
	Store   session.Store
	Catalog *catalog.Registry
	Bridge  *bridge.Bridge
	Logs    *sessionlog.Sink
	PidsDir string

	AnnounceTimeout time.Duration
	GracePeriod     time.Duration
	RelayInterval   time.Duration
	RelayTimeout    time.Duration
	OutputLines     int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager runs sessions.
type Manager struct {
	store   session.Store
	catalog *catalog.Registry
	bridge  *bridge.Bridge
	logs    *sessionlog.Sink
	pids    *PidStore

	announceTimeout time.Duration
	gracePeriod     time.Duration
	relayInterval   time.Duration
	relayTimeout    time.Duration
	outputLines     int

	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*activeSession
	rings  map[string]*RingBuffer
}

// activeSession is the in-memory half of a running session: the live
// process handle and the plumbing attached to its pipes. It exists from a
// successful spawn until the exit monitor observes the process gone.
type activeSession struct {
	id   string
	tool *catalog.Tool
	cmd  *exec.Cmd
	log  *sessionlog.Logger
	ring *RingBuffer

	// cancel stops the watchdog and relay goroutines.
	cancel context.CancelFunc
	// announced closes when the announcement was applied and the session
	// moved to running.
	announced chan struct{}
	// done closes when cmd.Wait has returned.
	done chan struct{}
	// readers joins the pipe goroutines; Wait must not run before they
	// finish or it closes the pipes mid-read.
	readers sync.WaitGroup

	// Touched only by the stdout reader goroutine.
	sawAnnounce bool
	pending     []pendingEvent
}

type pendingEvent struct {
	Type    string
	Payload json.RawMessage
}

// NewManager wires a Manager from its dependencies.
func NewManager(opts Options) *Manager {
	m := &Manager{
		store:           opts.Store,
		catalog:         opts.Catalog,
		bridge:          opts.Bridge,
		logs:            opts.Logs,
		pids:            NewPidStore(opts.PidsDir),
		announceTimeout: opts.AnnounceTimeout,
		gracePeriod:     opts.GracePeriod,
		relayInterval:   opts.RelayInterval,
		relayTimeout:    opts.RelayTimeout,
		outputLines:     opts.OutputLines,
		clock:           opts.Clock,
		logger:          opts.Logger,
		active:          make(map[string]*activeSession),
		rings:           make(map[string]*RingBuffer),
	}
	if m.announceTimeout <= 0 {
		m.announceTimeout = defaultAnnounceTimeout
	}
	if m.gracePeriod <= 0 {
		m.gracePeriod = defaultGracePeriod
	}
	if m.relayInterval <= 0 {
		m.relayInterval = defaultRelayInterval
	}
	if m.relayTimeout <= 0 {
		m.relayTimeout = defaultRelayTimeout
	}
	if m.outputLines <= 0 {
		m.outputLines = defaultOutputLines
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Create registers a new session for a catalog tool without starting it.
func (m *Manager) Create(ctx context.Context, tool string, metadata map[string]string) (*session.Session, error) {
	entry, err := m.catalog.Get(tool)
	if err != nil {
		return nil, err
	}

	sess := session.New(entry.Name, metadata)
	if err := m.store.AddSession(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info("Session created", "session_id", sess.ID, "tool", sess.Tool)
	return sess, nil
}

// Start spawns the tool process for a created session. The session leaves
// in status starting; the move to running happens when the child announces
// its endpoint. A process that cannot be spawned at all fails here
// synchronously and the session ends in status error.
func (m *Manager) Start(ctx context.Context, id string) (*session.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	tool, err := m.catalog.Get(sess.Tool)
	if err != nil {
		return nil, err
	}

	if err := m.store.Transition(ctx, id, session.StatusCreated, session.StatusStarting); err != nil {
		return nil, err
	}

	logger := m.logger.With("session_id", id, "tool", tool.Name)

	argv, err := tool.BuildArgs(id, sess.Metadata)
	if err != nil {
		return nil, m.failStart(ctx, id, nil, fmt.Errorf("building command: %w", err))
	}

	sessionLog, err := m.logs.Open(tool.Name, id, m.clock.Now())
	if err != nil {
		return nil, m.failStart(ctx, id, nil, err)
	}
	sessionLog.Transition(string(session.StatusCreated), string(session.StatusStarting))

	m.bridge.Register(id)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = tool.WorkDir
	cmd.Env = append(os.Environ(), tool.Env...)
	configureProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, m.failStart(ctx, id, sessionLog, fmt.Errorf("opening stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, m.failStart(ctx, id, sessionLog, fmt.Errorf("opening stderr pipe: %w", err))
	}

	logger.Info("Starting session", "command", argv[0])
	if err := cmd.Start(); err != nil {
		return nil, m.failStart(ctx, id, sessionLog, fmt.Errorf("spawn failure: %w", err))
	}

	pid := cmd.Process.Pid
	if err := m.store.UpdateSession(ctx, id, func(s *session.Session) error {
		s.PID = pid
		return nil
	}); err != nil {
		logger.Warn("Failed to record pid on session", "error", err)
	}
	if err := m.pids.Write(PidRecord{
		SessionID: id,
		Tool:      tool.Name,
		PID:       pid,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		logger.Warn("Failed to write pid record", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	active := &activeSession{
		id:        id,
		tool:      tool,
		cmd:       cmd,
		log:       sessionLog,
		ring:      NewRingBuffer(m.outputLines),
		cancel:    cancel,
		announced: make(chan struct{}),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.active[id] = active
	m.rings[id] = active.ring
	m.mu.Unlock()

	active.readers.Add(2)
	go m.drainOutput(active, stderr)
	go m.readStdout(runCtx, active, stdout)
	go m.watchAnnounce(runCtx, active)
	go m.monitor(active)

	logger.Info("Session spawned", "pid", pid)
	return m.store.GetSession(ctx, id)
}

// failStart finalizes a session whose spawn never produced a process.
func (m *Manager) failStart(ctx context.Context, id string, sessionLog *sessionlog.Logger, cause error) error {
	if err := m.store.Transition(ctx, id, session.StatusStarting, session.StatusError); err == nil {
		_ = m.store.UpdateSession(ctx, id, func(s *session.Session) error {
			s.Reason = cause.Error()
			s.PID = 0
			return nil
		})
		m.publish(ctx, id, sessionLog, bridge.TypeError, reasonPayload(cause.Error(), nil))
		m.bridge.Close(id)
		if sessionLog != nil {
			sessionLog.Transition(string(session.StatusStarting), string(session.StatusError))
			_ = sessionLog.Close()
		}
	}
	m.logger.Error("Session start failed", "session_id", id, "error", cause)
	return cause
}

// Delete removes a session. A session that is still running is stopped
// first; stop failures abort the delete so no live process loses its
// record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if !sess.Status.Terminal() {
		if _, err := m.Stop(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}
	}

	if err := m.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	m.bridge.Drop(id)
	_ = m.pids.Delete(id)

	m.mu.Lock()
	delete(m.rings, id)
	m.mu.Unlock()

	m.logger.Info("Session deleted", "session_id", id)
	return nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, id string) (*session.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns all sessions, newest first.
func (m *Manager) List(ctx context.Context) ([]*session.Session, error) {
	return m.store.GetSessions(ctx)
}

// Tools returns the current catalog entries.
func (m *Manager) Tools() []*catalog.Tool {
	return m.catalog.List()
}

// Events returns the buffered events for a session with seq > since. A
// session that exists but has no stream yet (never started, or started
// before an orchestrator restart) reports no events rather than an error.
func (m *Manager) Events(ctx context.Context, id string, since int64) ([]bridge.Event, error) {
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	events, err := m.bridge.EventsSince(id, since)
	if errors.Is(err, bridge.ErrNoStream) {
		return nil, nil
	}
	return events, err
}

// Subscribe attaches a live viewer to a session's event stream. When the
// session already finished in this process the stream is closed and the
// subscription ends immediately; callers streaming a terminal session
// should replay and hang up rather than wait for live events.
func (m *Manager) Subscribe(ctx context.Context, id string) (*bridge.Subscriber, error) {
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return nil, err
	}

	m.bridge.Register(id)
	return m.bridge.Subscribe(id)
}

// Output returns the recent raw output lines of a session.
func (m *Manager) Output(ctx context.Context, id string) ([]string, error) {
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	ring := m.rings[id]
	m.mu.Unlock()
	if ring == nil {
		return nil, nil
	}
	return ring.Lines(), nil
}

func (m *Manager) getActive(id string) *activeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

func (m *Manager) removeActive(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// publish pushes one event through the bridge, mirrors it into the session
// log and records the latest sequence on the session row. A completion
// event additionally lands in metadata under "result" so the outcome
// survives buffer eviction.
func (m *Manager) publish(ctx context.Context, id string, sessionLog *sessionlog.Logger, eventType string, payload json.RawMessage) {
	seq, err := m.bridge.Publish(id, eventType, payload)
	if err != nil {
		m.logger.Debug("Event publish skipped", "session_id", id, "type", eventType, "error", err)
		return
	}
	if sessionLog != nil {
		sessionLog.Event(seq, eventType, payload)
	}

	err = m.store.UpdateSession(ctx, id, func(s *session.Session) error {
		s.LastEventSeq = seq
		if eventType == bridge.TypeCompletion && len(payload) > 0 {
			if s.Metadata == nil {
				s.Metadata = make(map[string]string)
			}
			s.Metadata["result"] = string(payload)
		}
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		m.logger.Debug("Failed to record event sequence", "session_id", id, "error", err)
	}
}

// drainOutput copies a pipe into the ring buffer and session log.
func (m *Manager) drainOutput(active *activeSession, r io.Reader) {
	defer active.readers.Done()

	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		active.ring.Append(line)
		active.log.Output(line)
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug("Output pipe closed with error", "session_id", active.id, "error", err)
	}
}

// reasonPayload is the body of the synthetic error and session_stopped
// events.
func reasonPayload(reason string, exitCode *int) json.RawMessage {
	body := struct {
		Reason   string `json:"reason"`
		ExitCode *int   `json:"exit_code,omitempty"`
	}{Reason: reason, ExitCode: exitCode}
	data, err := json.Marshal(body)
	if err != nil {
		return json.RawMessage(`{"reason":"unknown"}`)
	}
	return data
}
