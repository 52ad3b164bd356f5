package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
	"github.com/Flissel/Vibemind-sub000/pkg/session"
	"github.com/Flissel/Vibemind-sub000/pkg/sessionlog"
)

// StopResult distinguishes a stop that did work from one that found the
// session already finished.
type StopResult string

const (
	StopResultStopped        StopResult = "stopped"
	StopResultAlreadyStopped StopResult = "already_stopped"
)

// TerminationError reports a process that survived the full signal ladder.
type TerminationError struct {
	SessionID string
	PID       int
	Err       error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("failed to terminate session %s (pid %d): %v", e.SessionID, e.PID, e.Err)
}

func (e *TerminationError) Unwrap() error {
	return e.Err
}

// Stop ends a session: SIGTERM to the process group, a bounded grace wait,
// then SIGKILL, then verification that the process is gone. Stopping a
// session that already reached a terminal state reports already_stopped
// and does nothing. Without a live handle the pid record stands in, which
// is how sessions started before an orchestrator restart are stopped.
func (m *Manager) Stop(ctx context.Context, id string) (StopResult, error) {
	var from session.Status
	claimed := false
	for attempt := 0; attempt < 3 && !claimed; attempt++ {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return "", err
		}
		if sess.Status.Terminal() {
			return StopResultAlreadyStopped, nil
		}

		from = sess.Status
		err = m.store.Transition(ctx, id, from, session.StatusStopped)
		if err == nil {
			claimed = true
			break
		}
		if !errors.Is(err, session.ErrBadTransition) {
			return "", err
		}
	}
	if !claimed {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return "", err
		}
		if sess.Status.Terminal() {
			return StopResultAlreadyStopped, nil
		}
		return "", fmt.Errorf("could not claim stop for session %s", id)
	}

	logger := m.logger.With("session_id", id)
	logger.Info("Stopping session", "from", from)

	active := m.getActive(id)
	var sessionLog *sessionlog.Logger
	if active != nil {
		sessionLog = active.log
		sessionLog.Transition(string(from), string(session.StatusStopped))
	}

	var pid int
	var termErr error
	switch {
	case active != nil:
		pid = active.cmd.Process.Pid
		termErr = m.terminateHandle(active)
	default:
		rec, err := m.pids.Read(id)
		switch {
		case err == nil:
			pid = rec.PID
			termErr = m.terminatePid(rec.PID)
		case !errors.Is(err, ErrNoRecord):
			logger.Warn("Failed to read pid record", "error", err)
		}
	}

	// The claim is made; finalization must not die with the caller's
	// request context.
	bg := context.Background()

	if termErr != nil {
		reason := "termination failed: " + termErr.Error()
		_ = m.store.UpdateSession(bg, id, func(s *session.Session) error {
			s.Reason = reason
			return nil
		})
		logger.Error("Session termination failed", "pid", pid, "error", termErr)
		return "", &TerminationError{SessionID: id, PID: pid, Err: termErr}
	}

	reason := "stopped by request"
	if from == session.StatusCreated {
		reason = "stopped before start"
	}
	_ = m.store.UpdateSession(bg, id, func(s *session.Session) error {
		s.Reason = reason
		s.PID = 0
		return nil
	})

	m.publish(bg, id, sessionLog, bridge.TypeSessionStopped, reasonPayload(reason, nil))
	m.bridge.Close(id)
	if err := m.pids.Delete(id); err != nil {
		logger.Warn("Failed to delete pid record", "error", err)
	}
	if sessionLog != nil {
		_ = sessionLog.Close()
	}

	logger.Info("Session stopped")
	return StopResultStopped, nil
}

// terminateHandle runs the ladder against a live process handle, using the
// exit monitor's done signal to observe death.
func (m *Manager) terminateHandle(active *activeSession) error {
	pid := active.cmd.Process.Pid

	if err := terminateGroup(pid); err != nil {
		m.logger.Debug("SIGTERM delivery failed", "session_id", active.id, "pid", pid, "error", err)
	}
	if m.waitDone(active.done, m.gracePeriod) {
		return nil
	}

	m.logger.Warn("Session ignored SIGTERM, killing", "session_id", active.id, "pid", pid)
	if err := killGroup(pid); err != nil {
		m.logger.Debug("SIGKILL delivery failed", "session_id", active.id, "pid", pid, "error", err)
	}
	if m.waitDone(active.done, killWait) {
		return nil
	}
	return fmt.Errorf("process group %d still running after SIGKILL", pid)
}

// terminatePid runs the ladder with only a pid, polling for liveness. A
// process that is already gone counts as success.
func (m *Manager) terminatePid(pid int) error {
	if !processAlive(pid) {
		return nil
	}

	if err := terminateGroup(pid); err != nil {
		m.logger.Debug("SIGTERM delivery failed", "pid", pid, "error", err)
	}
	if m.waitPidGone(pid, m.gracePeriod) {
		return nil
	}

	m.logger.Warn("Process ignored SIGTERM, killing", "pid", pid)
	if err := killGroup(pid); err != nil {
		m.logger.Debug("SIGKILL delivery failed", "pid", pid, "error", err)
	}
	if m.waitPidGone(pid, killWait) {
		return nil
	}
	return fmt.Errorf("process %d still running after SIGKILL", pid)
}

func (m *Manager) waitDone(done <-chan struct{}, d time.Duration) bool {
	timer := m.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (m *Manager) waitPidGone(pid int, d time.Duration) bool {
	deadline := m.clock.Timer(d)
	defer deadline.Stop()
	ticker := m.clock.Ticker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-deadline.C:
			return !processAlive(pid)
		case <-ticker.C:
		}
	}
}
