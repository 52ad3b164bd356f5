package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
	"github.com/Flissel/Vibemind-sub000/pkg/session"
)

// monitor reaps the child and, when no other writer already decided the
// session's fate, finalizes the outcome from the exit status: a clean exit
// after announcing completes the session, anything else errors it. The
// pipe readers are joined first, so by the time an exit is claimed every
// line the child ever wrote has been processed.
func (m *Manager) monitor(active *activeSession) {
	active.readers.Wait()
	waitErr := active.cmd.Wait()
	close(active.done)
	active.cancel()
	defer m.removeActive(active.id)

	exitCode := -1
	if state := active.cmd.ProcessState; state != nil {
		exitCode = state.ExitCode()
	}

	logger := m.logger.With("session_id", active.id)
	logger.Debug("Session process exited", "exit_code", exitCode, "wait_error", waitErr)

	ctx := context.Background()
	from, to, reason, claimed := m.claimExit(ctx, active.id, exitCode)
	if !claimed {
		// A stop, timeout or delete won; it owns the finalization.
		return
	}

	_ = m.store.UpdateSession(ctx, active.id, func(s *session.Session) error {
		s.Reason = reason
		s.ExitCode = &exitCode
		s.PID = 0
		return nil
	})

	active.log.Transition(string(from), string(to))
	if to == session.StatusCompleted {
		m.publish(ctx, active.id, active.log, bridge.TypeSessionStopped, reasonPayload(reason, &exitCode))
		logger.Info("Session completed", "exit_code", exitCode)
	} else {
		m.publish(ctx, active.id, active.log, bridge.TypeError, reasonPayload(reason, &exitCode))
		logger.Error("Session failed", "reason", reason, "exit_code", exitCode)
	}

	m.bridge.Close(active.id)
	if err := m.pids.Delete(active.id); err != nil {
		logger.Warn("Failed to delete pid record", "error", err)
	}
	_ = active.log.Close()
}

// claimExit races the other terminal writers for the right to finalize.
// It retries when the status moves underneath it (starting -> running via
// a late announcement) and gives up once the session is terminal.
func (m *Manager) claimExit(ctx context.Context, id string, exitCode int) (from, to session.Status, reason string, claimed bool) {
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return "", "", "", false
		}

		switch sess.Status {
		case session.StatusRunning:
			from = session.StatusRunning
			if exitCode == 0 {
				to = session.StatusCompleted
				reason = "completed"
			} else {
				to = session.StatusError
				reason = fmt.Sprintf("process crashed: exit code %d", exitCode)
			}
		case session.StatusStarting:
			from = session.StatusStarting
			to = session.StatusError
			reason = fmt.Sprintf("process exited before announcing: exit code %d", exitCode)
		default:
			return "", "", "", false
		}

		err = m.store.Transition(ctx, id, from, to)
		if err == nil {
			return from, to, reason, true
		}
		if !errors.Is(err, session.ErrBadTransition) {
			return "", "", "", false
		}
	}
	return "", "", "", false
}
