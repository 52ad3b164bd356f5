package runtime

import (
	"context"
	"errors"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
	"github.com/Flissel/Vibemind-sub000/pkg/session"
)

// Recover reconciles state left behind by a previous orchestrator run. Pid
// records whose process is still alive are kept so the session remains
// stoppable; records for dead processes turn their session into an error;
// records without any session kill whatever they point at. A second pass
// errors out sessions that claim to be in flight but have neither a handle
// nor a record. Recovery is best effort and never blocks startup.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.pids.List()
	if err != nil {
		return err
	}

	for _, rec := range records {
		logger := m.logger.With("session_id", rec.SessionID, "pid", rec.PID, "tool", rec.Tool)

		sess, err := m.store.GetSession(ctx, rec.SessionID)
		if errors.Is(err, session.ErrNotFound) {
			if processAlive(rec.PID) {
				logger.Warn("Killing orphaned process without session record")
				if killErr := killGroup(rec.PID); killErr != nil {
					logger.Warn("Failed to kill orphaned process", "error", killErr)
				}
			}
			_ = m.pids.Delete(rec.SessionID)
			continue
		}
		if err != nil {
			return err
		}

		if sess.Status.Terminal() {
			logger.Debug("Removing stale pid record for finished session")
			_ = m.pids.Delete(rec.SessionID)
			continue
		}

		if processAlive(rec.PID) {
			// The child outlived the previous orchestrator. Its pipes and
			// event stream are gone, but the session stays stoppable
			// through the pid record.
			m.bridge.Register(rec.SessionID)
			logger.Warn("Re-attached to running session without event stream")
			continue
		}

		m.finalizeLost(ctx, sess)
		_ = m.pids.Delete(rec.SessionID)
	}

	sessions, err := m.store.GetSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status != session.StatusStarting && sess.Status != session.StatusRunning {
			continue
		}
		if m.getActive(sess.ID) != nil {
			continue
		}
		if _, err := m.pids.Read(sess.ID); err == nil {
			continue
		}
		m.logger.Warn("Session in flight without pid record", "session_id", sess.ID)
		m.finalizeLost(ctx, sess)
	}
	return nil
}

// finalizeLost marks a session whose process cannot be found anymore.
func (m *Manager) finalizeLost(ctx context.Context, sess *session.Session) {
	const reason = "process lost during orchestrator restart"

	if err := m.store.Transition(ctx, sess.ID, sess.Status, session.StatusError); err != nil {
		m.logger.Debug("Lost session already finalized elsewhere", "session_id", sess.ID, "error", err)
		return
	}
	_ = m.store.UpdateSession(ctx, sess.ID, func(s *session.Session) error {
		s.Reason = reason
		s.PID = 0
		return nil
	})

	m.bridge.Register(sess.ID)
	m.publish(ctx, sess.ID, nil, bridge.TypeError, reasonPayload(reason, nil))
	m.bridge.Close(sess.ID)

	m.logger.Error("Session lost", "session_id", sess.ID, "tool", sess.Tool)
}
