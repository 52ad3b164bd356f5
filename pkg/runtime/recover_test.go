//go:build !windows

package runtime

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
	"github.com/Flissel/Vibemind-sub000/pkg/session"
)

// restartManager simulates an orchestrator restart: same store and pid
// records, fresh process handles and event streams.
func restartManager(t *testing.T, env *testEnv) *Manager {
	t.Helper()
	m := NewManager(Options{
		Store:       env.store,
		Catalog:     env.registry,
		Bridge:      bridge.New(256, 32),
		Logs:        env.sink,
		PidsDir:     env.pidsDir,
		GracePeriod: 500 * time.Millisecond,
	})
	t.Cleanup(func() { killLeftovers(m) })
	return m
}

// seedSession plants a session row directly in the store, bypassing the
// manager, as if a previous orchestrator run had written it.
func seedSession(t *testing.T, store *session.InMemoryStore, status session.Status) *session.Session {
	t.Helper()
	sess := session.New("agent", nil)
	require.NoError(t, store.AddSession(t.Context(), sess))
	switch status {
	case session.StatusStarting:
		require.NoError(t, store.Transition(t.Context(), sess.ID, session.StatusCreated, session.StatusStarting))
	case session.StatusRunning:
		require.NoError(t, store.Transition(t.Context(), sess.ID, session.StatusCreated, session.StatusStarting))
		require.NoError(t, store.Transition(t.Context(), sess.ID, session.StatusStarting, session.StatusRunning))
	case session.StatusStopped:
		require.NoError(t, store.Transition(t.Context(), sess.ID, session.StatusCreated, session.StatusStopped))
	}
	sess.Status = status
	return sess
}

// reapedPid returns the pid of a process that has already exited and been
// waited on, so nothing alive answers to it.
func reapedPid(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "true")
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())
	return cmd.Process.Pid
}

func TestStopViaPidRecordAfterRestart(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, toolYAML(announceLine+"\n"+idleLoop), nil)

	sess := env.startSession(t, nil)
	waitStatus(t, env.manager, sess.ID, session.StatusRunning)
	running, err := env.manager.Get(t.Context(), sess.ID)
	require.NoError(t, err)

	restarted := restartManager(t, env)

	result, err := restarted.Stop(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StopResultStopped, result)

	got, err := restarted.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, got.Status)
	assert.Equal(t, "stopped by request", got.Reason)
	assert.Zero(t, got.PID)
	assert.False(t, processAlive(running.PID))

	_, err = restarted.pids.Read(sess.ID)
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestRecoverKeepsLiveSessions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, toolYAML(announceLine+"\n"+idleLoop), nil)

	sess := env.startSession(t, nil)
	waitStatus(t, env.manager, sess.ID, session.StatusRunning)
	running, err := env.manager.Get(t.Context(), sess.ID)
	require.NoError(t, err)

	restarted := restartManager(t, env)
	require.NoError(t, restarted.Recover(t.Context()))

	got, err := restarted.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, got.Status, "live session survives recovery")

	rec, err := restarted.pids.Read(sess.ID)
	require.NoError(t, err, "pid record stays while the process lives")
	assert.Equal(t, running.PID, rec.PID)

	// Recovery registered an empty stream so the session is observable.
	events, err := restarted.Events(t.Context(), sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	result, err := restarted.Stop(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StopResultStopped, result)
	assert.False(t, processAlive(running.PID))

	events, err = restarted.Events(t.Context(), sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bridge.TypeSessionStopped, events[0].Type)
}

func TestRecoverMarksDeadSessionsLost(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, toolYAML("exit 0"), nil)

	sess := seedSession(t, env.store, session.StatusRunning)
	require.NoError(t, env.manager.pids.Write(PidRecord{
		SessionID: sess.ID,
		Tool:      "agent",
		PID:       reapedPid(t),
		StartedAt: time.Now().UTC(),
	}))

	require.NoError(t, env.manager.Recover(t.Context()))

	got, err := env.manager.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.Equal(t, "process lost during orchestrator restart", got.Reason)

	_, err = env.manager.pids.Read(sess.ID)
	require.ErrorIs(t, err, ErrNoRecord)

	events, err := env.manager.Events(t.Context(), sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bridge.TypeError, events[0].Type)
	assert.Contains(t, string(events[0].Payload), "process lost")
}

func TestRecoverKillsOrphans(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, toolYAML("exit 0"), nil)

	cmd := exec.Command("sleep", "300")
	configureProcessGroup(cmd)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() { _ = killGroup(pid) })

	require.NoError(t, env.manager.pids.Write(PidRecord{
		SessionID: "ghost-session",
		Tool:      "agent",
		PID:       pid,
		StartedAt: time.Now().UTC(),
	}))

	require.NoError(t, env.manager.Recover(t.Context()))

	_ = cmd.Wait()
	assert.False(t, processAlive(pid), "orphan without session row is killed")

	_, err := env.manager.pids.Read("ghost-session")
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestRecoverCleansTerminalRecords(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, toolYAML("exit 0"), nil)

	sess := seedSession(t, env.store, session.StatusStopped)
	require.NoError(t, env.manager.pids.Write(PidRecord{
		SessionID: sess.ID,
		Tool:      "agent",
		PID:       reapedPid(t),
		StartedAt: time.Now().UTC(),
	}))

	require.NoError(t, env.manager.Recover(t.Context()))

	got, err := env.manager.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, got.Status, "terminal session is left alone")

	_, err = env.manager.pids.Read(sess.ID)
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestRecoverFinalizesSessionsWithoutRecords(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, toolYAML("exit 0"), nil)

	inflight := seedSession(t, env.store, session.StatusRunning)
	idle := seedSession(t, env.store, session.StatusCreated)

	require.NoError(t, env.manager.Recover(t.Context()))

	got, err := env.manager.Get(t.Context(), inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.Equal(t, "process lost during orchestrator restart", got.Reason)

	events, err := env.manager.Events(t.Context(), inflight.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bridge.TypeError, events[0].Type)

	untouched, err := env.manager.Get(t.Context(), idle.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCreated, untouched.Status)
}
