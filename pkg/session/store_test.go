package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs every test against both implementations.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewInMemoryStore(),
	}
}

func TestStore_AddAndGet(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			sess := New("echo-agent", map[string]string{"task": "say hi"})
			require.NoError(t, store.AddSession(ctx, sess))

			got, err := store.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, sess.ID, got.ID)
			assert.Equal(t, "echo-agent", got.Tool)
			assert.Equal(t, StatusCreated, got.Status)
			assert.Equal(t, "say hi", got.Metadata["task"])
			assert.Nil(t, got.StartedAt)
			assert.Nil(t, got.StoppedAt)
			assert.Nil(t, got.ExitCode)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			_, err := store.GetSession(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = store.GetSession(ctx, "")
			assert.ErrorIs(t, err, ErrEmptyID)

			assert.ErrorIs(t, store.AddSession(ctx, &Session{}), ErrEmptyID)
		})
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			older := New("echo-agent", nil)
			older.CreatedAt = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
			newer := New("echo-agent", nil)
			newer.CreatedAt = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

			require.NoError(t, store.AddSession(ctx, older))
			require.NoError(t, store.AddSession(ctx, newer))

			sessions, err := store.GetSessions(ctx)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			assert.Equal(t, newer.ID, sessions[0].ID)
			assert.Equal(t, older.ID, sessions[1].ID)
		})
	}
}

func TestStore_UpdateMutator(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			sess := New("echo-agent", nil)
			require.NoError(t, store.AddSession(ctx, sess))

			err := store.UpdateSession(ctx, sess.ID, func(s *Session) error {
				s.Host = "127.0.0.1"
				s.Port = 4242
				s.PID = 999
				return nil
			})
			require.NoError(t, err)

			got, err := store.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1", got.Host)
			assert.Equal(t, 4242, got.Port)
			assert.Equal(t, 999, got.PID)
		})
	}
}

func TestStore_UpdateMutatorErrorAborts(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			sess := New("echo-agent", nil)
			require.NoError(t, store.AddSession(ctx, sess))

			err := store.UpdateSession(ctx, sess.ID, func(s *Session) error {
				s.Host = "should-not-stick"
				return ErrBadTransition
			})
			assert.ErrorIs(t, err, ErrBadTransition)

			got, err := store.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Empty(t, got.Host)
		})
	}
}

func TestStore_Transition(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			sess := New("echo-agent", nil)
			require.NoError(t, store.AddSession(ctx, sess))

			require.NoError(t, store.Transition(ctx, sess.ID, StatusCreated, StatusStarting))
			require.NoError(t, store.Transition(ctx, sess.ID, StatusStarting, StatusRunning))
			require.NoError(t, store.Transition(ctx, sess.ID, StatusRunning, StatusStopped))

			got, err := store.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusStopped, got.Status)
			require.NotNil(t, got.StartedAt)
			require.NotNil(t, got.StoppedAt)
		})
	}
}

func TestStore_TransitionMismatchFails(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			sess := New("echo-agent", nil)
			require.NoError(t, store.AddSession(ctx, sess))

			// Session is created, not starting.
			err := store.Transition(ctx, sess.ID, StatusStarting, StatusRunning)
			assert.ErrorIs(t, err, ErrBadTransition)

			err = store.Transition(ctx, "missing", StatusCreated, StatusStarting)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_TerminalIsFinal(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			sess := New("echo-agent", nil)
			require.NoError(t, store.AddSession(ctx, sess))
			require.NoError(t, store.Transition(ctx, sess.ID, StatusCreated, StatusStopped))

			for _, to := range []Status{StatusStarting, StatusRunning, StatusError, StatusCompleted} {
				err := store.Transition(ctx, sess.ID, StatusStopped, to)
				assert.ErrorIs(t, err, ErrBadTransition, "stopped -> %s must be rejected", to)
			}
		})
	}
}

// Exactly one of N racing terminal transitions may win; the rest must see
// ErrBadTransition. This is the guard against double-stop races.
func TestStore_TransitionRace(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			sess := New("echo-agent", nil)
			require.NoError(t, store.AddSession(ctx, sess))
			require.NoError(t, store.Transition(ctx, sess.ID, StatusCreated, StatusStarting))
			require.NoError(t, store.Transition(ctx, sess.ID, StatusStarting, StatusRunning))

			const racers = 16
			var wg sync.WaitGroup
			wins := make(chan Status, racers)

			start := make(chan struct{})
			for i := 0; i < racers; i++ {
				to := StatusStopped
				if i%2 == 0 {
					to = StatusError
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if err := store.Transition(ctx, sess.ID, StatusRunning, to); err == nil {
						wins <- to
					}
				}()
			}
			close(start)
			wg.Wait()
			close(wins)

			var winners []Status
			for w := range wins {
				winners = append(winners, w)
			}
			require.Len(t, winners, 1)

			got, err := store.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, winners[0], got.Status)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			sess := New("echo-agent", nil)
			require.NoError(t, store.AddSession(ctx, sess))
			require.NoError(t, store.DeleteSession(ctx, sess.ID))

			_, err := store.GetSession(ctx, sess.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, store.DeleteSession(ctx, sess.ID), ErrNotFound)
		})
	}
}

func TestStore_ExitCodeRoundTrip(t *testing.T) {
	t.Parallel()

	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			sess := New("echo-agent", nil)
			require.NoError(t, store.AddSession(ctx, sess))

			code := 137
			require.NoError(t, store.UpdateSession(ctx, sess.ID, func(s *Session) error {
				s.ExitCode = &code
				s.Reason = "process crashed"
				return nil
			}))

			got, err := store.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			require.NotNil(t, got.ExitCode)
			assert.Equal(t, 137, *got.ExitCode)
			assert.Equal(t, "process crashed", got.Reason)
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCreated, StatusStarting, true},
		{StatusCreated, StatusStopped, true},
		{StatusCreated, StatusRunning, false},
		{StatusStarting, StatusRunning, true},
		{StatusStarting, StatusError, true},
		{StatusStarting, StatusStopped, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusStopped, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusStarting, false},
		{StatusStopped, StatusRunning, false},
		{StatusError, StatusStopped, false},
		{StatusCompleted, StatusError, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
