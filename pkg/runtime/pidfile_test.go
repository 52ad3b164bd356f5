package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewPidStore(t.TempDir())
	rec := PidRecord{
		SessionID: "sess-1",
		Tool:      "echo-agent",
		PID:       4242,
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Write(rec))

	got, err := store.Read("sess-1")
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.Tool, got.Tool)
	assert.Equal(t, rec.PID, got.PID)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	assert.False(t, got.UpdatedAt.IsZero(), "Write stamps UpdatedAt")
}

func TestPidStoreReadMissing(t *testing.T) {
	t.Parallel()

	store := NewPidStore(t.TempDir())
	_, err := store.Read("nope")
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestPidStoreDelete(t *testing.T) {
	t.Parallel()

	store := NewPidStore(t.TempDir())
	require.NoError(t, store.Write(PidRecord{SessionID: "sess-1", PID: 1}))
	require.NoError(t, store.Delete("sess-1"))

	_, err := store.Read("sess-1")
	require.ErrorIs(t, err, ErrNoRecord)

	// Deleting again is fine.
	require.NoError(t, store.Delete("sess-1"))
}

func TestPidStoreListSkipsMalformed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewPidStore(dir)
	require.NoError(t, store.Write(PidRecord{SessionID: "good-1", PID: 1}))
	require.NoError(t, store.Write(PidRecord{SessionID: "good-2", PID: 2}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)

	ids := []string{records[0].SessionID, records[1].SessionID}
	assert.ElementsMatch(t, []string{"good-1", "good-2"}, ids)
}

func TestPidStoreListMissingDir(t *testing.T) {
	t.Parallel()

	store := NewPidStore(filepath.Join(t.TempDir(), "absent"))
	records, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}
