package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mpataki/skillrun/internal/budget"
	"github.com/mpataki/skillrun/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOpenRemove(t *testing.T) {
	base := t.TempDir()

	_, err := Open(base, "abc")
	assert.Error(t, err)

	w, err := Create(base, "abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "run-abc"), w.Path)
	assert.Equal(t, filepath.Join(base, "run-abc", "events.jsonl"), w.EventLogPath())

	opened, err := Open(base, "abc")
	require.NoError(t, err)
	assert.Equal(t, w.Path, opened.Path)

	require.NoError(t, w.Remove())
	_, err = os.Stat(w.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	w, err := Create(t.TempDir(), "abc")
	require.NoError(t, err)

	_, err = w.ReadSnapshot()
	assert.Error(t, err)

	rs := state.New("abc", "do things", budget.Default())
	rs.CurrentTurn = 3
	rs.Error = "stalled"
	require.NoError(t, w.WriteSnapshot(rs.Snapshot()))

	snap, err := w.ReadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.RunID)
	assert.Equal(t, 3, snap.CurrentTurn)
	require.NotNil(t, snap.Error)
	assert.Equal(t, "stalled", *snap.Error)
	assert.Equal(t, []string{}, snap.LoadedSkills)
	assert.True(t, rs.CreatedAt.Equal(snap.CreatedAt))
}
