package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/skillrun/internal/budget"
	"github.com/mpataki/skillrun/internal/skills"
	"github.com/mpataki/skillrun/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStorage(t)

	rs := state.New("run-1", "summarize", budget.Default())
	rs.LoadedSkills["project:pdf:unversioned"] = &skills.LoadedSkill{}
	require.NoError(t, s.SaveRun(rs.Snapshot(), "/tmp/run-1"))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "summarize", got.Request)
	assert.Equal(t, state.StatusInitializing, got.Status)
	assert.Equal(t, budget.Default(), got.Budget)
	assert.Equal(t, []string{"project:pdf:unversioned"}, got.LoadedSkills)
	assert.Equal(t, "/tmp/run-1", got.WorkspacePath)
	assert.Nil(t, got.Error)
	assert.True(t, rs.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, rs.Transition(state.StatusRunning))
	rs.Budget.ConsumeTurn()
	rs.CurrentTurn = 1
	require.NoError(t, rs.Fail("budget exhausted", ""))
	require.NoError(t, s.SaveRun(rs.Snapshot(), "/tmp/run-1"))

	got, err = s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, got.Status)
	assert.Equal(t, 1, got.CurrentTurn)
	assert.Equal(t, 1, got.Budget.TurnsUsed)
	require.NotNil(t, got.Error)
	assert.Equal(t, "budget exhausted", *got.Error)
	assert.Nil(t, got.ErrorTrace)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetRun("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStorage(t)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		rs := state.New(id, "req "+id, budget.Default())
		rs.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		rs.UpdatedAt = rs.CreatedAt
		require.NoError(t, s.SaveRun(rs.Snapshot(), ""))
	}

	runs, err := s.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "mid", runs[1].RunID)
}

func TestObservations(t *testing.T) {
	s := newTestStorage(t)
	rs := state.New("run-1", "req", budget.Default())
	require.NoError(t, s.SaveRun(rs.Snapshot(), ""))

	ok := state.NewObservation("load_resource", true, "file body", 1)
	ok.Metadata["bytes"] = 9
	bad := state.Failed("run_script", "exit 1", 2)

	require.NoError(t, s.AppendObservation("run-1", 0, ok))
	require.NoError(t, s.AppendObservation("run-1", 1, bad))
	assert.Error(t, s.AppendObservation("run-1", 1, bad))

	got, err := s.GetObservations("run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "load_resource", got[0].ActionType)
	assert.True(t, got[0].Success)
	assert.Equal(t, float64(9), got[0].Metadata["bytes"])
	assert.Nil(t, got[0].Error)
	assert.False(t, got[1].Success)
	require.NotNil(t, got[1].Error)
	assert.Equal(t, "exit 1", *got[1].Error)
	assert.Equal(t, map[string]any{}, got[1].Metadata)
	assert.True(t, ok.Timestamp.Equal(got[0].Timestamp))
}

func TestDeleteRun(t *testing.T) {
	s := newTestStorage(t)
	rs := state.New("run-1", "req", budget.Default())
	require.NoError(t, s.SaveRun(rs.Snapshot(), ""))
	require.NoError(t, s.AppendObservation("run-1", 0, state.NewObservation("final_answer", true, "done", 1)))

	require.NoError(t, s.DeleteRun("run-1"))
	_, err := s.GetRun("run-1")
	assert.ErrorIs(t, err, ErrRunNotFound)

	obs, err := s.GetObservations("run-1")
	require.NoError(t, err)
	assert.Empty(t, obs)

	assert.ErrorIs(t, s.DeleteRun("run-1"), ErrRunNotFound)
}

func TestFormatTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", FormatTimeAgo(time.Now()))
	assert.Equal(t, "5m ago", FormatTimeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", FormatTimeAgo(time.Now().Add(-3*time.Hour-time.Second)))
}
