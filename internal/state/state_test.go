package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mpataki/skillrun/internal/budget"
	"github.com/mpataki/skillrun/internal/skills"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunState(t *testing.T) {
	r := New("run-1", "summarize the report", budget.Default())
	assert.Equal(t, StatusInitializing, r.Status)
	assert.Equal(t, r.CreatedAt, r.UpdatedAt)
	assert.NotNil(t, r.LoadedSkills)
	assert.Nil(t, r.Plan)
	assert.Zero(t, r.CurrentTurn)
}

func TestAddObservationRefreshesUpdatedAt(t *testing.T) {
	r := New("run-1", "req", budget.Default())
	r.UpdatedAt = time.Now().Add(-time.Hour)
	before := r.UpdatedAt

	r.AddObservation(NewObservation("load_resource", true, "contents", 1))
	require.Len(t, r.Observations, 1)
	assert.True(t, r.UpdatedAt.After(before))

	r.AddObservation(Failed("run_script", "boom", 2))
	require.Len(t, r.Observations, 2)
	assert.Equal(t, "load_resource", r.Observations[0].ActionType)
	assert.False(t, r.Observations[1].Success)
	require.NotNil(t, r.Observations[1].Error)
	assert.Equal(t, "boom", *r.Observations[1].Error)
}

func TestOtherMutationsLeaveUpdatedAtAlone(t *testing.T) {
	r := New("run-1", "req", budget.Default())
	stamp := r.UpdatedAt
	r.CurrentTurn = 4
	r.Budget.ConsumeTurn()
	require.NoError(t, r.Transition(StatusRunning))
	assert.Equal(t, stamp, r.UpdatedAt)
}

func TestEstimateContextTokens(t *testing.T) {
	r := New("run-1", "req", budget.Default())
	assert.Equal(t, 0, r.EstimateContextTokens(""))
	assert.Equal(t, 0, r.EstimateContextTokens("abc"))
	assert.Equal(t, 1, r.EstimateContextTokens("abcd"))
	assert.Equal(t, 2, r.EstimateContextTokens("abcdefghij"))
	assert.Equal(t, 1, r.EstimateContextTokens("日本語です"))
}

func TestTransition(t *testing.T) {
	r := New("run-1", "req", budget.Default())
	assert.ErrorIs(t, r.Transition(StatusCompleted), ErrInvalidTransition)

	require.NoError(t, r.Transition(StatusRunning))
	require.NoError(t, r.Transition(StatusPaused))
	require.NoError(t, r.Transition(StatusRunning))
	require.NoError(t, r.Transition(StatusCompleted))
	assert.True(t, r.Status.Terminal())

	assert.ErrorIs(t, r.Transition(StatusRunning), ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, r.Status)
}

func TestFail(t *testing.T) {
	r := New("run-1", "req", budget.Default())
	require.NoError(t, r.Transition(StatusRunning))
	require.NoError(t, r.Fail("budget exhausted", "turn 12"))
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "budget exhausted", r.Error)
}

func TestSnapshot(t *testing.T) {
	r := New("run-1", "req", budget.Default())
	r.CurrentTurn = 2
	r.LoadedSkills["user:b:unversioned"] = &skills.LoadedSkill{}
	r.LoadedSkills["project:a:1"] = &skills.LoadedSkill{}
	r.AddObservation(NewObservation("select_skills", true, "ok", 1))

	snap := r.Snapshot()
	assert.Equal(t, []string{"project:a:1", "user:b:unversioned"}, snap.LoadedSkills)
	assert.Equal(t, 1, snap.ObservationsCount)
	assert.Nil(t, snap.Error)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{
		"run_id", "request", "status", "current_turn", "budget", "error",
		"error_trace", "created_at", "updated_at", "loaded_skills", "observations_count",
	} {
		assert.Contains(t, m, key)
	}
	assert.Len(t, m, 11)
	assert.Equal(t, "initializing", m["status"])

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, snap.RunID, back.RunID)
	assert.True(t, snap.UpdatedAt.Equal(back.UpdatedAt))
}

func TestSnapshotEmptySkillsIsList(t *testing.T) {
	data, err := json.Marshal(New("r", "q", budget.Default()).Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"loaded_skills":[]`)
}
