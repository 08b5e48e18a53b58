package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/skillrun/internal/budget"
	"github.com/mpataki/skillrun/internal/events"
	"github.com/mpataki/skillrun/internal/state"
	"github.com/mpataki/skillrun/internal/storage"
)

type fakeSource struct {
	runs    []*storage.Run
	obs     map[string][]state.Observation
	evs     map[string][]events.Event
	deleted []string
	listErr error
}

func (f *fakeSource) ListRuns(limit int) ([]*storage.Run, error) {
	return f.runs, f.listErr
}

func (f *fakeSource) GetRun(id string) (*storage.Run, error) {
	for _, r := range f.runs {
		if r.RunID == id {
			return r, nil
		}
	}
	return nil, storage.ErrRunNotFound
}

func (f *fakeSource) GetObservations(id string) ([]state.Observation, error) {
	return f.obs[id], nil
}

func (f *fakeSource) Events(id string) ([]events.Event, error) {
	return f.evs[id], nil
}

func (f *fakeSource) DeleteRun(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func newRun(id string, status state.Status) *storage.Run {
	return &storage.Run{
		Snapshot: state.Snapshot{
			RunID:       id,
			Request:     "summarize the quarterly report",
			Status:      status,
			CurrentTurn: 2,
			Budget:      budget.Budget{MaxTurns: 10, MaxToolCalls: 20, MaxScriptExecutions: 5, MaxContextTokens: 1000},
			CreatedAt:   time.Now().Add(-5 * time.Minute),
		},
		WorkspacePath: "/tmp/run-" + id,
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// send feeds msg through Update and resolves any returned command once.
func send(t *testing.T, a *App, msg tea.Msg) {
	t.Helper()
	_, cmd := a.Update(msg)
	if cmd == nil {
		return
	}
	if next := cmd(); next != nil {
		a.Update(next)
	}
}

func TestRunListNavigation(t *testing.T) {
	src := &fakeSource{runs: []*storage.Run{
		newRun("aaaaaaaa-1111", state.StatusRunning),
		newRun("bbbbbbbb-2222", state.StatusCompleted),
	}}
	app := NewApp(src)
	app.Update(app.loadRuns())

	require.Len(t, app.runs, 2)
	view := app.View()
	assert.Contains(t, view, "aaaaaaaa")
	assert.Contains(t, view, "running")
	assert.Contains(t, view, "completed")

	send(t, app, key("down"))
	assert.Equal(t, 1, app.selectedIdx)
	send(t, app, key("down"))
	assert.Equal(t, 1, app.selectedIdx)
	send(t, app, key("up"))
	assert.Equal(t, 0, app.selectedIdx)
}

func TestRunDetail(t *testing.T) {
	errMsg := "resource missing"
	src := &fakeSource{
		runs: []*storage.Run{newRun("run-1", state.StatusFailed)},
		obs: map[string][]state.Observation{
			"run-1": {
				state.NewObservation("select_skills", true, "## report\n\nbody", 1),
				{ActionType: "load_resource", Success: false, Error: &errMsg, Turn: 2},
			},
		},
	}
	app := NewApp(src)
	app.Update(app.loadRuns())

	send(t, app, key("enter"))
	require.Equal(t, ViewRunDetail, app.view)
	require.NotNil(t, app.selectedRun)

	view := app.View()
	assert.Contains(t, view, "run-1")
	assert.Contains(t, view, "select_skills")
	assert.Contains(t, view, "resource missing")
	assert.Contains(t, view, "turns 0/10")

	send(t, app, key("down"))
	assert.Equal(t, 1, app.selectedObsIdx)

	send(t, app, key("esc"))
	assert.Equal(t, ViewRunList, app.view)
	assert.Nil(t, app.selectedRun)
}

func TestEventTimeline(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	src := &fakeSource{
		runs: []*storage.Run{newRun("run-1", state.StatusCompleted)},
		evs: map[string][]events.Event{
			"run-1": {
				{Type: events.RunStarted, RunID: "run-1", Turn: 0, Timestamp: ts, Data: map[string]any{"request": "hi", "resumed": false}},
				{Type: events.RunFinished, RunID: "run-1", Turn: 1, Timestamp: ts, Data: map[string]any{"status": "completed"}},
			},
		},
	}
	app := NewApp(src)
	app.Update(app.loadRuns())

	send(t, app, key("e"))
	require.Equal(t, ViewEvents, app.view)

	view := app.View()
	assert.Contains(t, view, "run_started")
	assert.Contains(t, view, "request=hi resumed=false")
	assert.Contains(t, view, "run_finished")

	// Without a selected run, esc returns to the list.
	send(t, app, key("esc"))
	assert.Equal(t, ViewRunList, app.view)
}

func TestDeleteRun(t *testing.T) {
	src := &fakeSource{runs: []*storage.Run{newRun("run-1", state.StatusCompleted)}}
	app := NewApp(src)
	app.Update(app.loadRuns())

	send(t, app, key("d"))
	assert.Equal(t, []string{"run-1"}, src.deleted)
}

func TestListError(t *testing.T) {
	src := &fakeSource{listErr: errors.New("database locked")}
	app := NewApp(src)
	app.Update(app.loadRuns())

	view := app.View()
	assert.Contains(t, view, "database locked")
	assert.Contains(t, view, "No runs yet")
}

func TestRenderTimeline(t *testing.T) {
	assert.Equal(t, "(no events)", renderTimeline(nil))

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := renderTimeline([]events.Event{{
		Type:      events.PlanUpdated,
		Turn:      3,
		Timestamp: ts,
		Data: map[string]any{
			"step_id":  "s1",
			"progress": map[string]any{"total": 2},
			"error":    nil,
		},
	}})
	assert.Contains(t, out, "plan_updated")
	assert.Contains(t, out, `error=null progress={"total":2} step_id=s1`)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "now", formatAge(time.Now()))
	assert.Equal(t, "5m", formatAge(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h", formatAge(time.Now().Add(-3*time.Hour-time.Minute)))
	assert.Equal(t, "2d", formatAge(time.Now().Add(-49*time.Hour)))

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))

	assert.Equal(t, "12345678", shortID("1234567890"))
	assert.Equal(t, "abc", shortID("abc"))

	assert.Equal(t, "first", firstLine("first\nsecond"))
}
