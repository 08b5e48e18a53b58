package events

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitThenReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s := NewStream(path)

	emitted := []Event{
		New(RunStarted, "run-1", 0, map[string]any{"request": "summarize"}),
		New(TurnStarted, "run-1", 1, nil),
		New(ActionPlanned, "run-1", 1, map[string]any{
			"action": map[string]any{"action": "final_answer", "answer": "ok", "completed": true},
			"tags":   []any{"a", "b"},
		}),
		New(RunFinished, "run-1", 1, map[string]any{"status": "completed"}),
	}
	for i, e := range emitted {
		require.NoError(t, s.Emit(e))
		if i == 1 {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
			require.NoError(t, err)
			_, err = f.WriteString("\n   \n\t\n")
			require.NoError(t, err)
			require.NoError(t, f.Close())
		}
	}

	got, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, got, len(emitted))
	for i := range emitted {
		assert.Equal(t, emitted[i].Type, got[i].Type)
		assert.Equal(t, emitted[i].RunID, got[i].RunID)
		assert.Equal(t, emitted[i].Turn, got[i].Turn)
		assert.True(t, emitted[i].Timestamp.Equal(got[i].Timestamp), "timestamp %d", i)
	}
	assert.Equal(t, "summarize", got[0].Data["request"])
	assert.Equal(t, map[string]any{}, got[1].Data)
	assert.Equal(t, []any{"a", "b"}, got[2].Data["tags"])
	assert.Equal(t, "final_answer", got[2].Data["action"].(map[string]any)["action"])
}

func TestEmitWritesBeforeListeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s := NewStream(path)

	var seen []int
	s.AddListener(func(e Event) {
		got, err := Replay(path)
		require.NoError(t, err)
		seen = append(seen, len(got))
	})

	require.NoError(t, s.Emit(New(RunStarted, "r", 0, nil)))
	require.NoError(t, s.Emit(New(TurnStarted, "r", 1, nil)))
	assert.Equal(t, []int{1, 2}, seen)
}

func TestEmitFailureSkipsListeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "events.jsonl")
	s := NewStream(path)

	called := false
	s.AddListener(func(Event) { called = true })
	assert.Error(t, s.Emit(New(RunStarted, "r", 0, nil)))
	assert.False(t, called)
}

func TestEmitRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s := NewStream(path)

	calls := 0
	s.AddListener(func(Event) { calls++ })

	require.NoError(t, s.Emit(New(RunStarted, "r", 0, nil)))
	for _, typ := range []Type{"", "nope"} {
		err := s.Emit(New(typ, "r", 1, nil))
		assert.ErrorIs(t, err, ErrUnknownType)
	}
	require.NoError(t, s.Emit(New(RunFinished, "r", 1, nil)))

	assert.Equal(t, 2, calls)
	got, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, RunStarted, got[0].Type)
	assert.Equal(t, RunFinished, got[1].Type)
}

func TestListenersRunInRegistrationOrder(t *testing.T) {
	s := NewStream("")

	var order []string
	s.AddListener(func(Event) { order = append(order, "first") })
	s.AddListener(func(Event) { order = append(order, "second") })
	s.AddListener(func(Event) { order = append(order, "third") })

	require.NoError(t, s.Emit(New(RunStarted, "r", 0, nil)))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRemoveListener(t *testing.T) {
	s := NewStream("")

	err := s.RemoveListener(ListenerID(42))
	assert.True(t, errors.Is(err, ErrListenerNotFound))

	count := 0
	id := s.AddListener(func(Event) { count++ })
	require.NoError(t, s.Emit(New(RunStarted, "r", 0, nil)))
	require.NoError(t, s.RemoveListener(id))
	require.NoError(t, s.Emit(New(RunFinished, "r", 0, nil)))
	assert.Equal(t, 1, count)

	assert.ErrorIs(t, s.RemoveListener(id), ErrListenerNotFound)
}

func TestReplayCorruptLineAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s := NewStream(path)
	require.NoError(t, s.Emit(New(RunStarted, "r", 0, nil)))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("\n{\"type\": \"run_started\", \"run_id\": \n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Emit(New(RunFinished, "r", 0, nil)))

	got, err := Replay(path)
	assert.Nil(t, got)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.Line)
}

func TestReplayRejectsIncompleteRecords(t *testing.T) {
	cases := map[string]string{
		"unknown type":      `{"type":"nope","run_id":"r","turn":0,"data":{},"timestamp":"2024-01-01T00:00:00Z"}`,
		"missing type":      `{"run_id":"r","turn":0,"data":{},"timestamp":"2024-01-01T00:00:00Z"}`,
		"missing run_id":    `{"type":"run_started","turn":0,"data":{},"timestamp":"2024-01-01T00:00:00Z"}`,
		"missing turn":      `{"type":"run_started","run_id":"r","data":{},"timestamp":"2024-01-01T00:00:00Z"}`,
		"missing timestamp": `{"type":"run_started","run_id":"r","turn":0,"data":{}}`,
		"bad timestamp":     `{"type":"run_started","run_id":"r","turn":0,"data":{},"timestamp":"yesterday"}`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "events.jsonl")
			require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0644))
			_, err := Replay(path)
			var perr *ParseError
			assert.True(t, errors.As(err, &perr))
		})
	}
}

func TestReplayMissingDataDefaultsToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	line := `{"type":"turn_started","run_id":"r","turn":2,"timestamp":"2024-05-01T10:00:00.123456Z"}`
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0644))

	got, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{}, got[0].Data)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC), got[0].Timestamp.UTC())
}

func TestReplayMissingFile(t *testing.T) {
	_, err := Replay(filepath.Join(t.TempDir(), "none.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTypeValid(t *testing.T) {
	assert.Len(t, knownTypes, 19)
	assert.True(t, ObservationRecorded.Valid())
	assert.False(t, Type("run_exploded").Valid())
}
