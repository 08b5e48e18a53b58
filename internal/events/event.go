// Package events records a run as an append-only stream of immutable facts
// and replays that stream from its JSONL log.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	RunStarted  Type = "run_started"
	RunFinished Type = "run_finished"

	TurnStarted  Type = "turn_started"
	TurnFinished Type = "turn_finished"

	ModelRequest  Type = "model_request"
	ModelResponse Type = "model_response"
	ModelDelta    Type = "model_delta"

	ActionPlanned   Type = "action_planned"
	ActionValidated Type = "action_validated"
	ActionExecuted  Type = "action_executed"

	ObservationRecorded Type = "observation_recorded"

	PlanCreated Type = "plan_created"
	PlanUpdated Type = "plan_updated"

	ApprovalRequired Type = "approval_required"
	ApprovalGranted  Type = "approval_granted"
	ApprovalDenied   Type = "approval_denied"

	ErrorOccurred Type = "error_occurred"

	SkillLoaded    Type = "skill_loaded"
	ResourceLoaded Type = "resource_loaded"
)

var knownTypes = map[Type]bool{
	RunStarted: true, RunFinished: true,
	TurnStarted: true, TurnFinished: true,
	ModelRequest: true, ModelResponse: true, ModelDelta: true,
	ActionPlanned: true, ActionValidated: true, ActionExecuted: true,
	ObservationRecorded: true,
	PlanCreated: true, PlanUpdated: true,
	ApprovalRequired: true, ApprovalGranted: true, ApprovalDenied: true,
	ErrorOccurred: true,
	SkillLoaded: true, ResourceLoaded: true,
}

var ErrUnknownType = errors.New("unknown event type")

func (t Type) Valid() bool { return knownTypes[t] }

// Event is one fact about a run. Timestamps are kept in UTC so they survive a
// round trip through the log unchanged.
type Event struct {
	Type      Type
	RunID     string
	Turn      int
	Data      map[string]any
	Timestamp time.Time
}

// New stamps an event with the current time.
func New(typ Type, runID string, turn int, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Type:      typ,
		RunID:     runID,
		Turn:      turn,
		Data:      data,
		Timestamp: time.Now().UTC().Round(0),
	}
}

type wireEvent struct {
	Type      *Type          `json:"type"`
	RunID     *string        `json:"run_id"`
	Turn      *int           `json:"turn"`
	Data      map[string]any `json:"data"`
	Timestamp *time.Time     `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	ts := e.Timestamp
	return json.Marshal(wireEvent{
		Type:      &e.Type,
		RunID:     &e.RunID,
		Turn:      &e.Turn,
		Data:      data,
		Timestamp: &ts,
	})
}

// UnmarshalJSON requires type, run_id, turn and timestamp; data defaults to
// an empty map.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	switch {
	case w.Type == nil:
		return errors.New("missing field \"type\"")
	case !w.Type.Valid():
		return fmt.Errorf("%w %q", ErrUnknownType, *w.Type)
	case w.RunID == nil:
		return errors.New("missing field \"run_id\"")
	case w.Turn == nil:
		return errors.New("missing field \"turn\"")
	case w.Timestamp == nil:
		return errors.New("missing field \"timestamp\"")
	}

	if w.Data == nil {
		w.Data = map[string]any{}
	}
	*e = Event{
		Type:      *w.Type,
		RunID:     *w.RunID,
		Turn:      *w.Turn,
		Data:      w.Data,
		Timestamp: *w.Timestamp,
	}
	return nil
}
