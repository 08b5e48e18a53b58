// Package state holds the aggregate root of a single agent run.
package state

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/mpataki/skillrun/internal/budget"
	"github.com/mpataki/skillrun/internal/plan"
	"github.com/mpataki/skillrun/internal/skills"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusPaused       Status = "paused"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusInitializing: {StatusRunning, StatusFailed},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusPaused},
	StatusPaused:       {StatusRunning, StatusFailed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Observation is the recorded result of executing one action.
type Observation struct {
	ActionType string         `json:"action_type"`
	Success    bool           `json:"success"`
	Output     string         `json:"output"`
	Error      *string        `json:"error"`
	Metadata   map[string]any `json:"metadata"`
	Turn       int            `json:"turn"`
	Timestamp  time.Time      `json:"timestamp"`
}

func NewObservation(actionType string, success bool, output string, turn int) Observation {
	return Observation{
		ActionType: actionType,
		Success:    success,
		Output:     output,
		Metadata:   map[string]any{},
		Turn:       turn,
		Timestamp:  time.Now().UTC(),
	}
}

// Failed builds an unsuccessful observation carrying errMsg.
func Failed(actionType, errMsg string, turn int) Observation {
	o := NewObservation(actionType, false, "", turn)
	o.Error = &errMsg
	return o
}

// RunState is owned by one run driver for its whole life. Only
// AddObservation touches UpdatedAt implicitly; every other field is assigned
// directly.
type RunState struct {
	RunID   string
	Request string
	Status  Status

	SkillIndex   []skills.Metadata
	LoadedSkills map[string]*skills.LoadedSkill

	Plan         *plan.Plan
	Budget       budget.Budget
	Observations []Observation

	CurrentTurn           int
	ContextTokensEstimate int

	Error      string
	ErrorTrace string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func New(runID, request string, b budget.Budget) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:        runID,
		Request:      request,
		Status:       StatusInitializing,
		LoadedSkills: make(map[string]*skills.LoadedSkill),
		Budget:       b,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (r *RunState) AddObservation(obs Observation) {
	r.Observations = append(r.Observations, obs)
	r.UpdatedAt = time.Now().UTC()
}

// EstimateContextTokens is a crude character count divided by four, for
// budget bookkeeping only.
func (r *RunState) EstimateContextTokens(text string) int {
	return EstimateTokens(text)
}

func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// Transition moves the run to status to, rejecting moves the lifecycle does
// not allow.
func (r *RunState) Transition(to Status) error {
	if slices.Contains(transitions[r.Status], to) {
		r.Status = to
		return nil
	}
	return fmt.Errorf("%s -> %s: %w", r.Status, to, ErrInvalidTransition)
}

// Fail records the error and moves the run to failed.
func (r *RunState) Fail(msg, trace string) error {
	r.Error = msg
	r.ErrorTrace = trace
	return r.Transition(StatusFailed)
}

// Snapshot is the persisted summary of a run. It omits observation bodies
// and the plan.
type Snapshot struct {
	RunID             string        `json:"run_id"`
	Request           string        `json:"request"`
	Status            Status        `json:"status"`
	CurrentTurn       int           `json:"current_turn"`
	Budget            budget.Budget `json:"budget"`
	Error             *string       `json:"error"`
	ErrorTrace        *string       `json:"error_trace"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	LoadedSkills      []string      `json:"loaded_skills"`
	ObservationsCount int           `json:"observations_count"`
}

func (r *RunState) Snapshot() Snapshot {
	loaded := slices.Sorted(maps.Keys(r.LoadedSkills))
	if loaded == nil {
		loaded = []string{}
	}
	return Snapshot{
		RunID:             r.RunID,
		Request:           r.Request,
		Status:            r.Status,
		CurrentTurn:       r.CurrentTurn,
		Budget:            r.Budget,
		Error:             optional(r.Error),
		ErrorTrace:        optional(r.ErrorTrace),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		LoadedSkills:      loaded,
		ObservationsCount: len(r.Observations),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
