// Package plan models a run's dependency-ordered steps: which step may run
// next, how far along the plan is, and whether it has stopped making progress.
package plan

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Valid reports whether s is one of the known step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

type Step struct {
	ID           string     `json:"id" yaml:"id"`
	Title        string     `json:"title" yaml:"title"`
	Status       StepStatus `json:"status" yaml:"status"`
	Reason       string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Dependencies []string   `json:"dependencies" yaml:"dependencies"`
	StartedAt    *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Plan holds steps in insertion order; that order breaks ties when choosing
// the next step. Acyclicity is checked on demand by NextPendingStep, not on
// mutation.
type Plan struct {
	Goal        string         `json:"goal" yaml:"goal"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Assumptions []string       `json:"assumptions" yaml:"assumptions"`
	Constraints map[string]any `json:"constraints" yaml:"constraints"`
	Version     int            `json:"version" yaml:"version"`
}

var ErrCircularDependency = errors.New("circular dependency")

// CircularDependencyError names the step at which a dependency cycle was
// found.
type CircularDependencyError struct {
	StepID string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected involving step: %s", e.StepID)
}

func (e *CircularDependencyError) Is(target error) bool { return target == ErrCircularDependency }

// New returns a version 1 plan with every step defaulted to pending.
func New(goal string, steps ...Step) *Plan {
	p := &Plan{
		Goal:        goal,
		Steps:       steps,
		Assumptions: []string{},
		Constraints: map[string]any{},
		Version:     1,
	}
	for i := range p.Steps {
		if p.Steps[i].Status == "" {
			p.Steps[i].Status = StepPending
		}
	}
	return p
}

// Step returns a pointer to the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// UpdateStepStatus overwrites the status of step id. Any transition is
// allowed. It returns false when no step has that id.
func (p *Plan) UpdateStepStatus(id string, status StepStatus) bool {
	step, ok := p.Step(id)
	if !ok {
		return false
	}
	step.Status = status
	return true
}

// IsStepCompleted is false for unknown ids.
func (p *Plan) IsStepCompleted(id string) bool {
	step, ok := p.Step(id)
	return ok && step.Status == StepCompleted
}

// NextPendingStep returns the first pending step, in stored order, whose
// dependencies all resolve to completed steps. A dependency on an unknown id
// is never satisfied. The whole graph is checked for cycles on every call.
func (p *Plan) NextPendingStep() (*Step, error) {
	if err := p.CheckCycles(); err != nil {
		return nil, err
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Status != StepPending {
			continue
		}
		if p.dependenciesMet(step) {
			return step, nil
		}
	}
	return nil, nil
}

func (p *Plan) dependenciesMet(step *Step) bool {
	for _, dep := range step.Dependencies {
		if !p.IsStepCompleted(dep) {
			return false
		}
	}
	return true
}

// CheckCycles walks the dependency graph depth first from every step in
// stored order. The returned error cites the id that was revisited while
// still on the walk, so a self-dependency cites the step itself.
func (p *Plan) CheckCycles() error {
	byID := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		byID[p.Steps[i].ID] = &p.Steps[i]
	}

	visited := make(map[string]bool, len(p.Steps))
	onStack := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if onStack[id] {
			return &CircularDependencyError{StepID: id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onStack[id] = true
		if step, ok := byID[id]; ok {
			for _, dep := range step.Dependencies {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(onStack, id)
		return nil
	}

	for i := range p.Steps {
		if err := visit(p.Steps[i].ID); err != nil {
			return err
		}
	}
	return nil
}

type Progress struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Pending     int     `json:"pending"`
	InProgress  int     `json:"in_progress"`
	ProgressPct float64 `json:"progress_pct"`
}

// ProgressSummary counts steps by status. ProgressPct counts completed,
// failed and skipped steps as done and is rounded to one decimal, half to
// even.
func (p *Plan) ProgressSummary() Progress {
	var s Progress
	s.Total = len(p.Steps)
	for _, step := range p.Steps {
		switch step.Status {
		case StepCompleted:
			s.Completed++
		case StepFailed:
			s.Failed++
		case StepSkipped:
			s.Skipped++
		case StepPending:
			s.Pending++
		case StepInProgress:
			s.InProgress++
		}
	}
	if s.Total > 0 {
		done := float64(s.Completed + s.Failed + s.Skipped)
		s.ProgressPct = roundTenth(done / float64(s.Total) * 100)
	}
	return s
}

// roundTenth rounds to one decimal from the exact decimal value of x, with
// ties going to the even digit.
func roundTenth(x float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 1, 64), 64)
	return v
}

// DetectDeadlock is a stall heuristic: it scans steps in stored order and
// reports true once window consecutive pending steps are each blocked by a
// dependency that is not completed. Any non-pending step, or a pending step
// with all dependencies completed, resets the count. Unrelated steps may
// form the run; this is a single pass with no look-ahead. window <= 0
// disables detection.
func (p *Plan) DetectDeadlock(window int) bool {
	if window <= 0 {
		return false
	}

	consecutive := 0
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Status != StepPending {
			consecutive = 0
			continue
		}

		if p.dependencyDead(step) || !p.dependenciesMet(step) {
			consecutive++
		} else {
			consecutive = 0
		}

		if consecutive >= window {
			return true
		}
	}
	return false
}

// dependencyDead reports a dependency that resolved to a failed or skipped
// step.
func (p *Plan) dependencyDead(step *Step) bool {
	for _, dep := range step.Dependencies {
		if d, ok := p.Step(dep); ok && (d.Status == StepFailed || d.Status == StepSkipped) {
			return true
		}
	}
	return false
}
