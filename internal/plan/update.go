package plan

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var ErrInvalidUpdate = errors.New("invalid plan update")

// Apply merges a plan_update payload into p. Recognised keys are goal,
// assumptions, constraints, step_status and add_steps. Either every key is
// applied and Version is bumped, or p is left untouched.
func (p *Plan) Apply(updates map[string]any) error {
	next := Plan{
		Goal:        p.Goal,
		Steps:       slices.Clone(p.Steps),
		Assumptions: slices.Clone(p.Assumptions),
		Constraints: maps.Clone(p.Constraints),
		Version:     p.Version,
	}
	if next.Constraints == nil {
		next.Constraints = map[string]any{}
	}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	// add_steps before step_status so a payload may add and start a step.
	slices.Sort(keys)

	for _, key := range keys {
		value := updates[key]
		var err error
		switch key {
		case "goal":
			next.Goal, err = updateString(key, value)
		case "assumptions":
			next.Assumptions, err = updateStrings(key, value)
		case "constraints":
			var m map[string]any
			m, err = updateMap(key, value)
			for k, v := range m {
				next.Constraints[k] = v
			}
		case "step_status":
			err = next.applyStatuses(value)
		case "add_steps":
			err = next.appendSteps(value)
		default:
			err = fmt.Errorf("%w: unknown key %q", ErrInvalidUpdate, key)
		}
		if err != nil {
			return err
		}
	}

	next.Version++
	*p = next
	return nil
}

func (p *Plan) applyStatuses(value any) error {
	m, err := updateMap("step_status", value)
	if err != nil {
		return err
	}
	for id, raw := range m {
		s, ok := raw.(string)
		if !ok || !StepStatus(s).Valid() {
			return fmt.Errorf("%w: step_status.%s: unknown status %v", ErrInvalidUpdate, id, raw)
		}
		if !p.UpdateStepStatus(id, StepStatus(s)) {
			return fmt.Errorf("%w: step_status: no step %q", ErrInvalidUpdate, id)
		}
	}
	return nil
}

func (p *Plan) appendSteps(value any) error {
	items, ok := value.([]any)
	if !ok {
		return fmt.Errorf("%w: add_steps must be a list", ErrInvalidUpdate)
	}
	for i, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: add_steps[%d] must be a step record", ErrInvalidUpdate, i)
		}
		id, _ := rec["id"].(string)
		title, _ := rec["title"].(string)
		if id == "" || title == "" {
			return fmt.Errorf("%w: add_steps[%d] needs id and title", ErrInvalidUpdate, i)
		}
		if _, exists := p.Step(id); exists {
			return fmt.Errorf("%w: add_steps[%d]: duplicate step id %q", ErrInvalidUpdate, i, id)
		}

		deps := []string{}
		if raw, ok := rec["dependencies"]; ok && raw != nil {
			var err error
			if deps, err = updateStrings(fmt.Sprintf("add_steps[%d].dependencies", i), raw); err != nil {
				return err
			}
		}
		reason, _ := rec["reason"].(string)

		p.Steps = append(p.Steps, Step{
			ID:           id,
			Title:        title,
			Status:       StepPending,
			Reason:       reason,
			Dependencies: deps,
		})
	}
	return nil
}

func updateString(key string, value any) (string, error) {
	s, ok := value.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidUpdate, key)
	}
	return s, nil
}

func updateStrings(key string, value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return slices.Clone(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must contain only strings", ErrInvalidUpdate, key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of strings", ErrInvalidUpdate, key)
	}
}

func updateMap(key string, value any) (map[string]any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a map", ErrInvalidUpdate, key)
	}
	return m, nil
}
