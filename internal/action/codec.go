package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// TagKey is the record key holding the action discriminant.
const TagKey = "action"

// ErrUnknownKind is matched by every *UnknownKindError.
var ErrUnknownKind = errors.New("unknown action kind")

// UnknownKindError reports a record whose discriminant is missing or not one
// of Kinds. Kind is empty when the tag was absent or not a string.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	if e.Kind == "" {
		return "unknown action kind: missing " + TagKey + " tag"
	}
	return fmt.Sprintf("unknown action kind: %q", e.Kind)
}

func (e *UnknownKindError) Is(target error) bool { return target == ErrUnknownKind }

// FieldError reports a tagged record whose payload cannot build its variant.
type FieldError struct {
	Kind    Kind
	Field   string
	Problem string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s action: field %q %s", e.Kind, e.Field, e.Problem)
}

// Serialize converts a into its wire record. The record owns fresh copies of
// every slice and map so later mutation of either side is not shared.
func Serialize(a Action) map[string]any {
	switch v := a.(type) {
	case SelectSkills:
		skills := make([]any, 0, len(v.Skills))
		for _, s := range v.Skills {
			skills = append(skills, skillRecord(s))
		}
		return map[string]any{
			TagKey:   string(KindSelectSkills),
			"skills": skills,
			"reason": v.Reason,
		}
	case LoadResource:
		return map[string]any{
			TagKey:          string(KindLoadResource),
			"skill":         skillRecord(v.Skill),
			"relative_path": v.RelativePath,
			"section_hint":  optional(v.SectionHint),
		}
	case RunScript:
		return map[string]any{
			TagKey:          string(KindRunScript),
			"skill":         skillRecord(v.Skill),
			"relative_path": v.RelativePath,
			"args":          slices.Clone(v.Args),
			"env":           maps.Clone(v.Env),
		}
	case FinalAnswer:
		return map[string]any{
			TagKey:      string(KindFinalAnswer),
			"answer":    v.Answer,
			"completed": v.Completed,
		}
	case PlanUpdate:
		return map[string]any{
			TagKey:    string(KindPlanUpdate),
			"updates": maps.Clone(v.Updates),
		}
	case *SelectSkills:
		return serializePtr(v)
	case *LoadResource:
		return serializePtr(v)
	case *RunScript:
		return serializePtr(v)
	case *FinalAnswer:
		return serializePtr(v)
	case *PlanUpdate:
		return serializePtr(v)
	default:
		return nil
	}
}

func serializePtr[T Action](v *T) map[string]any {
	if v == nil {
		return nil
	}
	return Serialize(*v)
}

// Parse builds the variant named by record's discriminant. A missing or
// unrecognised tag yields *UnknownKindError; a recognised tag with a bad
// payload yields *FieldError.
func Parse(record map[string]any) (Action, error) {
	tag, _ := record[TagKey].(string)
	switch Kind(tag) {
	case KindSelectSkills:
		return parseSelectSkills(record)
	case KindLoadResource:
		return parseLoadResource(record)
	case KindRunScript:
		return parseRunScript(record)
	case KindFinalAnswer:
		return parseFinalAnswer(record)
	case KindPlanUpdate:
		return parsePlanUpdate(record)
	default:
		return nil, &UnknownKindError{Kind: tag}
	}
}

// Marshal encodes a as a JSON object.
func Marshal(a Action) ([]byte, error) {
	record := Serialize(a)
	if record == nil {
		return nil, &UnknownKindError{}
	}
	return json.Marshal(record)
}

// Unmarshal decodes a JSON object and parses it.
func Unmarshal(data []byte) (Action, error) {
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode action JSON: %w", err)
	}
	return Parse(record)
}

func parseSelectSkills(r map[string]any) (Action, error) {
	raw, ok := r["skills"]
	if !ok {
		return nil, missing(KindSelectSkills, "skills")
	}
	items, ok := asList(raw)
	if !ok {
		return nil, wrongType(KindSelectSkills, "skills", "list")
	}
	skills := make([]SkillRef, 0, len(items))
	for i, item := range items {
		ref, err := parseSkillRef(KindSelectSkills, fmt.Sprintf("skills[%d]", i), item)
		if err != nil {
			return nil, err
		}
		skills = append(skills, ref)
	}
	reason, err := requiredString(r, KindSelectSkills, "reason")
	if err != nil {
		return nil, err
	}
	return SelectSkills{Skills: skills, Reason: reason}, nil
}

func parseLoadResource(r map[string]any) (Action, error) {
	skill, err := requiredSkill(r, KindLoadResource)
	if err != nil {
		return nil, err
	}
	path, err := requiredString(r, KindLoadResource, "relative_path")
	if err != nil {
		return nil, err
	}
	hint, err := optionalString(r, KindLoadResource, "section_hint")
	if err != nil {
		return nil, err
	}
	return LoadResource{Skill: skill, RelativePath: path, SectionHint: hint}, nil
}

func parseRunScript(r map[string]any) (Action, error) {
	skill, err := requiredSkill(r, KindRunScript)
	if err != nil {
		return nil, err
	}
	path, err := requiredString(r, KindRunScript, "relative_path")
	if err != nil {
		return nil, err
	}

	var args []string
	switch v := r["args"].(type) {
	case nil:
	case []string:
		args = slices.Clone(v)
	case []any:
		args = make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, wrongType(KindRunScript, fmt.Sprintf("args[%d]", i), "string")
			}
			args = append(args, s)
		}
	default:
		return nil, wrongType(KindRunScript, "args", "list of strings")
	}

	var env map[string]string
	switch v := r["env"].(type) {
	case nil:
	case map[string]string:
		env = maps.Clone(v)
	case map[string]any:
		env = make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, wrongType(KindRunScript, "env."+k, "string")
			}
			env[k] = s
		}
	default:
		return nil, wrongType(KindRunScript, "env", "map of strings")
	}

	return RunScript{Skill: skill, RelativePath: path, Args: args, Env: env}, nil
}

func parseFinalAnswer(r map[string]any) (Action, error) {
	answer, err := requiredString(r, KindFinalAnswer, "answer")
	if err != nil {
		return nil, err
	}
	completed := true
	if raw, ok := r["completed"]; ok && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return nil, wrongType(KindFinalAnswer, "completed", "bool")
		}
		completed = b
	}
	return FinalAnswer{Answer: answer, Completed: completed}, nil
}

func parsePlanUpdate(r map[string]any) (Action, error) {
	raw, ok := r["updates"]
	if !ok {
		return nil, missing(KindPlanUpdate, "updates")
	}
	if raw == nil {
		return PlanUpdate{}, nil
	}
	updates, ok := raw.(map[string]any)
	if !ok {
		return nil, wrongType(KindPlanUpdate, "updates", "map")
	}
	return PlanUpdate{Updates: maps.Clone(updates)}, nil
}

func skillRecord(s SkillRef) map[string]any {
	return map[string]any{"name": s.Name, "source": optional(s.Source)}
}

func requiredSkill(r map[string]any, kind Kind) (SkillRef, error) {
	raw, ok := r["skill"]
	if !ok {
		return SkillRef{}, missing(kind, "skill")
	}
	return parseSkillRef(kind, "skill", raw)
}

func parseSkillRef(kind Kind, field string, raw any) (SkillRef, error) {
	var rec map[string]any
	switch v := raw.(type) {
	case map[string]any:
		rec = v
	case SkillRef:
		return v, nil
	default:
		return SkillRef{}, wrongType(kind, field, "skill record")
	}
	name, err := requiredString(rec, kind, field+".name")
	if err != nil {
		return SkillRef{}, err
	}
	source, err := optionalString(rec, kind, field+".source")
	if err != nil {
		return SkillRef{}, err
	}
	return SkillRef{Name: name, Source: source}, nil
}

// requiredString and optionalString look up the last dotted segment of field.
func requiredString(r map[string]any, kind Kind, field string) (string, error) {
	raw, ok := r[leaf(field)]
	if !ok || raw == nil {
		return "", missing(kind, field)
	}
	s, ok := raw.(string)
	if !ok {
		return "", wrongType(kind, field, "string")
	}
	return s, nil
}

func optionalString(r map[string]any, kind Kind, field string) (string, error) {
	raw, ok := r[leaf(field)]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", wrongType(kind, field, "string")
	}
	return s, nil
}

func leaf(field string) string {
	for i := len(field) - 1; i >= 0; i-- {
		if field[i] == '.' {
			return field[i+1:]
		}
	}
	return field
}

func asList(raw any) ([]any, bool) {
	switch v := raw.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []SkillRef:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func missing(kind Kind, field string) error {
	return &FieldError{Kind: kind, Field: field, Problem: "is required"}
}

func wrongType(kind Kind, field, want string) error {
	return &FieldError{Kind: kind, Field: field, Problem: "must be a " + want}
}
