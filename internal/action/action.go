// Package action defines the closed set of commands an agent may issue during
// a run, how each is validated, and how it maps to and from its wire record.
package action

import "github.com/mpataki/skillrun/internal/security"

// Kind is the discriminant carried under the "action" key of a record.
type Kind string

const (
	KindSelectSkills Kind = "select_skills"
	KindLoadResource Kind = "load_resource"
	KindRunScript    Kind = "run_script"
	KindFinalAnswer  Kind = "final_answer"
	KindPlanUpdate   Kind = "plan_update"
)

// Kinds lists every action kind in declaration order.
var Kinds = []Kind{
	KindSelectSkills,
	KindLoadResource,
	KindRunScript,
	KindFinalAnswer,
	KindPlanUpdate,
}

// Action is implemented only by the five variants in this package.
type Action interface {
	Kind() Kind
	sealed()
}

// SkillRef identifies a skill by name and an optional provenance tag
// (project, user or builtin). An empty Source means "any".
type SkillRef struct {
	Name   string
	Source string
}

type SelectSkills struct {
	Skills []SkillRef
	Reason string
}

type LoadResource struct {
	Skill        SkillRef
	RelativePath string
	SectionHint  string
}

type RunScript struct {
	Skill        SkillRef
	RelativePath string
	Args         []string
	Env          map[string]string
}

type FinalAnswer struct {
	Answer    string
	Completed bool
}

type PlanUpdate struct {
	Updates map[string]any
}

func (SelectSkills) Kind() Kind { return KindSelectSkills }
func (LoadResource) Kind() Kind { return KindLoadResource }
func (RunScript) Kind() Kind    { return KindRunScript }
func (FinalAnswer) Kind() Kind  { return KindFinalAnswer }
func (PlanUpdate) Kind() Kind   { return KindPlanUpdate }

func (SelectSkills) sealed() {}
func (LoadResource) sealed() {}
func (RunScript) sealed()    {}
func (FinalAnswer) sealed()  {}
func (PlanUpdate) sealed()   {}

// NewFinalAnswer returns a completed final answer.
func NewFinalAnswer(answer string) FinalAnswer {
	return FinalAnswer{Answer: answer, Completed: true}
}

// Validate reports whether a's fields satisfy its contract. It never panics
// and depends on nothing but the action itself.
func Validate(a Action) bool {
	switch v := a.(type) {
	case SelectSkills:
		return len(v.Skills) > 0 && v.Reason != ""
	case *SelectSkills:
		return v != nil && Validate(*v)
	case LoadResource:
		return security.ValidateRelativePath(v.RelativePath)
	case *LoadResource:
		return v != nil && Validate(*v)
	case RunScript:
		return security.ValidateRelativePath(v.RelativePath)
	case *RunScript:
		return v != nil && Validate(*v)
	case FinalAnswer:
		return v.Answer != ""
	case *FinalAnswer:
		return v != nil && Validate(*v)
	case PlanUpdate:
		return len(v.Updates) > 0
	case *PlanUpdate:
		return v != nil && Validate(*v)
	default:
		return false
	}
}
