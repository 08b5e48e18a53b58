package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mpataki/skillrun/internal/action"
	"github.com/mpataki/skillrun/internal/events"
	"github.com/mpataki/skillrun/internal/plan"
	"github.com/mpataki/skillrun/internal/security"
	"github.com/mpataki/skillrun/internal/skills"
	"github.com/mpataki/skillrun/internal/state"
)

// execute runs a validated action against the collaborators and reports
// the outcome as an observation. Failures are observations, not errors.
func (d *driver) execute(ctx context.Context, a action.Action) state.Observation {
	turn := d.rs.CurrentTurn
	kind := string(a.Kind())

	var obs state.Observation
	switch v := a.(type) {
	case action.SelectSkills:
		d.rs.Budget.ConsumeToolCall()
		obs = d.selectSkills(v)
	case action.LoadResource:
		d.rs.Budget.ConsumeToolCall()
		obs = d.loadResource(v)
	case action.RunScript:
		d.rs.Budget.ConsumeToolCall()
		obs = d.runScript(ctx, v)
	case action.PlanUpdate:
		d.rs.Budget.ConsumeToolCall()
		obs = d.updatePlan(v)
	case action.FinalAnswer:
		obs = state.NewObservation(kind, true, v.Answer, turn)
		obs.Metadata["completed"] = v.Completed
	default:
		obs = state.Failed(kind, "unsupported action", turn)
	}

	if obs.Error != nil {
		d.logger.Warn("action failed", "action", kind, "err", *obs.Error)
	}
	return obs
}

func (d *driver) resolve(ref action.SkillRef) (skills.Metadata, error) {
	meta, ok := skills.Resolve(d.rs.SkillIndex, ref.Name, ref.Source)
	if !ok {
		if ref.Source != "" {
			return skills.Metadata{}, fmt.Errorf("skill %s:%s not found", ref.Source, ref.Name)
		}
		return skills.Metadata{}, fmt.Errorf("skill %s not found", ref.Name)
	}
	return meta, nil
}

func (d *driver) selectSkills(v action.SelectSkills) state.Observation {
	turn := d.rs.CurrentTurn
	maxLines := d.o.deps.Settings.GetInt("security.max_skill_body_lines", 500)

	var loaded, problems []string
	for _, ref := range v.Skills {
		meta, err := d.resolve(ref)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, ok := d.rs.LoadedSkills[meta.SkillID]; ok {
			loaded = append(loaded, meta.SkillID)
			continue
		}

		skill, err := skills.Load(meta, turn, maxLines)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		d.rs.LoadedSkills[meta.SkillID] = skill
		loaded = append(loaded, meta.SkillID)

		if err := d.emit(events.SkillLoaded, map[string]any{
			"skill_id":       meta.SkillID,
			"token_estimate": skill.TokenEstimate,
			"body_hash":      skill.BodyHash,
		}); err != nil {
			problems = append(problems, err.Error())
		}
	}

	var b strings.Builder
	for _, id := range loaded {
		skill := d.rs.LoadedSkills[id]
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", id, skill.Body)
	}

	var obs state.Observation
	if len(problems) > 0 {
		obs = state.Failed(string(action.KindSelectSkills), strings.Join(problems, "; "), turn)
		obs.Output = b.String()
	} else {
		obs = state.NewObservation(string(action.KindSelectSkills), true, b.String(), turn)
	}
	obs.Metadata["loaded"] = loaded
	obs.Metadata["reason"] = v.Reason
	return obs
}

// skillFile resolves rel inside the skill's directory, refusing anything
// that escapes it.
func (d *driver) skillFile(ref action.SkillRef, rel string) (skills.Metadata, string, error) {
	meta, err := d.resolve(ref)
	if err != nil {
		return meta, "", err
	}
	if !security.ValidateRelativePath(rel) {
		return meta, "", fmt.Errorf("%s: %w", rel, security.ErrPathTraversal)
	}
	path, err := security.ValidatePathInRoot(filepath.Join(meta.Path, rel), meta.Path)
	if err != nil {
		return meta, "", err
	}
	return meta, path, nil
}

func (d *driver) loadResource(v action.LoadResource) state.Observation {
	turn := d.rs.CurrentTurn
	kind := string(action.KindLoadResource)

	meta, path, err := d.skillFile(v.Skill, v.RelativePath)
	if err != nil {
		return state.Failed(kind, err.Error(), turn)
	}

	info, err := os.Stat(path)
	if err != nil {
		return state.Failed(kind, fmt.Sprintf("resource %s: %v", v.RelativePath, err), turn)
	}
	limit := int64(d.o.deps.Settings.GetInt("security.max_resource_file_bytes", 2000000))
	if info.Size() > limit {
		return state.Failed(kind, fmt.Sprintf("resource %s is %d bytes, limit %d", v.RelativePath, info.Size(), limit), turn)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return state.Failed(kind, fmt.Sprintf("resource %s: %v", v.RelativePath, err), turn)
	}

	content := string(data)
	sectionFound := false
	if v.SectionHint != "" {
		if section, ok := extractSection(content, v.SectionHint); ok {
			content = section
			sectionFound = true
		}
	}

	obs := state.NewObservation(kind, true, content, turn)
	obs.Metadata["skill_id"] = meta.SkillID
	obs.Metadata["path"] = v.RelativePath
	obs.Metadata["bytes"] = len(data)
	if v.SectionHint != "" {
		obs.Metadata["section_found"] = sectionFound
	}

	if err := d.emit(events.ResourceLoaded, map[string]any{
		"skill_id": meta.SkillID,
		"path":     v.RelativePath,
		"bytes":    len(data),
	}); err != nil {
		return state.Failed(kind, err.Error(), turn)
	}
	return obs
}

// extractSection returns the markdown section whose heading contains hint,
// up to the next heading of the same or higher level.
func extractSection(doc, hint string) (string, bool) {
	lines := strings.Split(doc, "\n")
	needle := strings.ToLower(strings.TrimSpace(hint))

	start, level := -1, 0
	for i, line := range lines {
		n := headingLevel(line)
		if n == 0 {
			continue
		}
		if start >= 0 && n <= level {
			return strings.TrimRight(strings.Join(lines[start:i], "\n"), "\n"), true
		}
		if start < 0 && strings.Contains(strings.ToLower(line[n:]), needle) {
			start, level = i, n
		}
	}
	if start < 0 {
		return "", false
	}
	return strings.TrimRight(strings.Join(lines[start:], "\n"), "\n"), true
}

func headingLevel(line string) int {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || n == len(line) || line[n] != ' ' {
		return 0
	}
	return n
}

func (d *driver) runScript(ctx context.Context, v action.RunScript) state.Observation {
	turn := d.rs.CurrentTurn
	kind := string(action.KindRunScript)

	if !slices.Contains(d.o.deps.Settings.GetStrings("execution.allowed_tools"), "run_script") {
		return state.Failed(kind, "run_script is not an allowed tool", turn)
	}

	meta, path, err := d.skillFile(v.Skill, v.RelativePath)
	if err != nil {
		return state.Failed(kind, err.Error(), turn)
	}

	d.rs.Budget.ConsumeScriptExecution()
	res, err := d.o.deps.Scripts.Run(ctx, path, v.Args, v.Env, meta.ResourceLimits)
	if err != nil {
		return state.Failed(kind, err.Error(), turn)
	}

	var obs state.Observation
	if res.Success {
		obs = state.NewObservation(kind, true, res.Output, turn)
	} else {
		obs = state.Failed(kind, res.Error, turn)
		obs.Output = res.Output
	}
	obs.Metadata["skill_id"] = meta.SkillID
	obs.Metadata["script"] = v.RelativePath
	obs.Metadata["duration_ms"] = res.Duration.Milliseconds()
	return obs
}

func (d *driver) updatePlan(v action.PlanUpdate) state.Observation {
	turn := d.rs.CurrentTurn
	kind := string(action.KindPlanUpdate)

	created := d.rs.Plan == nil
	p := d.rs.Plan
	if created {
		p = plan.New(d.rs.Request)
	}
	if err := p.Apply(v.Updates); err != nil {
		return state.Failed(kind, err.Error(), turn)
	}
	d.rs.Plan = p

	typ, data := events.PlanUpdated, map[string]any{"version": p.Version, "progress": progressData(p)}
	if created {
		typ, data = events.PlanCreated, planData(p)
	}
	if err := d.emit(typ, data); err != nil {
		return state.Failed(kind, err.Error(), turn)
	}

	obs := state.NewObservation(kind, true, fmt.Sprintf("plan updated to version %d", p.Version), turn)
	obs.Metadata["version"] = p.Version
	return obs
}
