package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mpataki/skillrun/internal/action"
	"github.com/mpataki/skillrun/internal/events"
	"github.com/mpataki/skillrun/internal/plan"
	"github.com/mpataki/skillrun/internal/state"
	"github.com/mpataki/skillrun/internal/workspace"
)

// driver owns one Execute call.
type driver struct {
	o      *Orchestrator
	rs     *state.RunState
	ws     *workspace.Workspace
	stream *events.Stream
	logger *slog.Logger

	// currentStep is the id of the step the loop is working on, if any.
	currentStep string
}

func (d *driver) emit(typ events.Type, data map[string]any) error {
	return d.stream.Emit(events.New(typ, d.rs.RunID, d.rs.CurrentTurn, data))
}

func (d *driver) persist() error {
	snap := d.rs.Snapshot()
	if err := d.ws.WriteSnapshot(snap); err != nil {
		return err
	}
	return d.o.storage.SaveRun(snap, d.ws.Path)
}

func (d *driver) run(ctx context.Context) error {
	resumed := d.rs.Status == state.StatusPaused
	if err := d.rs.Transition(state.StatusRunning); err != nil {
		return err
	}

	if err := d.emit(events.RunStarted, map[string]any{
		"request": d.rs.Request,
		"resumed": resumed,
		"skills":  len(d.rs.SkillIndex),
	}); err != nil {
		return err
	}
	if d.rs.Plan != nil && !resumed {
		if err := d.emit(events.PlanCreated, planData(d.rs.Plan)); err != nil {
			return err
		}
	}
	if err := d.persist(); err != nil {
		return err
	}
	d.logger.Info("run started", "resumed", resumed)

	window := d.o.deps.Settings.GetInt("plan.deadlock_window", 3)

	for {
		if ctx.Err() != nil {
			return d.finish(state.StatusPaused, "", "")
		}
		if !d.rs.Budget.CanContinue() {
			return d.finish(state.StatusFailed, "budget exhausted", budgetTrace(d.rs))
		}

		step, err := d.selectStep(window)
		if err != nil {
			var cycle *plan.CircularDependencyError
			if errors.As(err, &cycle) {
				return d.finish(state.StatusFailed, err.Error(), "step "+cycle.StepID)
			}
			return d.finish(state.StatusFailed, err.Error(), "")
		}

		done, err := d.turn(ctx, step)
		if err != nil || done {
			return err
		}
	}
}

var errPlanStalled = errors.New("plan stalled: no runnable steps")

// selectStep continues an in-progress step or claims the next runnable one.
// A step left in progress by a paused Execute is picked up again first.
func (d *driver) selectStep(window int) (*plan.Step, error) {
	p := d.rs.Plan
	if p == nil {
		return nil, nil
	}

	if d.currentStep != "" {
		if s, ok := p.Step(d.currentStep); ok && s.Status == plan.StepInProgress {
			return s, nil
		}
		d.currentStep = ""
	}
	for i := range p.Steps {
		if p.Steps[i].Status == plan.StepInProgress {
			d.currentStep = p.Steps[i].ID
			return &p.Steps[i], nil
		}
	}

	next, err := p.NextPendingStep()
	if err != nil {
		return nil, err
	}
	if next == nil {
		if p.DetectDeadlock(window) {
			return nil, errPlanStalled
		}
		return nil, nil
	}

	now := time.Now().UTC()
	next.Status = plan.StepInProgress
	next.StartedAt = &now
	d.currentStep = next.ID
	return next, nil
}

// turn runs one model round trip. done reports that the run reached a final
// status.
func (d *driver) turn(ctx context.Context, step *plan.Step) (bool, error) {
	rs := d.rs
	rs.Budget.ConsumeTurn()
	rs.CurrentTurn++

	stepID := ""
	if step != nil {
		stepID = step.ID
	}
	if err := d.emit(events.TurnStarted, map[string]any{"step_id": stepID}); err != nil {
		return true, err
	}

	if err := d.emit(events.ModelRequest, map[string]any{
		"step_id":      stepID,
		"observations": len(rs.Observations),
	}); err != nil {
		return true, err
	}
	record, err := d.o.deps.Model.NextAction(ctx, d.request(step))
	if err != nil {
		if ctx.Err() != nil {
			return true, d.finish(state.StatusPaused, "", "")
		}
		if err := d.emit(events.ErrorOccurred, map[string]any{"stage": "model", "error": err.Error()}); err != nil {
			return true, err
		}
		return true, d.finish(state.StatusFailed, fmt.Sprintf("model error: %v", err), "")
	}
	if err := d.emit(events.ModelResponse, map[string]any{"record": record}); err != nil {
		return true, err
	}

	a, err := action.Parse(record)
	if err != nil {
		return false, d.reject(step, kindOf(record), "parse", err.Error())
	}
	if err := d.emit(events.ActionPlanned, map[string]any{"action": string(a.Kind()), "record": action.Serialize(a)}); err != nil {
		return true, err
	}

	if !action.Validate(a) {
		return false, d.reject(step, string(a.Kind()), "validate", "invalid "+string(a.Kind())+" action")
	}
	if err := d.emit(events.ActionValidated, map[string]any{"action": string(a.Kind())}); err != nil {
		return true, err
	}

	granted, err := d.approve(ctx, a)
	if err != nil {
		return true, err
	}
	if !granted {
		obs := state.Failed(string(a.Kind()), "approval denied", rs.CurrentTurn)
		return false, d.endTurn(step, a, obs)
	}

	obs := d.execute(ctx, a)
	if err := d.emit(events.ActionExecuted, map[string]any{
		"action":  string(a.Kind()),
		"success": obs.Success,
	}); err != nil {
		return true, err
	}
	if err := d.endTurn(step, a, obs); err != nil {
		return true, err
	}

	if fa, ok := a.(action.FinalAnswer); ok && obs.Success {
		if fa.Completed {
			return true, d.finish(state.StatusCompleted, "", "")
		}
		return true, d.finish(state.StatusPaused, "", "")
	}
	return false, nil
}

func (d *driver) request(step *plan.Step) Request {
	loaded := make([]string, 0, len(d.rs.LoadedSkills))
	for id := range d.rs.LoadedSkills {
		loaded = append(loaded, id)
	}
	slices.Sort(loaded)

	return Request{
		RunID:        d.rs.RunID,
		Turn:         d.rs.CurrentTurn,
		UserRequest:  d.rs.Request,
		Step:         step,
		Plan:         d.rs.Plan,
		SkillIndex:   d.rs.SkillIndex,
		LoadedSkills: loaded,
		Observations: d.rs.Observations,
	}
}

func kindOf(record map[string]any) string {
	if k, ok := record[action.TagKey].(string); ok && k != "" {
		return k
	}
	return "unknown"
}

// reject records a model response that never reached execution.
func (d *driver) reject(step *plan.Step, kind, stage, msg string) error {
	if err := d.emit(events.ErrorOccurred, map[string]any{"stage": stage, "error": msg}); err != nil {
		return err
	}
	return d.endTurn(step, nil, state.Failed(kind, msg, d.rs.CurrentTurn))
}

func (d *driver) approve(ctx context.Context, a action.Action) (bool, error) {
	gated := d.o.deps.Settings.GetStrings("execution.require_approval_for")
	if !slices.Contains(gated, string(a.Kind())) {
		return true, nil
	}

	data := map[string]any{"action": string(a.Kind()), "record": action.Serialize(a)}
	if err := d.emit(events.ApprovalRequired, data); err != nil {
		return false, err
	}

	granted := true
	if d.o.deps.Approver != nil {
		ok, err := d.o.deps.Approver.Approve(ctx, d.rs.RunID, a)
		if err != nil {
			d.logger.Warn("approval failed", "action", a.Kind(), "err", err)
		}
		granted = ok && err == nil
	}

	typ := events.ApprovalGranted
	if !granted {
		typ = events.ApprovalDenied
	}
	if err := d.emit(typ, map[string]any{"action": string(a.Kind())}); err != nil {
		return false, err
	}
	return granted, nil
}

// endTurn appends obs, settles the working step and persists.
func (d *driver) endTurn(step *plan.Step, a action.Action, obs state.Observation) error {
	rs := d.rs
	rs.AddObservation(obs)

	tokens := rs.EstimateContextTokens(obs.Output)
	rs.ContextTokensEstimate += tokens
	rs.Budget.ConsumeContextTokens(tokens)

	if err := d.o.storage.AppendObservation(rs.RunID, len(rs.Observations)-1, obs); err != nil {
		return err
	}
	if err := d.emit(events.ObservationRecorded, map[string]any{
		"action_type": obs.ActionType,
		"success":     obs.Success,
		"error":       obs.Error,
		"tokens":      tokens,
	}); err != nil {
		return err
	}

	if err := d.settleStep(step, a, obs); err != nil {
		return err
	}

	if err := d.persist(); err != nil {
		return err
	}
	return d.emit(events.TurnFinished, map[string]any{
		"success":    obs.Success,
		"turns_used": rs.Budget.TurnsUsed,
	})
}

// settleStep completes or fails the working step after the turn's action.
// A plan_update leaves it to the update.
func (d *driver) settleStep(step *plan.Step, a action.Action, obs state.Observation) error {
	if step == nil {
		return nil
	}
	if _, ok := a.(action.PlanUpdate); ok {
		return nil
	}
	if step.Status != plan.StepInProgress {
		return nil
	}

	now := time.Now().UTC()
	step.CompletedAt = &now
	if obs.Success {
		step.Status = plan.StepCompleted
	} else {
		step.Status = plan.StepFailed
		if obs.Error != nil {
			step.Reason = *obs.Error
		}
	}
	d.currentStep = ""

	return d.emit(events.PlanUpdated, map[string]any{
		"step_id":  step.ID,
		"status":   string(step.Status),
		"progress": progressData(d.rs.Plan),
	})
}

// finish moves the run to status and emits run_finished, always the last
// event of an Execute call.
func (d *driver) finish(status state.Status, msg, trace string) error {
	rs := d.rs
	if status == state.StatusFailed {
		if err := rs.Fail(msg, trace); err != nil {
			return err
		}
		if err := d.emit(events.ErrorOccurred, map[string]any{"stage": "run", "error": msg}); err != nil {
			return err
		}
	} else if err := rs.Transition(status); err != nil {
		return err
	}

	if err := d.persist(); err != nil {
		return err
	}

	d.logger.Info("run finished",
		"status", rs.Status,
		"turns", rs.CurrentTurn,
		"observations", len(rs.Observations),
	)
	data := map[string]any{"status": string(rs.Status), "turns": rs.CurrentTurn}
	if msg != "" {
		data["error"] = msg
	}
	return d.emit(events.RunFinished, data)
}

func budgetTrace(rs *state.RunState) string {
	b := rs.Budget
	return fmt.Sprintf("turns %d/%d, tool calls %d/%d, script executions %d/%d",
		b.TurnsUsed, b.MaxTurns, b.ToolCallsUsed, b.MaxToolCalls, b.ScriptExecutionsUsed, b.MaxScriptExecutions)
}

func planData(p *plan.Plan) map[string]any {
	ids := make([]any, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return map[string]any{
		"goal":     p.Goal,
		"version":  p.Version,
		"steps":    ids,
		"progress": progressData(p),
	}
}

func progressData(p *plan.Plan) map[string]any {
	pr := p.ProgressSummary()
	return map[string]any{
		"total":        pr.Total,
		"completed":    pr.Completed,
		"failed":       pr.Failed,
		"skipped":      pr.Skipped,
		"pending":      pr.Pending,
		"in_progress":  pr.InProgress,
		"progress_pct": pr.ProgressPct,
	}
}
