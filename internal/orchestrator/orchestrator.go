package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mpataki/skillrun/internal/action"
	"github.com/mpataki/skillrun/internal/config"
	"github.com/mpataki/skillrun/internal/events"
	"github.com/mpataki/skillrun/internal/plan"
	"github.com/mpataki/skillrun/internal/script"
	"github.com/mpataki/skillrun/internal/skills"
	"github.com/mpataki/skillrun/internal/state"
	"github.com/mpataki/skillrun/internal/storage"
	"github.com/mpataki/skillrun/internal/workspace"
)

// Request is what the model sees when asked for the next action.
type Request struct {
	RunID        string
	Turn         int
	UserRequest  string
	Step         *plan.Step
	Plan         *plan.Plan
	SkillIndex   []skills.Metadata
	LoadedSkills []string
	Observations []state.Observation
}

// Model produces the next action record for a run.
type Model interface {
	NextAction(ctx context.Context, req Request) (map[string]any, error)
}

// Approver decides whether a gated action may run.
type Approver interface {
	Approve(ctx context.Context, runID string, a action.Action) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, runID string, a action.Action) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, runID string, a action.Action) (bool, error) {
	return f(ctx, runID, a)
}

// Deps are the collaborators a run is driven with. A nil Approver grants
// every request.
type Deps struct {
	Model     Model
	Approver  Approver
	Scripts   *script.Executor
	Settings  *config.Settings
	Logger    *slog.Logger
	Listeners []events.Listener
}

type Orchestrator struct {
	storage      *storage.Storage
	workspaceDir string
	deps         Deps
}

func New(store *storage.Storage, workspaceDir string, deps Deps) *Orchestrator {
	if deps.Settings == nil {
		deps.Settings = config.DefaultSettings()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Scripts == nil {
		deps.Scripts = script.NewExecutor(deps.Logger)
	}
	return &Orchestrator{
		storage:      store,
		workspaceDir: workspaceDir,
		deps:         deps,
	}
}

// StartRun creates the run state, its workspace and its catalogue row. The
// skill index is scanned from the configured roots.
func (o *Orchestrator) StartRun(request string, p *plan.Plan) (*state.RunState, error) {
	index, err := skills.Scan(o.deps.Settings.SkillRoots())
	if err != nil {
		return nil, fmt.Errorf("failed to scan skills: %w", err)
	}

	rs := state.New(uuid.NewString(), request, o.deps.Settings.Budget())
	rs.SkillIndex = index
	rs.Plan = p

	ws, err := workspace.Create(o.workspaceDir, rs.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	if err := ws.WriteSnapshot(rs.Snapshot()); err != nil {
		return nil, err
	}
	if err := o.storage.SaveRun(rs.Snapshot(), ws.Path); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	o.deps.Logger.Info("run created", "run_id", rs.RunID, "skills", len(index))
	return rs, nil
}

// Execute drives rs until it completes, fails or pauses. Paused runs may be
// executed again. The returned error is for infrastructure failures; a run
// that ends failed is not an error.
func (o *Orchestrator) Execute(ctx context.Context, rs *state.RunState) error {
	if o.deps.Model == nil {
		return fmt.Errorf("no model configured")
	}

	ws, err := workspace.Open(o.workspaceDir, rs.RunID)
	if err != nil {
		return err
	}

	stream := events.NewStream(ws.EventLogPath())
	for _, l := range o.deps.Listeners {
		stream.AddListener(l)
	}

	d := &driver{
		o:      o,
		rs:     rs,
		ws:     ws,
		stream: stream,
		logger: o.deps.Logger.With("run_id", rs.RunID),
	}
	return d.run(ctx)
}

// Read methods for TUI and CLI

func (o *Orchestrator) ListRuns(limit int) ([]*storage.Run, error) {
	return o.storage.ListRuns(limit)
}

func (o *Orchestrator) GetRun(id string) (*storage.Run, error) {
	return o.storage.GetRun(id)
}

func (o *Orchestrator) GetObservations(id string) ([]state.Observation, error) {
	return o.storage.GetObservations(id)
}

// Events replays the run's durable event log.
func (o *Orchestrator) Events(id string) ([]events.Event, error) {
	ws, err := workspace.Open(o.workspaceDir, id)
	if err != nil {
		return nil, err
	}
	return events.Replay(ws.EventLogPath())
}

func (o *Orchestrator) DeleteRun(id string) error {
	if _, err := o.storage.GetRun(id); err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if ws, err := workspace.Open(o.workspaceDir, id); err == nil {
		if err := ws.Remove(); err != nil {
			return fmt.Errorf("failed to remove workspace: %w", err)
		}
	}

	return o.storage.DeleteRun(id)
}
