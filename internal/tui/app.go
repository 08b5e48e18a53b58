package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/skillrun/internal/events"
	"github.com/mpataki/skillrun/internal/state"
	"github.com/mpataki/skillrun/internal/storage"
)

// Source is the read side the dashboard renders from.
type Source interface {
	ListRuns(limit int) ([]*storage.Run, error)
	GetRun(id string) (*storage.Run, error)
	GetObservations(id string) ([]state.Observation, error)
	Events(id string) ([]events.Event, error)
	DeleteRun(id string) error
}

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewEvents
)

type App struct {
	source Source

	view           View
	runs           []*storage.Run
	selectedIdx    int
	selectedRun    *storage.Run
	observations   []state.Observation
	selectedObsIdx int
	timeline       viewport.Model

	width  int
	height int
	err    error
}

func NewApp(source Source) *App {
	return &App{
		source:   source,
		view:     ViewRunList,
		timeline: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == state.StatusRunning || run.Status == state.StatusInitializing {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.timeline.Width = msg.Width
		a.timeline.Height = max(msg.Height-4, 1)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		// Only refresh the list while something is still running
		if a.view == ViewRunList && a.hasRunningRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if a.err == nil {
			a.selectedRun = msg.run
			a.observations = msg.observations
			a.selectedObsIdx = 0
			a.view = ViewRunDetail
		}
		return a, nil

	case eventsLoadedMsg:
		a.err = msg.err
		if a.err == nil {
			a.timeline.SetContent(renderTimeline(msg.events))
			a.timeline.GotoTop()
			a.view = ViewEvents
		}
		return a, nil

	case runDeletedMsg:
		a.err = msg.err
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewEvents:
		return a.handleEventsKey(msg)
	}
	return a, nil
}

func (a *App) currentRunID() (string, bool) {
	if len(a.runs) == 0 || a.selectedIdx >= len(a.runs) {
		return "", false
	}
	return a.runs[a.selectedIdx].RunID, true
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if id, ok := a.currentRunID(); ok {
			return a, a.loadRunDetail(id)
		}

	case "e":
		if id, ok := a.currentRunID(); ok {
			return a, a.loadEvents(id)
		}

	case "r":
		return a, a.loadRuns

	case "d":
		if id, ok := a.currentRunID(); ok {
			return a, a.deleteRun(id)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.observations = nil
		a.selectedObsIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedObsIdx > 0 {
			a.selectedObsIdx--
		}

	case "down", "j":
		if a.selectedObsIdx < len(a.observations)-1 {
			a.selectedObsIdx++
		}

	case "e":
		if a.selectedRun != nil {
			return a, a.loadEvents(a.selectedRun.RunID)
		}
	}

	return a, nil
}

func (a *App) handleEventsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		if a.selectedRun != nil {
			a.view = ViewRunDetail
		} else {
			a.view = ViewRunList
		}
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.timeline, cmd = a.timeline.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewEvents:
		return a.viewEvents()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPaused   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("skillrun") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with 'skillrun run'.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := formatRunLine(run)
			active := run.Status == state.StatusRunning || run.Status == state.StatusPaused

			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if !active {
				// Dim finished runs
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [e] events  [d] delete  [r] refresh  [q] quit")

	return s
}

func formatRunLine(run *storage.Run) string {
	status := formatStatus(run.Status)
	age := formatAge(run.CreatedAt)
	request := truncate(run.Request, 35)
	return fmt.Sprintf("%-8s %s  %-4s %-6s  %s", shortID(run.RunID), status, fmt.Sprintf("t%d", run.CurrentTurn), age, request)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatStatus(status state.Status) string {
	switch status {
	case state.StatusRunning:
		return statusRunning.Render("● running  ")
	case state.StatusCompleted:
		return statusComplete.Render("✓ completed")
	case state.StatusFailed:
		return statusFailed.Render("✗ failed   ")
	case state.StatusPaused:
		return statusPaused.Render("‖ paused   ")
	default:
		return dimStyle.Render("○ " + string(status))
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run %s", run.RunID)
	s := titleStyle.Render(header) + "  " + formatStatus(run.Status) + "\n\n"

	s += run.Request + "\n\n"

	b := run.Budget
	s += labelStyle.Render("Budget: ") + fmt.Sprintf("turns %d/%d  tool calls %d/%d  scripts %d/%d  tokens %d",
		b.TurnsUsed, b.MaxTurns, b.ToolCallsUsed, b.MaxToolCalls,
		b.ScriptExecutionsUsed, b.MaxScriptExecutions, b.ContextTokensUsed) + "\n"
	if len(run.LoadedSkills) > 0 {
		s += labelStyle.Render("Skills: ") + strings.Join(run.LoadedSkills, ", ") + "\n"
	}
	if run.Error != nil {
		s += labelStyle.Render("Error:  ") + statusFailed.Render(*run.Error) + "\n"
	}
	s += labelStyle.Render("Workspace: ") + dimStyle.Render(run.WorkspacePath) + "\n\n"

	s += "Observations\n"
	s += "────────────\n"

	if len(a.observations) == 0 {
		s += "(no observations yet)\n"
	} else {
		for i, obs := range a.observations {
			mark := statusComplete.Render("✓")
			detail := truncate(firstLine(obs.Output), 50)
			if !obs.Success {
				mark = statusFailed.Render("✗")
				if obs.Error != nil {
					detail = truncate(*obs.Error, 50)
				}
			}

			line := fmt.Sprintf("t%-3d %-14s %s  %s", obs.Turn, obs.ActionType, mark, dimStyle.Render(detail))
			if i == a.selectedObsIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [e] events  [esc] back")

	return s
}

func (a *App) viewEvents() string {
	s := titleStyle.Render("Event Timeline") + "\n\n"
	s += a.timeline.View() + "\n"
	s += helpStyle.Render(fmt.Sprintf("[↑/↓] scroll  [esc] back  %3.0f%%", a.timeline.ScrollPercent()*100))
	return s
}

// renderTimeline formats one line per event with its payload keys sorted.
func renderTimeline(evs []events.Event) string {
	if len(evs) == 0 {
		return "(no events)"
	}

	var b strings.Builder
	for _, e := range evs {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+formatValue(e.Data[k]))
		}

		fmt.Fprintf(&b, "%s  t%-3d %-20s %s\n",
			e.Timestamp.Local().Format("15:04:05.000"), e.Turn, e.Type, truncate(strings.Join(parts, " "), 120))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Messages

type runsLoadedMsg struct {
	runs []*storage.Run
	err  error
}

type runDetailMsg struct {
	run          *storage.Run
	observations []state.Observation
	err          error
}

type eventsLoadedMsg struct {
	events []events.Event
	err    error
}

type runDeletedMsg struct {
	runID string
	err   error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.source.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.source.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		obs, err := a.source.GetObservations(id)
		return runDetailMsg{run: run, observations: obs, err: err}
	}
}

func (a *App) loadEvents(id string) tea.Cmd {
	return func() tea.Msg {
		evs, err := a.source.Events(id)
		return eventsLoadedMsg{events: evs, err: err}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.source.DeleteRun(id); err != nil {
			return runDeletedMsg{err: err}
		}
		return runDeletedMsg{runID: id}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
