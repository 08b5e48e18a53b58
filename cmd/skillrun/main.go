package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/skillrun/internal/action"
	"github.com/mpataki/skillrun/internal/config"
	"github.com/mpataki/skillrun/internal/events"
	"github.com/mpataki/skillrun/internal/logging"
	"github.com/mpataki/skillrun/internal/orchestrator"
	"github.com/mpataki/skillrun/internal/plan"
	"github.com/mpataki/skillrun/internal/skills"
	"github.com/mpataki/skillrun/internal/storage"
	"github.com/mpataki/skillrun/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "skillrun",
		Short: "Skill-driven agent runtime",
		Long:  "Skillrun drives an agent through skills, a step plan and a bounded budget, recording every turn as an event.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newSkillsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every command that touches runs needs.
type env struct {
	cfg    *config.Config
	store  *storage.Storage
	logger *slog.Logger
}

func openEnv() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger := logging.New(os.Stderr,
		cfg.Settings.GetString("logging.level", "INFO"),
		cfg.Settings.GetString("logging.format", "text"))
	slog.SetDefault(logger)

	return &env{cfg: cfg, store: store, logger: logger}, nil
}

func (e *env) orchestrator(deps orchestrator.Deps) *orchestrator.Orchestrator {
	deps.Settings = e.cfg.Settings
	deps.Logger = e.logger
	return orchestrator.New(e.store, e.cfg.RunsDir(), deps)
}

func (e *env) Close() error {
	return e.store.Close()
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	// Keep log output from drawing over the alt screen
	e.logger = logging.Discard()
	slog.SetDefault(e.logger)

	app := tui.NewApp(e.orchestrator(orchestrator.Deps{}))
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Start a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := args[0]
			actionsPath, _ := cmd.Flags().GetString("actions")
			planRef, _ := cmd.Flags().GetString("plan")
			autoApprove, _ := cmd.Flags().GetBool("yes")
			quiet, _ := cmd.Flags().GetBool("quiet")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if provider := e.cfg.Settings.GetString("model.provider", "scripted"); provider != "scripted" {
				return fmt.Errorf("unsupported model provider %q", provider)
			}
			model, err := orchestrator.LoadScriptedModel(actionsPath)
			if err != nil {
				return err
			}

			var p *plan.Plan
			if planRef != "" {
				p, err = findPlan(planRef, e.cfg)
				if err != nil {
					return err
				}
			}

			deps := orchestrator.Deps{Model: model}
			if !autoApprove {
				deps.Approver = promptApprover(cmd.InOrStdin(), cmd.OutOrStdout())
			}
			if !quiet {
				deps.Listeners = []events.Listener{printEvent(cmd.OutOrStdout())}
			}
			orch := e.orchestrator(deps)

			rs, err := orch.StartRun(request, p)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}

			fmt.Printf("Created run %s\n", rs.RunID)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if err := orch.Execute(ctx, rs); err != nil {
				return fmt.Errorf("execution failed: %w", err)
			}

			fmt.Printf("Run finished with status: %s\n", rs.Status)
			if rs.Error != "" {
				fmt.Printf("Error: %s\n", rs.Error)
			}
			if len(rs.Observations) > 0 {
				last := rs.Observations[len(rs.Observations)-1]
				if last.ActionType == string(action.KindFinalAnswer) && last.Success {
					fmt.Printf("\n%s\n", last.Output)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringP("actions", "a", "", "JSONL file of scripted model actions")
	cmd.Flags().StringP("plan", "p", "", "Plan file, or the name of a plan in the plan directories")
	cmd.Flags().BoolP("yes", "y", false, "Approve every gated action without asking")
	cmd.Flags().BoolP("quiet", "q", false, "Don't print events as they happen")
	_ = cmd.MarkFlagRequired("actions")
	return cmd
}

// findPlan treats ref as a path first, then as a plan name.
func findPlan(ref string, cfg *config.Config) (*plan.Plan, error) {
	var p *plan.Plan
	if _, err := os.Stat(ref); err == nil {
		p, err = plan.Parse(ref)
		if err != nil {
			return nil, err
		}
	} else {
		plans, err := plan.LoadAll(cfg.PlanDirs())
		if err != nil {
			return nil, fmt.Errorf("failed to load plans: %w", err)
		}
		var ok bool
		if p, ok = plans[ref]; !ok {
			return nil, fmt.Errorf("plan %q not found", ref)
		}
	}

	if err := plan.Validate(p); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", ref, err)
	}
	return p, nil
}

func promptApprover(in io.Reader, out io.Writer) orchestrator.Approver {
	reader := bufio.NewReader(in)
	return orchestrator.ApproverFunc(func(ctx context.Context, runID string, a action.Action) (bool, error) {
		fmt.Fprintf(out, "Approve %s %v? [y/N] ", a.Kind(), action.Serialize(a))
		answer, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes", nil
	})
}

func printEvent(out io.Writer) events.Listener {
	return func(e events.Event) {
		fmt.Fprintln(out, formatEvent(e))
	}
}

func formatEvent(e events.Event) string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Data[k]))
	}
	return fmt.Sprintf("[t%d] %-20s %s", e.Turn, e.Type, truncate(strings.Join(parts, " "), 100))
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.store.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			b := run.Budget
			fmt.Printf("Run %s\n", run.RunID)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Request: %s\n", run.Request)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)
			fmt.Printf("Turns: %d/%d  Tool calls: %d/%d  Scripts: %d/%d  Tokens: %d/%d\n",
				b.TurnsUsed, b.MaxTurns, b.ToolCallsUsed, b.MaxToolCalls,
				b.ScriptExecutionsUsed, b.MaxScriptExecutions, b.ContextTokensUsed, b.MaxContextTokens)
			if len(run.LoadedSkills) > 0 {
				fmt.Printf("Skills: %s\n", strings.Join(run.LoadedSkills, ", "))
			}
			if run.Error != nil {
				fmt.Printf("Error: %s\n", *run.Error)
			}

			obs, err := e.store.GetObservations(run.RunID)
			if err != nil {
				return err
			}

			if len(obs) > 0 {
				fmt.Println("\nObservations:")
				for i, o := range obs {
					status := "ok"
					if !o.Success {
						status = "failed"
						if o.Error != nil {
							status += ": " + *o.Error
						}
					}
					fmt.Printf("  %d. [t%d] %s [%s]\n", i+1, o.Turn, o.ActionType, truncate(status, 60))
				}
			}

			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			runs, err := e.store.ListRuns(20)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s [%s] %s %s\n",
					run.RunID, run.Status, storage.FormatTimeAgo(run.CreatedAt),
					truncate(run.Request, 50))
			}

			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orchestrator(orchestrator.Deps{}).DeleteRun(args[0]); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run %s\n", args[0])
			return nil
		},
	}
}

func newReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <events.jsonl|run-id>",
		Short: "Print a run's event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var evs []events.Event
			if _, err := os.Stat(args[0]); err == nil {
				evs, err = events.Replay(args[0])
				if err != nil {
					return err
				}
			} else {
				e, err := openEnv()
				if err != nil {
					return err
				}
				defer e.Close()

				evs, err = e.orchestrator(orchestrator.Deps{}).Events(args[0])
				if err != nil {
					return fmt.Errorf("failed to replay run: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			for _, ev := range evs {
				fmt.Fprintf(out, "%s %s\n", ev.Timestamp.Format("15:04:05.000"), formatEvent(ev))
			}
			fmt.Fprintf(out, "%d events\n", len(evs))
			return nil
		},
	}
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <plan-file>",
		Short: "Check a plan and show what runs next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			window, _ := cmd.Flags().GetInt("window")

			p, err := plan.Parse(args[0])
			if err != nil {
				return err
			}
			if err := plan.Validate(p); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Goal: %s (version %d)\n", p.Goal, p.Version)
			for _, s := range p.Steps {
				deps := ""
				if len(s.Dependencies) > 0 {
					deps = " <- " + strings.Join(s.Dependencies, ", ")
				}
				fmt.Fprintf(out, "  %-12s %-11s %s%s\n", s.ID, s.Status, s.Title, deps)
			}

			pr := p.ProgressSummary()
			fmt.Fprintf(out, "\nProgress: %.1f%% (%d completed, %d failed, %d skipped, %d pending, %d in progress of %d)\n",
				pr.ProgressPct, pr.Completed, pr.Failed, pr.Skipped, pr.Pending, pr.InProgress, pr.Total)

			next, err := p.NextPendingStep()
			if err != nil {
				return err
			}
			if next != nil {
				fmt.Fprintf(out, "Next: %s (%s)\n", next.ID, next.Title)
			} else {
				fmt.Fprintln(out, "Next: none")
			}

			if p.DetectDeadlock(window) {
				fmt.Fprintf(out, "Stalled: %d consecutive pending steps are blocked\n", window)
			}
			return nil
		},
	}

	cmd.Flags().IntP("window", "w", 3, "Consecutive blocked steps that count as a stall")
	return cmd
}

func newSkillsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List the skills visible from the configured roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			index, err := skills.Scan(cfg.Settings.SkillRoots())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(index) == 0 {
				fmt.Fprintln(out, "No skills found.")
				return nil
			}
			for _, m := range index {
				fmt.Fprintf(out, "%-30s %-8s %s\n", m.SkillID, m.Source, truncate(m.Description, 60))
			}
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
