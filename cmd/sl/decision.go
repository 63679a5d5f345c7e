package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyline/internal/app"
	"storyline/internal/domain"
)

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Answer the decision a paused project waits on",
		Long:  "A project pauses when a stage stops improving, when a draft contradicts recorded facts, or when the iteration budget runs out. Each decision lists its choices.",
	}
	dec.AddCommand(decisionShowCmd())
	dec.AddCommand(decisionSubmitCmd())
	dec.AddCommand(decisionHistoryCmd())
	return dec
}

func decisionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the pending decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				d, err := a.Engine.PendingDecision(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"decision": d})
				}
				if d == nil {
					fmt.Println("no pending decision")
					return nil
				}
				printDecision(*d)
				for _, c := range d.Conflicts {
					fmt.Printf("  [%s] %s\n", c.Severity, c.Reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func decisionSubmitCmd() *cobra.Command {
	var decisionID string
	var noRun bool
	cmd := &cobra.Command{
		Use:   "submit <choice>",
		Short: "Answer the pending decision and continue the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				target := decisionID
				if target == "" {
					d, err := a.Engine.PendingDecision(ctx, id)
					if err != nil {
						return err
					}
					if d == nil {
						return fmt.Errorf("project %s has no pending decision", id)
					}
					target = d.ID
				}
				p, err := a.Engine.SubmitDecision(ctx, id, target, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if noRun || p.Status != domain.StatusRunning {
					return printProject(p)
				}
				return drive(ctx, a.Runner(false), id)
			})
		},
	}
	cmd.Flags().StringVar(&decisionID, "decision", "", "decision id (default the pending one)")
	cmd.Flags().BoolVar(&noRun, "no-run", false, "record the answer without continuing the run")
	return cmd
}

func decisionHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List every decision of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				items, err := a.Engine.Repo.ListDecisions(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Code", "Stage", "Chapter", "Status", "Choice", "By")
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Code, d.Stage, d.Chapter, d.Status, d.Choice, d.DecidedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}
