package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyline/internal/app"
	"storyline/internal/cost"
	"storyline/internal/domain"
	"storyline/internal/repo"
)

func artifactsCmd() *cobra.Command {
	var kind, status string
	var chapter int
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List artifact versions",
		Long:  "Every attempt is kept: accepted, rejected and drafts. Filter by stage kind, status or chapter.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				f := repo.ArtifactFilter{ProjectID: id, Kind: domain.StageKind(kind), Status: domain.ArtifactStatus(status)}
				if chapter > 0 {
					f.Chapter = &chapter
				}
				items, err := a.Engine.Repo.ListArtifacts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "Chapter", "Attempt", "Status", "Score", "Title")
				for _, art := range items {
					score := ""
					if art.Score != nil {
						score = fmt.Sprint(art.Score.Total)
					}
					tw.AppendRow(table.Row{art.ID, art.Kind, art.Chapter, art.Attempt, art.Status, score, truncate(art.Title(), 40)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "overview, world, plot, characters or chapter")
	cmd.Flags().StringVar(&status, "status", "", "draft, scored, accepted or rejected")
	cmd.Flags().IntVar(&chapter, "chapter", 0, "chapter number")
	return cmd
}

func factsCmd() *cobra.Command {
	var entity, attribute string
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Show recorded facts",
		Long:  "Current value of every fact, or of one entity (--entity character:Mira). With --attribute, the full history of that fact.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				var (
					items []domain.FactEntry
					err   error
				)
				if entity == "" {
					items, err = a.Engine.Repo.ListCurrentFacts(ctx, id)
				} else {
					ref, perr := domain.ParseEntityRef(entity)
					if perr != nil {
						return perr
					}
					if attribute != "" {
						items, err = a.Engine.Repo.FactHistory(ctx, id, ref, attribute)
					} else {
						items, err = a.Engine.Repo.CurrentFacts(ctx, nil, id, ref)
					}
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Entity", "Attribute", "Value", "Chapter", "Source")
				for _, f := range items {
					tw.AppendRow(table.Row{f.Entity.String(), f.Attribute, f.Value, f.Chapter, f.SourceArtifactID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "entity as kind:name")
	cmd.Flags().StringVar(&attribute, "attribute", "", "attribute history (with --entity)")
	return cmd
}

func conflictsCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List consistency conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				items, err := a.Engine.Repo.ListConflicts(ctx, repo.ConflictFilter{ProjectID: id, Resolution: domain.Resolution(resolution)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Severity", "Resolution", "Action", "Reason")
				for _, c := range items {
					tw.AppendRow(table.Row{c.Severity, c.Resolution, c.Action, truncate(c.Reason, 80)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "unresolved, auto_resolved or human_resolved")
	return cmd
}

func manuscriptCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "manuscript",
		Short: "Print the accepted chapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				m, err := a.Engine.Manuscript(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				text := renderManuscript(m)
				if out == "" {
					fmt.Print(text)
					return nil
				}
				if err := os.WriteFile(out, []byte(text), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %d chapters to %s\n", len(m.Chapters), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write markdown to a file")
	return cmd
}

func renderManuscript(m domain.Manuscript) string {
	var b strings.Builder
	if m.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", m.Title)
	}
	for _, c := range m.Chapters {
		fmt.Fprintf(&b, "## Chapter %d: %s\n\n%s\n\n", c.Number, c.Title, strings.TrimSpace(c.Content))
	}
	if m.Status != domain.StatusCompleted {
		fmt.Fprintf(&b, "_(project %s)_\n", m.Status)
	}
	return b.String()
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every transition of every project: stages, attempts, facts, conflicts and decisions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var all bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID := ""
				if !all {
					id, err := app.ResolveProject(ctx, a.Engine.Repo, viper.GetString("project"))
					if err != nil {
						return err
					}
					projectID = id
				}
				var (
					events []domain.Event
					err    error
				)
				if evtType == "" {
					events, err = a.Engine.Repo.LatestEvents(ctx, n, projectID)
				} else {
					events, err = a.Engine.Repo.ListEvents(ctx, repo.EventFilter{ProjectID: projectID, Type: evtType})
					if len(events) > n {
						events = events[len(events)-n:]
					}
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Project", "Type", "Actor", "Payload")
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.ProjectID, e.Type, e.ActorID, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "only events of this type")
	cmd.Flags().BoolVar(&all, "all", false, "events of every project")
	return cmd
}

func estimateCmd() *cobra.Command {
	var req cost.Request
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate tokens and cost of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printEstimate(cost.Estimate(req))
		},
	}
	cmd.Flags().StringVarP(&req.Theme, "theme", "t", "", "story theme")
	cmd.Flags().StringVarP(&req.Style, "style", "s", "", "writing style")
	cmd.Flags().IntVarP(&req.Chapters, "chapters", "c", 3, "number of chapters")
	cmd.Flags().IntVar(&req.WordsPerChapter, "words", 1000, "target words per chapter")
	return cmd
}

func printEstimate(est cost.Breakdown) error {
	if viper.GetBool("json") {
		return printJSON(est)
	}
	tw := newTable("Operation", "Input tokens", "Output tokens", "Cost (USD)")
	for _, op := range est.Operations {
		tw.AppendRow(table.Row{op.Name, op.InputTokens, op.OutputTokens, fmt.Sprintf("$%.4f", op.CostUSD)})
	}
	tw.AppendFooter(table.Row{"Total", est.InputTokens, est.OutputTokens, fmt.Sprintf("$%.4f", est.CostUSD)})
	tw.Render()
	fmt.Printf("Estimated total: %d tokens, $%.2f (first attempts only; retries add to this)\n", est.TotalTokens, est.CostUSD)
	return nil
}
