package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyline/internal/app"
	"storyline/internal/cost"
	"storyline/internal/domain"
	"storyline/internal/engine"
)

func startCmd() *cobra.Command {
	var (
		opts         engine.StartOptions
		mode         string
		autoMode     bool
		skipEstimate bool
		yes          bool
		detach       bool
	)
	cmd := &cobra.Command{
		Use:   "start [theme]",
		Short: "Start a new story project and run it",
		Long:  "Creates a project from a theme and drives it until it completes, fails, or pauses on a decision. The token and cost estimate is shown first unless --skip-cost-estimate is set.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && opts.Theme == "" {
				opts.Theme = args[0]
			}
			if strings.TrimSpace(opts.Theme) == "" {
				return fmt.Errorf("a theme is required (argument or --theme)")
			}
			opts.Mode = domain.ConflictMode(mode)
			if autoMode {
				opts.Mode = domain.ModeAutomatic
			}
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !skipEstimate {
					chapters, words := opts.Chapters, opts.WordsPerChapter
					if chapters == 0 {
						chapters = a.Config.Pipeline.Chapters
					}
					if words == 0 {
						words = a.Config.Pipeline.WordsPerChapter
					}
					est := cost.Estimate(cost.Request{Theme: opts.Theme, Style: opts.Style, Chapters: chapters, WordsPerChapter: words})
					if err := printEstimate(est); err != nil {
						return err
					}
					if !yes && !viper.GetBool("json") && !confirm("Proceed with generation?") {
						fmt.Println("aborted")
						return nil
					}
				}
				p, err := a.Engine.StartProject(ctx, opts)
				if err != nil {
					return err
				}
				if detach {
					return printProject(p)
				}
				return drive(ctx, a.Runner(autoMode), p.ID)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVarP(&opts.Theme, "theme", "t", "", "story theme")
	cmd.Flags().StringVarP(&opts.Style, "style", "s", "", "writing style, e.g. \"hemingway, minimalist\"")
	cmd.Flags().IntVarP(&opts.Chapters, "chapters", "c", 0, "number of chapters, 1-15 (default from config)")
	cmd.Flags().IntVar(&opts.WordsPerChapter, "words", 0, "target words per chapter, 300-3000 (default from config)")
	cmd.Flags().StringVar(&mode, "mode", "", "conflict mode: automatic or human_reviewed (default from config)")
	cmd.Flags().BoolVar(&autoMode, "auto-mode", false, "resolve conflicts automatically and answer every decision with its first option")
	cmd.Flags().BoolVar(&skipEstimate, "skip-cost-estimate", false, "do not show the token and cost estimate")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&detach, "detach", false, "only create the project; run it later with sl resume")
	return cmd
}

// drive runs a project in the foreground. An interrupt leaves it at its last
// checkpoint.
func drive(ctx context.Context, runner *engine.Runner, projectID string) error {
	p, err := runner.Drive(ctx, projectID)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			fmt.Printf("interrupted; continue with: sl resume --project %s\n", projectID)
			return nil
		}
		if p.ID != "" {
			_ = printProject(p)
		}
		return err
	}
	return printProject(p)
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "Where the project stands: phase, chapter, attempts, accepted stages and any decision it waits on.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				p, err := a.Engine.GetProject(ctx, id)
				if err != nil {
					return err
				}
				if err := printProject(p); err != nil || viper.GetBool("json") {
					return err
				}
				if len(p.Completed) == 0 {
					return nil
				}
				fmt.Println()
				tw := newTable("Stage", "Chapter", "Title", "Artifact")
				for _, ref := range p.Completed {
					chapter := ""
					if ref.Kind == domain.StageChapter {
						chapter = fmt.Sprint(ref.Chapter)
					}
					tw.AppendRow(table.Row{ref.Kind, chapter, truncate(ref.Title, 40), ref.ArtifactID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func listCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Theme", "Status", "Phase", "Chapter", "Updated")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, truncate(p.Theme, 40), p.Status, p.Phase, fmt.Sprintf("%d/%d", p.CurrentChapter, p.TargetChapters), p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func resumeCmd() *cobra.Command {
	var autoDecide bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a running project from its last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				p, err := a.Engine.GetProject(ctx, id)
				if err != nil {
					return err
				}
				if p.Status == domain.StatusPaused {
					fmt.Println("project is waiting on a decision")
					return printProject(p)
				}
				if p.Status != domain.StatusRunning {
					return fmt.Errorf("project %s is %s", p.ID, p.Status)
				}
				return drive(ctx, a.Runner(autoDecide), id)
			})
		},
	}
	cmd.Flags().BoolVar(&autoDecide, "auto-decide", false, "answer every decision with its first option")
	return cmd
}

func runCmd() *cobra.Command {
	var all, autoDecide bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive running projects concurrently",
		Long:  "With --all, drives every running project of the workspace, at most pool.max_projects at a time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all {
				return fmt.Errorf("--all required; use sl resume for a single project")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				running, err := a.Engine.ListProjects(ctx, string(domain.StatusRunning))
				if err != nil {
					return err
				}
				if len(running) == 0 {
					fmt.Println("no running projects")
					return nil
				}
				ids := make([]string, len(running))
				for i, p := range running {
					ids[i] = p.ID
				}
				results, runErr := a.Runner(autoDecide).RunAll(ctx, ids)
				if viper.GetBool("json") {
					if err := printJSON(results); err != nil {
						return err
					}
					return runErr
				}
				tw := newTable("ID", "Status", "Reason")
				for i, p := range results {
					tw.AppendRow(table.Row{ids[i], p.Status, p.StatusReason})
				}
				tw.Render()
				return runErr
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "run every running project")
	cmd.Flags().BoolVar(&autoDecide, "auto-decide", false, "answer every decision with its first option")
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a project",
		Long:  "A paused project is cancelled at once; a running one stops at its next stage boundary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				p, err := a.Engine.Cancel(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if p.Status == domain.StatusRunning && !viper.GetBool("json") {
					fmt.Println("cancel requested; it takes effect at the next stage boundary")
				}
				return printProject(p)
			})
		},
	}
	return cmd
}

func deleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project with its artifacts, facts and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, id string) error {
				p, err := a.Engine.GetProject(ctx, id)
				if err != nil {
					return err
				}
				if p.Status == domain.StatusRunning && !force {
					return fmt.Errorf("project %s is running; cancel it first or pass --force", id)
				}
				if err := a.Engine.DeleteProject(ctx, id); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even when running")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
