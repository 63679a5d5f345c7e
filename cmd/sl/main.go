package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyline/internal/app"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/logging"
	"storyline/internal/telemetry"
)

var shutdownTracing = func(context.Context) error { return nil }

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Storyline CLI",
	Long: `Storyline writes a story in stages and can be stopped and resumed at any point.
Core concepts:
- Workspace: the .storyline directory holding the database; policy lives in storyline.yml next to it.
- Project: one story run. It goes through overview, world, plot and characters, then one chapter at a time.
- Gate: every attempt is scored; low scores are retried with a directive, and a stage that stops improving is handed to you.
- Facts: what the story has established (who is where, who is dead). New chapters are checked against them.
- Decisions: when a project pauses, answer it with 'sl decision submit'.
- Event log: every transition, view with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := config.Env{LogLevel: viper.GetString("log-level")}.SlogLevel()
		logging.Init(level, viper.GetString("log-format"), os.Stderr)
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		shutdown, err := telemetry.Setup(cmd.Context(), "storyline")
		if err != nil {
			logging.New("cli").Warn("tracing disabled", "err", err)
		}
		shutdownTracing = shutdown
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdownTracing(context.Background())
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STORYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/storyline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "project", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(factsCmd())
	rootCmd.AddCommand(conflictsCmd())
	rootCmd.AddCommand(manuscriptCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(estimateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(app.Options{Workspace: viper.GetString("workspace"), ConfigPath: viper.GetString("config")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withProject resolves --project (or the only project) before calling fn.
func withProject(ctx context.Context, fn func(context.Context, *app.App, string) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		id, err := app.ResolveProject(ctx, a.Engine.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, a, id)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

// printProject reports where a project stands and, when paused, what it is
// waiting on.
func printProject(p domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
	if p.StatusReason != "" {
		fmt.Printf("Reason: %s\n", p.StatusReason)
	}
	fmt.Printf("Theme: %s\n", p.Theme)
	switch p.Phase {
	case domain.PhaseChapterLoop:
		fmt.Printf("Position: chapter %d of %d (iteration %d/%d)\n", p.CurrentChapter, p.TargetChapters, p.IterationCount, p.MaxIterations)
	case domain.PhaseStages:
		fmt.Printf("Position: %s stage\n", p.Stage)
	default:
		fmt.Printf("Position: %s\n", p.Phase)
	}
	if p.Attempt.Attempts > 0 {
		fmt.Printf("Attempts on current stage: %d\n", p.Attempt.Attempts)
	}
	if d := p.PendingDecision; d != nil && p.Status == domain.StatusPaused {
		printDecision(*d)
	}
	return nil
}

func printDecision(d domain.Decision) {
	fmt.Printf("\nDecision %s (%s): %s\n", d.ID, d.Code, d.Reason)
	tw := newTable("Choice", "Label")
	for _, o := range d.Options {
		tw.AppendRow(table.Row{o.ID, o.Label})
	}
	tw.Render()
	fmt.Printf("Answer with: sl decision submit --project %s <choice>\n", d.ProjectID)
}
