package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyline/internal/app"
	"storyline/internal/config"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect pipeline policy",
		Long:  "storyline.yml holds the gate thresholds, retry budgets, consistency rules, pool sizes and webhooks. Each project keeps a snapshot of the policy it was started with.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config, or a project's snapshot with --project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID := viper.GetString("project")
				if projectID == "" {
					return printConfig(a.Config)
				}
				raw, err := a.Engine.Repo.ProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				snap, err := config.FromYAML([]byte(raw))
				if err != nil {
					return err
				}
				return printConfig(snap)
			})
		},
	}
	return cmd
}

func printConfig(cfg *config.Config) error {
	if viper.GetBool("json") {
		return printJSON(cfg)
	}
	out, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(path)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default storyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
