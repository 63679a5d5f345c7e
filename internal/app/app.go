// Package app wires a workspace into a ready engine: database, config,
// collaborator clients and the shared generation pool.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/engine"
	"storyline/internal/generation"
	"storyline/internal/logging"
	"storyline/internal/migrate"
	"storyline/internal/pool"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/storyline.yml.
	ConfigPath string
	// Generator and Scorer replace the HTTP collaborators when set.
	Generator generation.Generator
	Scorer    generation.Scorer
}

type App struct {
	DB     *sql.DB
	Config *config.Config
	Env    config.Env
	Engine engine.Engine
	Pool   *pool.Pool
	Log    *slog.Logger
}

// Open migrates the workspace database and builds the engine. Every
// collaborator call of every project goes through one pool of pool.size
// tokens.
func Open(opts Options) (*App, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	gen, scorer := opts.Generator, opts.Scorer
	if gen == nil || scorer == nil {
		client := generation.NewClient(generation.ClientConfig{URL: env.GenerationURL, APIKey: env.APIKey, Model: env.Model, Timeout: env.GenerationTimeout})
		if gen == nil {
			gen = generation.LLMGenerator{Client: client}
		}
		if scorer == nil {
			scorerClient := client
			if env.ScorerModel != env.Model {
				scorerClient = generation.NewClient(generation.ClientConfig{URL: env.GenerationURL, APIKey: env.APIKey, Model: env.ScorerModel, Timeout: env.GenerationTimeout})
			}
			scorer = generation.LLMScorer{Client: scorerClient}
		}
	}
	p := pool.New(cfg.Pool.Size)
	limited := generation.Limited{Generator: gen, Scorer: scorer, Pool: p}

	e := engine.New(conn, cfg, limited, limited)
	e.Log = logging.New("engine")
	return &App{DB: conn, Config: cfg, Env: env, Engine: e, Pool: p, Log: logging.New("app")}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Runner returns a runner bounded by pool.max_projects.
func (a *App) Runner(autoDecide bool) *engine.Runner {
	return engine.NewRunner(a.Engine, a.Config.Pool.MaxProjects, autoDecide || a.Config.Pipeline.AutoDecide)
}

func (a *App) Close() error {
	return a.DB.Close()
}
