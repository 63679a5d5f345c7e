package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Env is the process-level configuration read from STORYLINE_* variables.
type Env struct {
	GenerationURL     string        `env:"STORYLINE_GENERATION_URL" envDefault:"http://localhost:8321/v1/chat/completions"`
	APIKey            string        `env:"STORYLINE_API_KEY"`
	Model             string        `env:"STORYLINE_MODEL" envDefault:"gpt-4o-2024-08-06"`
	ScorerModel       string        `env:"STORYLINE_SCORER_MODEL"`
	GenerationTimeout time.Duration `env:"STORYLINE_GENERATION_TIMEOUT" envDefault:"120s"`
	LogLevel          string        `env:"STORYLINE_LOG_LEVEL" envDefault:"info"`
	LogFormat         string        `env:"STORYLINE_LOG_FORMAT" envDefault:"text"`
	JWTSecret         string        `env:"STORYLINE_JWT_SECRET"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadEnv parses Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Env{}, err
	}
	if e.ScorerModel == "" {
		e.ScorerModel = e.Model
	}
	return e, nil
}

// SlogLevel maps LogLevel onto slog levels; unknown values mean info.
func (e Env) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(e.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
