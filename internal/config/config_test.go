package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"storyline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	p := cfg.Policy(domain.StageChapter)
	if p.Threshold != 80 || p.MaxRetries != 2 {
		t.Fatalf("chapter policy = %+v", p)
	}
	if !cfg.IsImmutable("origin") || cfg.IsImmutable("location") {
		t.Fatalf("unexpected immutable attributes %v", cfg.Consistency.ImmutableAttributes)
	}
	if !cfg.IsTerminal("status", "dead") || cfg.IsTerminal("status", "alive") {
		t.Fatalf("unexpected terminal values %v", cfg.Consistency.TerminalValues)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("pipeline:\n  mode: automatic\n  chapters: 5\nstages:\n  chapter:\n    threshold: 90\n    max_retries: 1\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Mode() != domain.ModeAutomatic || cfg.Pipeline.Chapters != 5 {
		t.Fatalf("pipeline not applied: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.RetryFactor != 3 || cfg.Context.SemanticK != 5 {
		t.Fatalf("defaults lost: retry_factor=%d k=%d", cfg.Pipeline.RetryFactor, cfg.Context.SemanticK)
	}
	if p := cfg.Policy(domain.StageChapter); p.Threshold != 90 || p.MaxRetries != 1 {
		t.Fatalf("chapter policy = %+v", p)
	}
	if p := cfg.Policy(domain.StageWorld); p.Threshold != 70 {
		t.Fatalf("world policy = %+v", p)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"mode":          "pipeline:\n  mode: yolo\n",
		"chapters":      "pipeline:\n  chapters: 16\n",
		"words":         "pipeline:\n  words_per_chapter: 100\n",
		"safety margin": "pipeline:\n  safety_margin: 0\n",
		"threshold":     "stages:\n  chapter:\n    threshold: 101\n",
		"stage kind":    "stages:\n  epilogue:\n    threshold: 50\n",
		"webhook":       "webhooks:\n  - events: [project.completed]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.MinImprovement = 0
	doc, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Pipeline.MinImprovement != 0 {
		t.Fatalf("min_improvement = %d", again.Pipeline.MinImprovement)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected default config, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "storyline.yml"), []byte("pipeline:\n  chapters: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.Chapters != 2 {
		t.Fatalf("chapters = %d", cfg.Pipeline.Chapters)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("STORYLINE_MODEL", "local-model")
	t.Setenv("STORYLINE_GENERATION_TIMEOUT", "5s")
	t.Setenv("STORYLINE_LOG_LEVEL", "warn")
	e, err := LoadEnv()
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if e.Model != "local-model" || e.ScorerModel != "local-model" {
		t.Fatalf("models = %q %q", e.Model, e.ScorerModel)
	}
	if e.GenerationTimeout != 5*time.Second {
		t.Fatalf("timeout = %s", e.GenerationTimeout)
	}
	if e.SlogLevel() != slog.LevelWarn {
		t.Fatalf("level = %v", e.SlogLevel())
	}
}
