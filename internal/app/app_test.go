package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"storyline/internal/consistency"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/generation"
)

type nopGen struct{}

func (nopGen) Generate(context.Context, generation.PromptSpec, consistency.Bundle, generation.Style) (string, error) {
	return "", nil
}

func (nopGen) Score(context.Context, domain.Artifact, consistency.Bundle) (domain.Score, error) {
	return domain.Score{}, nil
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := "pipeline:\n  chapters: 5\n  mode: automatic\npool:\n  size: 2\n  max_projects: 3\n"
	if err := os.WriteFile(filepath.Join(dir, "storyline.yml"), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := Open(Options{Workspace: dir, Generator: nopGen{}, Scorer: nopGen{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Pipeline.Chapters != 5 || a.Config.Mode() != domain.ModeAutomatic {
		t.Fatalf("config not loaded: %+v", a.Config.Pipeline)
	}
	if a.Pool.Size() != 2 {
		t.Fatalf("pool size = %d", a.Pool.Size())
	}
	p, err := a.Engine.StartProject(context.Background(), engine.StartOptions{Theme: "tides"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.TargetChapters != 5 || p.Mode != domain.ModeAutomatic {
		t.Fatalf("project ignores workspace defaults: %+v", p)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	if err := os.WriteFile(path, []byte("pipeline:\n  mode: sometimes\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Open(Options{Workspace: dir, ConfigPath: path, Generator: nopGen{}, Scorer: nopGen{}})
	if err == nil || !strings.Contains(err.Error(), "mode") {
		t.Fatalf("expected mode validation error, got %v", err)
	}
}

func TestResolveProject(t *testing.T) {
	a, err := Open(Options{Workspace: t.TempDir(), Generator: nopGen{}, Scorer: nopGen{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	if _, err := ResolveProject(ctx, a.Engine.Repo, ""); err == nil {
		t.Fatal("expected error for empty workspace")
	}
	if _, err := a.Engine.StartProject(ctx, engine.StartOptions{ID: "one", Theme: "tides"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	id, err := ResolveProject(ctx, a.Engine.Repo, "")
	if err != nil || id != "one" {
		t.Fatalf("single project: %q %v", id, err)
	}
	if _, err := a.Engine.StartProject(ctx, engine.StartOptions{ID: "two", Theme: "ash"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := ResolveProject(ctx, a.Engine.Repo, ""); err == nil {
		t.Fatal("expected ambiguity error")
	}
	if id, err := ResolveProject(ctx, a.Engine.Repo, "two"); err != nil || id != "two" {
		t.Fatalf("override: %q %v", id, err)
	}
	if _, err := ResolveProject(ctx, a.Engine.Repo, "three"); err == nil {
		t.Fatal("expected not found")
	}
}
