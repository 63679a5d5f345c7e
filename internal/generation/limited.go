package generation

import (
	"context"

	"storyline/internal/consistency"
	"storyline/internal/domain"
	"storyline/internal/pool"
)

// Limited routes every call through a shared pool so concurrent projects
// never exceed the collaborator's capacity.
type Limited struct {
	Generator Generator
	Scorer    Scorer
	Pool      *pool.Pool
}

func (l Limited) Generate(ctx context.Context, spec PromptSpec, bundle consistency.Bundle, style Style) (string, error) {
	var out string
	err := l.Pool.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.Generator.Generate(ctx, spec, bundle, style)
		return err
	})
	return out, err
}

func (l Limited) Score(ctx context.Context, a domain.Artifact, reference consistency.Bundle) (domain.Score, error) {
	var out domain.Score
	err := l.Pool.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.Scorer.Score(ctx, a, reference)
		return err
	})
	return out, err
}
