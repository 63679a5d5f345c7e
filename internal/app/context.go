package app

import (
	"context"
	"errors"
	"fmt"

	"storyline/internal/repo"
)

// ResolveProject picks the project a command acts on: the override when
// given, otherwise the only project in the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		if _, err := r.GetProject(ctx, override); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("project %s not found", override)
			}
			return "", err
		}
		return override, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no project in workspace; start one with sl start")
		}
		return "", fmt.Errorf("project not specified; use --project")
	}
	return p.ID, nil
}
