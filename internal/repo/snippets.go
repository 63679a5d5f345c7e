package repo

import (
	"context"
	"time"
)

// Snippet is one indexed document of the semantic context index.
type Snippet struct {
	ID               int64
	ProjectID        string
	SourceArtifactID string
	Body             string
	Terms            string
	CreatedAt        string
}

func (r Repo) InsertSnippet(ctx context.Context, s Snippet) (int64, error) {
	if s.CreatedAt == "" {
		s.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO snippets(project_id,source_artifact_id,body,terms,created_at) VALUES (?,?,?,?,?)`,
		s.ProjectID, s.SourceArtifactID, s.Body, s.Terms, s.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSnippets returns the project's indexed documents, oldest first.
func (r Repo) ListSnippets(ctx context.Context, projectID string) ([]Snippet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,source_artifact_id,body,terms,created_at FROM snippets WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Snippet
	for rows.Next() {
		var s Snippet
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.SourceArtifactID, &s.Body, &s.Terms, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
