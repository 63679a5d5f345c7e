package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"storyline/internal/domain"
)

const artifactColumns = `id,project_id,kind,chapter,attempt,status,raw,COALESCE(fields_json,''),COALESCE(score_json,''),COALESCE(proposed_json,''),created_at`

func scanArtifact(row interface{ Scan(...any) error }) (domain.Artifact, error) {
	var (
		a                       domain.Artifact
		fields, score, proposed string
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.Kind, &a.Chapter, &a.Attempt, &a.Status, &a.Raw, &fields, &score, &proposed, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &a.Fields); err != nil {
			return a, fmt.Errorf("decode artifact fields: %w", err)
		}
	}
	if score != "" {
		var s domain.Score
		if err := json.Unmarshal([]byte(score), &s); err != nil {
			return a, fmt.Errorf("decode artifact score: %w", err)
		}
		a.Score = &s
	}
	if proposed != "" {
		if err := json.Unmarshal([]byte(proposed), &a.Proposed); err != nil {
			return a, fmt.Errorf("decode proposed facts: %w", err)
		}
	}
	return a, nil
}

// InsertArtifactTx appends one artifact version; versions are never updated
// except for their status.
func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	fields, err := marshalOptional(a.Fields, a.Fields.Kind() == "")
	if err != nil {
		return fmt.Errorf("encode artifact fields: %w", err)
	}
	score, err := marshalOptional(a.Score, a.Score == nil)
	if err != nil {
		return fmt.Errorf("encode artifact score: %w", err)
	}
	proposed, err := marshalOptional(a.Proposed, len(a.Proposed) == 0)
	if err != nil {
		return fmt.Errorf("encode proposed facts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(id,project_id,kind,chapter,attempt,status,raw,fields_json,score_json,proposed_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Kind, a.Chapter, a.Attempt, a.Status, a.Raw, fields, score, proposed, a.CreatedAt)
	return err
}

// SetArtifactStatusTx moves a draft/scored artifact to its final status.
// Accepted artifacts are immutable, so they never match.
func (r Repo) SetArtifactStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.ArtifactStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET status=? WHERE id=? AND status<>?`, status, id, domain.ArtifactAccepted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w or already accepted", id, ErrNotFound)
	}
	return nil
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
}

func (r Repo) GetArtifactTx(ctx context.Context, tx *sql.Tx, id string) (domain.Artifact, error) {
	return scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
}

type ArtifactFilter struct {
	ProjectID string
	Kind      domain.StageKind
	Status    domain.ArtifactStatus
	Chapter   *int
}

// ListArtifacts returns all versions in creation order.
func (r Repo) ListArtifacts(ctx context.Context, f ArtifactFilter) ([]domain.Artifact, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Chapter != nil {
		clauses = append(clauses, "chapter=?")
		args = append(args, *f.Chapter)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE `+strings.Join(clauses, " AND ")+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
