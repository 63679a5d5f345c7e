package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storyline/internal/domain"
)

// ErrDecisionPending is returned when a project already has an open decision.
var ErrDecisionPending = errors.New("project already has a pending decision")

func scanDecision(row interface{ Scan(...any) error }) (domain.Decision, error) {
	var (
		d       domain.Decision
		payload string
	)
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return d, fmt.Errorf("decode decision: %w", err)
	}
	return d, nil
}

// UpsertDecisionTx inserts a decision or overwrites it with its resolved form.
func (r Repo) UpsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO decisions(id,project_id,kind,status,payload_json,choice,decided_by,created_at,resolved_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, payload_json=excluded.payload_json, choice=excluded.choice, decided_by=excluded.decided_by, resolved_at=excluded.resolved_at`,
		d.ID, d.ProjectID, d.Kind, d.Status, string(payload), nullable(d.Choice), nullable(d.DecidedBy), d.CreatedAt, nullable(d.ResolvedAt))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrDecisionPending
	}
	return err
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	return scanDecision(r.DB.QueryRowContext(ctx, `SELECT payload_json FROM decisions WHERE id=?`, id))
}

// PendingDecision returns the open decision of the project, if any.
func (r Repo) PendingDecision(ctx context.Context, projectID string) (domain.Decision, error) {
	return scanDecision(r.DB.QueryRowContext(ctx, `SELECT payload_json FROM decisions WHERE project_id=? AND status='pending'`, projectID))
}

func (r Repo) ListDecisions(ctx context.Context, projectID string) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json FROM decisions WHERE project_id=? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

const conflictColumns = `id,project_id,artifact_id,entity_kind,entity,attribute,COALESCE(prior_seq,0),prior_value,claimed_value,chapter,severity,resolution,COALESCE(action,''),reason,created_at,COALESCE(resolved_at,'')`

func scanConflict(row interface{ Scan(...any) error }) (domain.ConflictReport, error) {
	var (
		c          domain.ConflictReport
		priorSeq   int64
		priorValue sql.NullString
	)
	err := row.Scan(&c.ID, &c.ProjectID, &c.ArtifactID, &c.Claim.Entity.Kind, &c.Claim.Entity.Name, &c.Claim.Attribute,
		&priorSeq, &priorValue, &c.Claim.Value, &c.Claim.Chapter, &c.Severity, &c.Resolution, &c.Action, &c.Reason, &c.CreatedAt, &c.ResolvedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Claim.ProjectID = c.ProjectID
	c.Claim.SourceArtifactID = c.ArtifactID
	if priorValue.Valid {
		c.Prior = &domain.FactEntry{
			Seq:       priorSeq,
			ProjectID: c.ProjectID,
			Entity:    c.Claim.Entity,
			Attribute: c.Claim.Attribute,
			Value:     priorValue.String,
		}
	}
	return c, nil
}

func (r Repo) InsertConflictTx(ctx context.Context, tx *sql.Tx, c domain.ConflictReport) error {
	var priorSeq, priorValue any
	if c.Prior != nil {
		priorSeq = nullableInt64(c.Prior.Seq)
		priorValue = c.Prior.Value
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO conflicts(id,project_id,artifact_id,entity_kind,entity,attribute,prior_seq,prior_value,claimed_value,chapter,severity,resolution,action,reason,created_at,resolved_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.ArtifactID, c.Claim.Entity.Kind, c.Claim.Entity.Name, c.Claim.Attribute, priorSeq, priorValue,
		c.Claim.Value, c.Claim.Chapter, c.Severity, c.Resolution, nullable(c.Action), c.Reason, c.CreatedAt, nullable(c.ResolvedAt))
	return err
}

// ResolveConflictTx records how a previously stored conflict was settled.
func (r Repo) ResolveConflictTx(ctx context.Context, tx *sql.Tx, id string, resolution domain.Resolution, action, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE conflicts SET resolution=?, action=?, resolved_at=? WHERE id=?`, resolution, action, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ConflictFilter struct {
	ProjectID  string
	ArtifactID string
	Resolution domain.Resolution
}

func (r Repo) ListConflicts(ctx context.Context, f ConflictFilter) ([]domain.ConflictReport, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.ArtifactID != "" {
		clauses = append(clauses, "artifact_id=?")
		args = append(args, f.ArtifactID)
	}
	if f.Resolution != "" {
		clauses = append(clauses, "resolution=?")
		args = append(args, f.Resolution)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConflictReport
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
