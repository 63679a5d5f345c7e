package repo

import (
	"context"
	"database/sql"
	"sort"

	"storyline/internal/domain"
)

const factColumns = `seq,project_id,entity_kind,entity,attribute,value,source_artifact_id,chapter,recorded_at`

func scanFact(row interface{ Scan(...any) error }) (domain.FactEntry, error) {
	var f domain.FactEntry
	err := row.Scan(&f.Seq, &f.ProjectID, &f.Entity.Kind, &f.Entity.Name, &f.Attribute, &f.Value, &f.SourceArtifactID, &f.Chapter, &f.RecordedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

// InsertFactTx appends a fact entry and returns its sequence number.
func (r Repo) InsertFactTx(ctx context.Context, tx *sql.Tx, f domain.FactEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO facts(project_id,entity_kind,entity,attribute,value,source_artifact_id,chapter,recorded_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.ProjectID, f.Entity.Kind, f.Entity.Name, f.Attribute, f.Value, f.SourceArtifactID, f.Chapter, f.RecordedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CurrentFact returns the entry with the highest chapter for the slot, ties
// broken by insertion order.
func (r Repo) CurrentFact(ctx context.Context, q DBTX, projectID string, entity domain.EntityRef, attribute string) (domain.FactEntry, error) {
	if q == nil {
		q = r.DB
	}
	return scanFact(q.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE project_id=? AND entity_kind=? AND entity=? AND attribute=? ORDER BY chapter DESC, seq DESC LIMIT 1`,
		projectID, entity.Kind, entity.Name, attribute))
}

// CurrentFacts returns the current value of every attribute of entity.
func (r Repo) CurrentFacts(ctx context.Context, q DBTX, projectID string, entity domain.EntityRef) ([]domain.FactEntry, error) {
	if q == nil {
		q = r.DB
	}
	rows, err := q.QueryContext(ctx, `SELECT `+factColumns+` FROM facts WHERE project_id=? AND entity_kind=? AND entity=? ORDER BY seq`,
		projectID, entity.Kind, entity.Name)
	if err != nil {
		return nil, err
	}
	return currentOf(rows)
}

// ListCurrentFacts returns the current value of every slot in the project,
// ordered by entity then attribute.
func (r Repo) ListCurrentFacts(ctx context.Context, projectID string) ([]domain.FactEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+factColumns+` FROM facts WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return nil, err
	}
	return currentOf(rows)
}

// FactHistory returns every entry ever recorded for the slot, oldest first.
func (r Repo) FactHistory(ctx context.Context, projectID string, entity domain.EntityRef, attribute string) ([]domain.FactEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+factColumns+` FROM facts WHERE project_id=? AND entity_kind=? AND entity=? AND attribute=? ORDER BY seq`,
		projectID, entity.Kind, entity.Name, attribute)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FactEntry
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// CountFactsFrom counts entries recorded from the given artifact.
func (r Repo) CountFactsFrom(ctx context.Context, artifactID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE source_artifact_id=?`, artifactID).Scan(&n)
	return n, err
}

// FactSnapshot reports the highest sequence number and the number of
// distinct slots recorded so far.
func (r Repo) FactSnapshot(ctx context.Context, q DBTX, projectID string) (domain.FactSnapshot, error) {
	if q == nil {
		q = r.DB
	}
	var s domain.FactSnapshot
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0), (SELECT COUNT(*) FROM (SELECT DISTINCT entity_kind,entity,attribute FROM facts WHERE project_id=?)) FROM facts WHERE project_id=?`,
		projectID, projectID).Scan(&s.ThroughSeq, &s.FactCount)
	return s, err
}

func currentOf(rows *sql.Rows) ([]domain.FactEntry, error) {
	defer rows.Close()
	current := map[string]domain.FactEntry{}
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		prev, ok := current[f.Key()]
		if !ok || f.Chapter > prev.Chapter || (f.Chapter == prev.Chapter && f.Seq > prev.Seq) {
			current[f.Key()] = f
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.FactEntry, 0, len(current))
	for _, f := range current {
		res = append(res, f)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Entity.String() != res[j].Entity.String() {
			return res[i].Entity.String() < res[j].Entity.String()
		}
		return res[i].Attribute < res[j].Attribute
	})
	return res, nil
}
