package repo

import (
	"context"
	"database/sql"
	"strings"

	"storyline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

type EventFilter struct {
	ProjectID string
	Type      string
	AfterID   int64
	Limit     int
}

// ListEvents returns events in append order.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"id>?"}
	args := []any{f.AfterID}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// LatestEvents returns the newest limit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	if projectID == "" {
		return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE project_id=? ORDER BY id DESC LIMIT ?`, projectID, limit)
}

// EventsAfter is the cursor read used by webhook delivery.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, projectID string) ([]domain.Event, error) {
	return r.ListEvents(ctx, EventFilter{ProjectID: projectID, AfterID: afterID, Limit: limit})
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	var id int64
	var err error
	if projectID == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID).Scan(&id)
	}
	return id, err
}

func (r Repo) CountEvents(ctx context.Context, projectID, eventType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE project_id=? AND type=?`, projectID, eventType).Scan(&n)
	return n, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.ProjectID, &ev.EntityKind, &ev.EntityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

var _ DBTX = (*sql.Tx)(nil)
