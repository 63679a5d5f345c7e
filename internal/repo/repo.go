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

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the stored checkpoint moved since it was read.
	ErrVersionConflict = errors.New("project state version conflict")
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const projectColumns = `state_json,version`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var (
		p       domain.Project
		state   string
		version int
	)
	err := row.Scan(&state, &version)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(state), &p); err != nil {
		return p, fmt.Errorf("decode project state: %w", err)
	}
	p.Version = version
	return p, nil
}

// InsertProjectTx stores a new project checkpoint together with the policy
// snapshot it runs under.
func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project, configYAML string) error {
	state, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode project state: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,status,phase,stage,current_chapter,iteration_count,state_json,config_yaml,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Status, p.Phase, p.Stage, p.CurrentChapter, p.IterationCount, string(state), configYAML, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	return err
}

// SaveProjectTx writes the checkpoint if nobody else has written since p was
// read, and bumps p.Version.
func (r Repo) SaveProjectTx(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
	expected := p.Version
	p.Version = expected + 1
	state, err := json.Marshal(p)
	if err != nil {
		p.Version = expected
		return fmt.Errorf("encode project state: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?,phase=?,stage=?,current_chapter=?,iteration_count=?,state_json=?,version=?,updated_at=? WHERE id=? AND version=?`,
		p.Status, p.Phase, p.Stage, p.CurrentChapter, p.IterationCount, string(state), p.Version, p.UpdatedAt, p.ID, expected)
	if err != nil {
		p.Version = expected
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		p.Version = expected
		if _, err := r.getProject(ctx, tx, p.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return r.getProject(ctx, tx, id)
}

func (r Repo) getProject(ctx context.Context, q DBTX, id string) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// ProjectConfig returns the policy YAML snapshot stored at project start.
func (r Repo) ProjectConfig(ctx context.Context, id string) (string, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM projects WHERE id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return doc, err
}

// ListProjects returns projects, newest first, optionally filtered by status.
func (r Repo) ListProjects(ctx context.Context, status string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project of the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx, "")
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func marshalOptional(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
