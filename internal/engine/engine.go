// Package engine is the workflow orchestrator. It owns the project state,
// sequences stages and the chapter loop, and checkpoints after every
// transition so a run can stop at any boundary and continue in another
// process.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyline/internal/config"
	"storyline/internal/consistency"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/factstore"
	"storyline/internal/faults"
	"storyline/internal/gate"
	"storyline/internal/generation"
	"storyline/internal/logging"
	"storyline/internal/repo"
	"storyline/internal/stage"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Store     *factstore.SQLStore
	Generator generation.Generator
	Scorer    generation.Scorer
	Config    *config.Config
	Log       *slog.Logger
	Now       func() time.Time
	NewID     func() string
	Sleep     func(ctx context.Context, d time.Duration) error
}

func New(db *sql.DB, cfg *config.Config, gen generation.Generator, scorer generation.Scorer) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{},
		Store:     factstore.New(r, nil),
		Generator: gen,
		Scorer:    scorer,
		Config:    cfg,
		Log:       logging.New("engine"),
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *slog.Logger {
	if e.Log == nil {
		return logging.Discard()
	}
	return e.Log
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// projectConfig returns the policy snapshot taken when the project started.
func (e Engine) projectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	doc, err := e.Repo.ProjectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc) == "" {
		return e.config(), nil
	}
	cfg, err := config.FromYAML([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("project %s policy: %w", projectID, err)
	}
	return cfg, nil
}

// pipeline builds the per-project collaborators bound to cfg.
func (e Engine) pipeline(cfg *config.Config) (*stage.Executor, gate.Controller) {
	ce := &consistency.Engine{
		Store:  e.Store,
		Config: cfg,
		Log:    logging.New("consistency"),
		Now:    e.Now,
		NewID:  e.NewID,
	}
	x := &stage.Executor{
		Consistency: ce,
		Generator:   e.Generator,
		Scorer:      e.Scorer,
		Config:      cfg,
		Log:         logging.New("stage"),
		Now:         e.Now,
		NewID:       e.NewID,
		Sleep:       e.Sleep,
	}
	return x, gate.Controller{Config: cfg}
}

// StartOptions are parameters for starting a project. Zero values take the
// workspace policy defaults.
type StartOptions struct {
	ID              string
	Theme           string
	Style           string
	Chapters        int
	WordsPerChapter int
	Mode            domain.ConflictMode
	ActorID         string
}

// StartProject validates the request and stores the initial checkpoint. It
// does not run any stage.
func (e Engine) StartProject(ctx context.Context, opts StartOptions) (domain.Project, error) {
	cfg := *e.config()
	if strings.TrimSpace(opts.Theme) == "" {
		return domain.Project{}, faults.New(faults.CodeInvalidInput, "theme is required")
	}
	if opts.Chapters == 0 {
		opts.Chapters = cfg.Pipeline.Chapters
	}
	if opts.WordsPerChapter == 0 {
		opts.WordsPerChapter = cfg.Pipeline.WordsPerChapter
	}
	if opts.Mode == "" {
		opts.Mode = cfg.Mode()
	}
	if opts.Chapters < 1 || opts.Chapters > 15 {
		return domain.Project{}, faults.Newf(faults.CodeInvalidInput, "chapters must be between 1 and 15, got %d", opts.Chapters)
	}
	if opts.WordsPerChapter < 300 || opts.WordsPerChapter > 3000 {
		return domain.Project{}, faults.Newf(faults.CodeInvalidInput, "words per chapter must be between 300 and 3000, got %d", opts.WordsPerChapter)
	}
	if opts.Mode != domain.ModeAutomatic && opts.Mode != domain.ModeHumanReviewed {
		return domain.Project{}, faults.Newf(faults.CodeInvalidInput, "mode must be automatic or human_reviewed, got %q", opts.Mode)
	}
	cfg.Pipeline.Chapters = opts.Chapters
	cfg.Pipeline.WordsPerChapter = opts.WordsPerChapter
	cfg.Pipeline.Mode = string(opts.Mode)
	snapshot, err := cfg.Marshal()
	if err != nil {
		return domain.Project{}, err
	}

	now := e.stamp()
	id := opts.ID
	if opts.ID != "" {
		if _, err := e.Repo.GetProject(ctx, opts.ID); err == nil {
			return domain.Project{}, faults.Newf(faults.CodeInvalidState, "project %s already exists", opts.ID)
		} else if !IsNotFound(err) {
			return domain.Project{}, err
		}
	}
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Theme+"|"+e.now().UTC().Format(time.RFC3339Nano))).String()
	}
	p := domain.Project{
		ID:              id,
		Theme:           strings.TrimSpace(opts.Theme),
		Style:           opts.Style,
		TargetChapters:  opts.Chapters,
		WordsPerChapter: opts.WordsPerChapter,
		Mode:            opts.Mode,
		Status:          domain.StatusRunning,
		Phase:           domain.PhaseInitializing,
		MaxIterations:   opts.Chapters * cfg.Pipeline.RetryFactor,
		SafetyMargin:    cfg.Pipeline.SafetyMargin,
		Completed:       []domain.ArtifactRef{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p, snapshot); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type: events.ProjectCreated, ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"theme": p.Theme, "chapters": p.TargetChapters, "words_per_chapter": p.WordsPerChapter, "mode": p.Mode},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project started", "project", p.ID, "chapters", p.TargetChapters, "mode", p.Mode)
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, status string) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, status)
}

// PendingDecision returns the decision a paused project waits on, or nil.
func (e Engine) PendingDecision(ctx context.Context, projectID string) (*domain.Decision, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusPaused {
		return nil, nil
	}
	return p.PendingDecision, nil
}

// Cancel stops a project at its next stage boundary. A paused project holds
// no work in flight and is cancelled at once. A step committing at the same
// moment makes it re-read the project once before giving up.
func (e Engine) Cancel(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	p, err := e.cancel(ctx, projectID, actorID)
	if errors.Is(err, repo.ErrVersionConflict) {
		e.log().Debug("project moved during cancel, retrying", "project", projectID)
		p, err = e.cancel(ctx, projectID, actorID)
		if errors.Is(err, repo.ErrVersionConflict) {
			return p, faults.Wrap(faults.CodeInvalidState, "project changed while cancelling", err)
		}
	}
	return p, err
}

func (e Engine) cancel(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	switch p.Status {
	case domain.StatusRunning:
		if p.CancelRequested {
			return p, nil
		}
		p.CancelRequested = true
		t := &transition{}
		t.event(events.ProjectCancelAsked, "project", p.ID, actorID, nil)
		if err := e.commit(ctx, &p, t); err != nil {
			return p, err
		}
		return p, nil
	case domain.StatusPaused:
		t := &transition{}
		if d := p.PendingDecision; d != nil {
			resolved := *d
			resolved.Status = "resolved"
			resolved.Choice = "cancel"
			resolved.DecidedBy = actorID
			resolved.ResolvedAt = e.stamp()
			t.decision = &resolved
		}
		if err := e.finish(ctx, &p, t, domain.StatusCancelled, "cancelled by "+actorOr(actorID), actorID); err != nil {
			return p, err
		}
		return p, nil
	default:
		return p, faults.Newf(faults.CodeInvalidState, "project %s is %s", p.ID, p.Status)
	}
}

// DeleteProject removes a project and everything recorded for it.
func (e Engine) DeleteProject(ctx context.Context, projectID string) error {
	if err := e.Repo.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	e.log().Info("project deleted", "project", projectID)
	return nil
}

// Manuscript returns the accepted chapters in order plus the fact snapshot
// reference they were written against.
func (e Engine) Manuscript(ctx context.Context, projectID string) (domain.Manuscript, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Manuscript{}, err
	}
	m := domain.Manuscript{ProjectID: p.ID, Title: p.Spine.Title, Status: p.Status, Chapters: []domain.Chapter{}}
	for _, ref := range p.Completed {
		if ref.Kind != domain.StageChapter {
			continue
		}
		a, err := e.Repo.GetArtifact(ctx, ref.ArtifactID)
		if err != nil {
			return m, fmt.Errorf("load chapter %d: %w", ref.Chapter, err)
		}
		if a.Fields.Chapter != nil {
			m.Chapters = append(m.Chapters, *a.Fields.Chapter)
		}
	}
	if p.FactSnapshot != nil {
		m.FactSnapshot = *p.FactSnapshot
	} else {
		snap, err := e.Repo.FactSnapshot(ctx, nil, p.ID)
		if err != nil {
			return m, err
		}
		m.FactSnapshot = snap
	}
	return m, nil
}

func actorOr(actorID string) string {
	if actorID == "" {
		return "orchestrator"
	}
	return actorID
}

// IsNotFound reports whether err means the project or record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

func errBusy(projectID string) error {
	return faults.Newf(faults.CodeInvalidState, "project %s is already running", projectID)
}
