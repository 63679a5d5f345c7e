package engine

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"storyline/internal/domain"
	"storyline/internal/pool"
)

// AutoDecider is the actor recorded for decisions taken without a human.
const AutoDecider = "auto-decider"

// Runner drives several projects at once, bounded by a token pool, and makes
// sure a project is never driven by two goroutines of the same process.
type Runner struct {
	Engine Engine
	// AutoDecide picks the first option of every decision instead of
	// leaving the project paused.
	AutoDecide bool

	slots  *pool.Pool
	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

func NewRunner(e Engine, maxProjects int, autoDecide bool) *Runner {
	if maxProjects < 1 {
		maxProjects = 1
	}
	return &Runner{
		Engine:     e,
		AutoDecide: autoDecide,
		slots:      pool.New(maxProjects),
		active:     map[string]struct{}{},
	}
}

func (r *Runner) claim(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[projectID]; busy {
		return false
	}
	r.active[projectID] = struct{}{}
	return true
}

func (r *Runner) release(projectID string) {
	r.mu.Lock()
	delete(r.active, projectID)
	r.mu.Unlock()
}

// Active reports whether projectID is being driven right now.
func (r *Runner) Active(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[projectID]
	return ok
}

// Start drives projectID in the background. It returns false when the
// project is already being driven.
func (r *Runner) Start(ctx context.Context, projectID string) bool {
	if !r.claim(projectID) {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(projectID)
		err := r.slots.Do(ctx, func(ctx context.Context) error {
			_, err := r.drive(ctx, projectID)
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			r.Engine.log().Error("project run stopped", "project", projectID, "err", err)
		}
	}()
	return true
}

// Wait blocks until every run started with Start has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Drive runs projectID in the calling goroutine until it completes, fails,
// or pauses on a decision nobody answers.
func (r *Runner) Drive(ctx context.Context, projectID string) (domain.Project, error) {
	if !r.claim(projectID) {
		p, _ := r.Engine.GetProject(ctx, projectID)
		return p, errBusy(projectID)
	}
	defer r.release(projectID)
	if err := r.slots.Acquire(ctx); err != nil {
		return domain.Project{}, err
	}
	defer r.slots.Release()
	return r.drive(ctx, projectID)
}

// RunAll drives every listed project, at most pool size at a time. The first
// error is returned after all runs have ended.
func (r *Runner) RunAll(ctx context.Context, projectIDs []string) ([]domain.Project, error) {
	results := make([]domain.Project, len(projectIDs))
	var g errgroup.Group
	g.SetLimit(r.slots.Size())
	for i, id := range projectIDs {
		g.Go(func() error {
			if !r.claim(id) {
				return errBusy(id)
			}
			defer r.release(id)
			p, err := r.drive(ctx, id)
			results[i] = p
			return err
		})
	}
	return results, g.Wait()
}

func (r *Runner) drive(ctx context.Context, projectID string) (domain.Project, error) {
	for {
		p, err := r.Engine.Run(ctx, projectID)
		if err != nil || p.Status != domain.StatusPaused || p.PendingDecision == nil {
			return p, err
		}
		if !r.autoDecide(ctx, projectID) {
			return p, nil
		}
		d := p.PendingDecision
		if len(d.Options) == 0 {
			return p, nil
		}
		r.Engine.log().Info("auto-deciding", "project", projectID, "decision", d.ID, "kind", d.Kind, "choice", d.Options[0].ID)
		if p, err = r.Engine.SubmitDecision(ctx, projectID, d.ID, d.Options[0].ID, AutoDecider); err != nil {
			return p, err
		}
		if p.Status != domain.StatusRunning {
			return p, nil
		}
	}
}

func (r *Runner) autoDecide(ctx context.Context, projectID string) bool {
	if r.AutoDecide {
		return true
	}
	cfg, err := r.Engine.projectConfig(ctx, projectID)
	return err == nil && cfg.Pipeline.AutoDecide
}
