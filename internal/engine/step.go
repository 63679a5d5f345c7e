package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"storyline/internal/config"
	"storyline/internal/consistency"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/faults"
	"storyline/internal/gate"
	"storyline/internal/repo"
	"storyline/internal/stage"
	"storyline/internal/telemetry"
)

// transition collects every write of one checkpoint so they commit together.
type transition struct {
	artifacts []domain.Artifact
	statuses  []statusChange
	facts     []domain.FactEntry
	conflicts []domain.ConflictReport
	resolved  []domain.ConflictReport
	decision  *domain.Decision
	records   []events.Record
	index     []domain.Artifact
}

type statusChange struct {
	id     string
	status domain.ArtifactStatus
}

func (t *transition) event(typ, kind, id, actor string, payload events.Payload) {
	t.records = append(t.records, events.Record{Type: typ, EntityKind: kind, EntityID: id, ActorID: actor, Payload: payload})
}

// commit writes t and the new checkpoint of p in one transaction. p.Version
// must still match the stored row.
func (e Engine) commit(ctx context.Context, p *domain.Project, t *transition) error {
	p.UpdatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.CodePersistenceFailure, "begin checkpoint", err)
	}
	defer tx.Rollback()

	for _, a := range t.artifacts {
		if err := e.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
			return faults.Wrap(faults.CodePersistenceFailure, "insert artifact "+a.ID, err)
		}
	}
	for _, s := range t.statuses {
		if err := e.Repo.SetArtifactStatusTx(ctx, tx, s.id, s.status); err != nil {
			return faults.Wrap(faults.CodePersistenceFailure, "set artifact status "+s.id, err)
		}
	}
	for _, c := range t.conflicts {
		if err := e.Repo.InsertConflictTx(ctx, tx, c); err != nil {
			return faults.Wrap(faults.CodePersistenceFailure, "insert conflict "+c.ID, err)
		}
	}
	for _, c := range t.resolved {
		if err := e.Repo.ResolveConflictTx(ctx, tx, c.ID, c.Resolution, c.Action, c.ResolvedAt); err != nil {
			return faults.Wrap(faults.CodePersistenceFailure, "resolve conflict "+c.ID, err)
		}
	}
	if len(t.facts) > 0 {
		for _, f := range t.facts {
			if _, err := e.Store.PutTx(ctx, tx, f); err != nil {
				return faults.Wrap(faults.CodePersistenceFailure, "commit fact "+f.Key(), err)
			}
		}
		snap, err := e.Repo.FactSnapshot(ctx, tx, p.ID)
		if err != nil {
			return faults.Wrap(faults.CodePersistenceFailure, "fact snapshot", err)
		}
		p.FactSnapshot = &snap
	}
	if t.decision != nil {
		if err := e.Repo.UpsertDecisionTx(ctx, tx, *t.decision); err != nil {
			if errors.Is(err, repo.ErrDecisionPending) {
				return faults.Wrap(faults.CodeInvalidState, "project already has a pending decision", err)
			}
			return faults.Wrap(faults.CodePersistenceFailure, "store decision", err)
		}
	}
	if err := e.Repo.SaveProjectTx(ctx, tx, p); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) || errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return faults.Wrap(faults.CodePersistenceFailure, "save checkpoint", err)
	}
	for _, rec := range t.records {
		rec.ProjectID = p.ID
		if err := e.Events.Append(ctx, tx, rec); err != nil {
			return faults.Wrap(faults.CodePersistenceFailure, "append event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.CodePersistenceFailure, "commit checkpoint", err)
	}

	for _, a := range t.index {
		if err := e.Store.Index(ctx, p.ID, a.ID, consistency.Documents(a)); err != nil {
			e.log().Warn("semantic index update failed; continuing without it", "project", p.ID, "artifact", a.ID, "err", err)
		}
	}
	return nil
}

// markFailed records a terminal failure on a fresh read of the project. It
// is best effort: the original error is what the caller reports.
func (e Engine) markFailed(ctx context.Context, projectID string, cause error) {
	p, err := e.Repo.GetProject(context.WithoutCancel(ctx), projectID)
	if err != nil || p.Status.Terminal() {
		return
	}
	p.Status = domain.StatusFailed
	p.Phase = domain.PhaseDone
	p.StatusReason = cause.Error()
	p.PendingDecision = nil
	t := &transition{}
	t.event(events.ProjectFailed, "project", p.ID, "", events.Payload{"code": string(faults.CodeOf(cause)), "reason": cause.Error()})
	if err := e.commit(context.WithoutCancel(ctx), &p, t); err != nil {
		e.log().Error("could not record failure", "project", projectID, "cause", cause, "err", err)
		return
	}
	e.log().Error("project failed", "project", projectID, "err", cause)
}

// Run steps the project until it leaves the running state or ctx ends.
func (e Engine) Run(ctx context.Context, projectID string) (domain.Project, error) {
	for {
		if err := ctx.Err(); err != nil {
			p, _ := e.Repo.GetProject(context.WithoutCancel(ctx), projectID)
			return p, err
		}
		p, err := e.Step(ctx, projectID)
		if err != nil {
			return p, err
		}
		if p.Status != domain.StatusRunning {
			return p, nil
		}
	}
}

// Resume continues a running project from its last checkpoint. A project
// waiting on a decision needs SubmitDecision first.
func (e Engine) Resume(ctx context.Context, projectID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	switch p.Status {
	case domain.StatusRunning:
		e.log().Info("resuming project", "project", p.ID, "phase", p.Phase, "stage", stage.Describe(p.Stage, p.CurrentChapter))
		return e.Run(ctx, projectID)
	case domain.StatusPaused:
		return p, faults.Newf(faults.CodeInvalidState, "project %s is waiting on decision %s", p.ID, decisionID(p.PendingDecision))
	default:
		return p, faults.Newf(faults.CodeInvalidState, "project %s is %s", p.ID, p.Status)
	}
}

// Step performs exactly one transition of a running project and checkpoints
// it.
func (e Engine) Step(ctx context.Context, projectID string) (p domain.Project, err error) {
	ctx, span := telemetry.Tracer("engine").Start(ctx, "engine.Step")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(faults.CodeOf(err)))
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("project", projectID))

	p, err = e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if p.Status != domain.StatusRunning {
		return p, faults.Newf(faults.CodeInvalidState, "project %s is %s", p.ID, p.Status)
	}
	if p.CancelRequested {
		err = e.finish(ctx, &p, &transition{}, domain.StatusCancelled, "cancelled at stage boundary", "")
		return p, err
	}

	switch p.Phase {
	case domain.PhaseInitializing:
		p.Phase = domain.PhaseStages
		p.Stage = domain.StageOverview
		t := &transition{}
		t.event(events.StageStarted, "stage", string(p.Stage), "", events.Payload{"stage": p.Stage})
		err = e.checkpoint(ctx, &p, t)
		return p, err
	case domain.PhaseStages, domain.PhaseChapterLoop:
		cfg, cerr := e.projectConfig(ctx, p.ID)
		if cerr != nil {
			e.markFailed(ctx, p.ID, cerr)
			p, _ = e.Repo.GetProject(ctx, p.ID)
			return p, cerr
		}
		return e.attempt(ctx, p, cfg)
	default:
		err = e.finish(ctx, &p, &transition{}, domain.StatusCompleted, "", "")
		return p, err
	}
}

// checkpoint commits t and turns any storage failure into a failed project.
func (e Engine) checkpoint(ctx context.Context, p *domain.Project, t *transition) error {
	err := e.commit(ctx, p, t)
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return faults.Wrap(faults.CodeInvalidState, "project changed while the step ran", err)
	}
	e.markFailed(ctx, p.ID, err)
	if cur, gerr := e.Repo.GetProject(context.WithoutCancel(ctx), p.ID); gerr == nil {
		*p = cur
	}
	return err
}

// finish moves p to a terminal status, rejecting drafts left in flight.
func (e Engine) finish(ctx context.Context, p *domain.Project, t *transition, status domain.Status, reason, actorID string) error {
	if err := e.discardDrafts(ctx, p, t, ""); err != nil {
		return err
	}
	p.Status = status
	p.Phase = domain.PhaseDone
	p.StatusReason = reason
	p.PendingDecision = nil
	p.CancelRequested = false
	p.Attempt = domain.AttemptState{}
	typ := events.ProjectCompleted
	switch status {
	case domain.StatusCancelled:
		typ = events.ProjectCancelled
	case domain.StatusFailed:
		typ = events.ProjectFailed
	}
	t.event(typ, "project", p.ID, actorID, events.Payload{"reason": reason, "chapters": chaptersDone(*p)})
	if err := e.checkpoint(ctx, p, t); err != nil {
		return err
	}
	e.log().Info("project finished", "project", p.ID, "status", status, "reason", reason)
	return nil
}

// discardDrafts rejects every draft of the current attempt round except
// keep and closes their open conflicts.
func (e Engine) discardDrafts(ctx context.Context, p *domain.Project, t *transition, keep string) error {
	for _, d := range p.Attempt.Drafts {
		if d.ArtifactID == keep {
			continue
		}
		t.statuses = append(t.statuses, statusChange{id: d.ArtifactID, status: domain.ArtifactRejected})
		open, err := e.Repo.ListConflicts(ctx, repo.ConflictFilter{ProjectID: p.ID, ArtifactID: d.ArtifactID, Resolution: domain.Unresolved})
		if err != nil {
			return fmt.Errorf("load conflicts of draft %s: %w", d.ArtifactID, err)
		}
		for _, c := range open {
			c.Resolution = domain.AutoResolved
			c.Action = domain.ActionDiscarded
			c.ResolvedAt = e.stamp()
			t.resolved = append(t.resolved, c)
		}
	}
	return nil
}

// attempt runs one stage attempt and applies the gate verdict.
func (e Engine) attempt(ctx context.Context, p domain.Project, cfg *config.Config) (domain.Project, error) {
	if p.Phase == domain.PhaseChapterLoop {
		if p.CurrentChapter > p.TargetChapters {
			err := e.finish(ctx, &p, &transition{}, domain.StatusCompleted, "", "")
			return p, err
		}
		if reason, tripped := safetyTripped(p); tripped {
			if p.SafetyTripped {
				cause := faults.New(faults.CodeSafetyLimitExceeded, reason)
				err := e.finish(ctx, &p, &transition{}, domain.StatusFailed, cause.Error(), "")
				if err != nil {
					return p, err
				}
				return p, nil
			}
			err := e.escalate(ctx, &p, &transition{}, e.safetyDecision(p, reason))
			return p, err
		}
	}

	kind := p.Stage
	chapter := 0
	if kind == domain.StageChapter {
		chapter = p.CurrentChapter
	}
	p.Attempt.Attempts++
	if p.Phase == domain.PhaseChapterLoop {
		p.IterationCount++
	}
	executor, controller := e.pipeline(cfg)
	e.log().Debug("stage attempt", "project", p.ID, "stage", stage.Describe(kind, chapter), "attempt", p.Attempt.Attempts)

	res, err := executor.Execute(ctx, stage.Request{
		Project:   p,
		Kind:      kind,
		Chapter:   chapter,
		Attempt:   p.Attempt.Attempts,
		Directive: p.Attempt.Directive,
	})

	// A cancel or another writer may have moved the project while the
	// collaborators were running; their result is then discarded.
	cur, gerr := e.Repo.GetProject(context.WithoutCancel(ctx), p.ID)
	if gerr != nil {
		return p, gerr
	}
	if cur.Status != domain.StatusRunning || cur.Version != p.Version {
		if cur.Status == domain.StatusRunning && cur.CancelRequested {
			ferr := e.finish(ctx, &cur, &transition{}, domain.StatusCancelled, "cancelled at stage boundary", "")
			return cur, ferr
		}
		return cur, nil
	}

	if err != nil {
		return e.attemptFailed(ctx, p, cfg, kind, chapter, err)
	}

	a := res.Artifact
	score := a.Score.Total
	t := &transition{}
	t.event(events.StageAttempted, "artifact", a.ID, "", events.Payload{
		"stage": kind, "chapter": chapter, "attempt": a.Attempt, "score": score, "malformed": res.Malformed,
	})
	if res.Bundle.Degraded {
		t.event(events.ContextDegraded, "artifact", a.ID, "", events.Payload{"notice": res.Bundle.Notice})
	}
	for _, c := range res.Conflicts {
		t.event(events.ConflictDetected, "conflict", c.ID, "", events.Payload{
			"artifact_id": a.ID, "slot": c.Claim.Key(), "severity": c.Severity, "resolution": c.Resolution, "action": c.Action,
		})
		if c.Resolution == domain.AutoResolved {
			t.event(events.ConflictResolved, "conflict", c.ID, "", events.Payload{"action": c.Action})
		}
	}

	v := controller.Evaluate(gate.Input{
		Kind:      kind,
		Chapter:   chapter,
		Attempts:  p.Attempt.Attempts,
		Score:     *a.Score,
		PrevScore: p.Attempt.LastScore,
		Conflicts: res.Conflicts,
		Bundle:    res.Bundle,
		Mode:      p.Mode,
	})
	e.log().Info("gate verdict", "project", p.ID, "stage", stage.Describe(kind, chapter), "attempt", p.Attempt.Attempts, "score", score, "outcome", v.Outcome, "cause", v.Cause)

	switch v.Outcome {
	case gate.Accepted:
		t.artifacts = append(t.artifacts, a)
		t.conflicts = append(t.conflicts, res.Conflicts...)
		if err := e.accept(ctx, &p, t, a, res.Conflicts, true, ""); err != nil {
			return p, err
		}
		err = e.checkpoint(ctx, &p, t)
		return p, err
	case gate.RetryRequested:
		t.artifacts = append(t.artifacts, a)
		t.conflicts = append(t.conflicts, res.Conflicts...)
		p.Attempt.Drafts = append(p.Attempt.Drafts, domain.DraftRef{ArtifactID: a.ID, Attempt: a.Attempt, Score: score})
		p.Attempt.LastScore = &score
		p.Attempt.Directive = v.Directive
		t.event(events.StageRetryRequested, "artifact", a.ID, "", events.Payload{
			"stage": kind, "chapter": chapter, "attempt": a.Attempt, "reason": v.Reason, "dimension": v.Dimension, "directive": v.Directive,
		})
		err = e.checkpoint(ctx, &p, t)
		return p, err
	default:
		t.artifacts = append(t.artifacts, a)
		t.conflicts = append(t.conflicts, res.Conflicts...)
		p.Attempt.Drafts = append(p.Attempt.Drafts, domain.DraftRef{ArtifactID: a.ID, Attempt: a.Attempt, Score: score})
		p.Attempt.LastScore = &score
		var d domain.Decision
		if v.Cause == gate.CauseConflict {
			d = e.conflictDecision(p, a, v, retryAllowed(p, cfg))
		} else {
			d = e.draftDecision(p, v, retryAllowed(p, cfg))
		}
		t.event(events.StageEscalated, "artifact", a.ID, "", events.Payload{
			"stage": kind, "chapter": chapter, "attempt": a.Attempt, "cause": v.Cause, "reason": v.Reason,
		})
		err = e.escalate(ctx, &p, t, d)
		return p, err
	}
}

// attemptFailed maps an executor error to the project's next state.
func (e Engine) attemptFailed(ctx context.Context, p domain.Project, cfg *config.Config, kind domain.StageKind, chapter int, err error) (domain.Project, error) {
	if ctx.Err() != nil {
		return p, err
	}
	switch faults.CodeOf(err) {
	case faults.CodeMalformedOutput:
		t := &transition{}
		t.event(events.OutputMalformed, "stage", string(kind), "", events.Payload{"chapter": chapter, "err": err.Error()})
		if eerr := e.escalate(ctx, &p, t, e.malformedDecision(p, kind, chapter, err, retryAllowed(p, cfg))); eerr != nil {
			return p, eerr
		}
		return p, nil
	case faults.CodeGenerationUnavailable, faults.CodeGenerationTimeout:
		t := &transition{}
		t.event(events.GenerationFailed, "stage", string(kind), "", events.Payload{"chapter": chapter, "code": string(faults.CodeOf(err)), "err": err.Error()})
		if eerr := e.escalate(ctx, &p, t, e.generationDecision(p, kind, chapter, err, retryAllowed(p, cfg))); eerr != nil {
			return p, eerr
		}
		return p, nil
	default:
		e.markFailed(ctx, p.ID, err)
		if cur, gerr := e.Repo.GetProject(context.WithoutCancel(ctx), p.ID); gerr == nil {
			p = cur
		}
		return p, err
	}
}

// accept makes a the stage's result: other drafts are rejected, permitted
// facts are committed, the spine is extended and the pipeline advances.
func (e Engine) accept(ctx context.Context, p *domain.Project, t *transition, a domain.Artifact, reports []domain.ConflictReport, isNew bool, actorID string) error {
	if err := e.discardDrafts(ctx, p, t, a.ID); err != nil {
		return err
	}
	a.Status = domain.ArtifactAccepted
	if isNew {
		t.artifacts[len(t.artifacts)-1] = a
	} else {
		t.statuses = append(t.statuses, statusChange{id: a.ID, status: domain.ArtifactAccepted})
	}
	now := e.stamp()
	facts := consistency.CommitFilter(a.Proposed, reports)
	for i := range facts {
		facts[i].ProjectID = p.ID
		facts[i].SourceArtifactID = a.ID
		if facts[i].RecordedAt == "" {
			facts[i].RecordedAt = now
		}
	}
	t.facts = append(t.facts, facts...)
	t.index = append(t.index, a)

	score := 0
	if a.Score != nil {
		score = a.Score.Total
	}
	t.event(events.StageAccepted, "artifact", a.ID, actorID, events.Payload{
		"stage": a.Kind, "chapter": a.Chapter, "attempt": a.Attempt, "score": score,
	})
	t.event(events.FactsCommitted, "artifact", a.ID, actorID, events.Payload{
		"attempt": a.Attempt, "count": len(facts), "withheld": len(a.Proposed) - len(facts),
	})

	p.Completed = append(p.Completed, domain.ArtifactRef{
		ArtifactID: a.ID,
		Kind:       a.Kind,
		Chapter:    a.Chapter,
		Title:      a.Title(),
		Summary:    a.Fields.Summary(),
	})
	extendSpine(&p.Spine, a)
	p.Attempt = domain.AttemptState{}
	e.advance(p, t)
	e.log().Info("stage accepted", "project", p.ID, "stage", stage.Describe(a.Kind, a.Chapter), "score", score, "facts", len(facts))
	return nil
}

// advance moves p past the stage it just accepted.
func (e Engine) advance(p *domain.Project, t *transition) {
	switch p.Phase {
	case domain.PhaseStages:
		if next := domain.NextLinear(p.Stage); next != "" {
			p.Stage = next
		} else {
			p.Phase = domain.PhaseChapterLoop
			p.Stage = domain.StageChapter
			p.CurrentChapter = 1
		}
	case domain.PhaseChapterLoop:
		p.CurrentChapter++
	}
	if p.Phase == domain.PhaseChapterLoop && p.CurrentChapter > p.TargetChapters {
		p.Status = domain.StatusCompleted
		p.Phase = domain.PhaseDone
		t.event(events.ProjectCompleted, "project", p.ID, "", events.Payload{"chapters": chaptersDone(*p)})
		return
	}
	t.event(events.StageStarted, "stage", string(p.Stage), "", events.Payload{"stage": p.Stage, "chapter": p.CurrentChapter})
}

// escalate pauses p on d.
func (e Engine) escalate(ctx context.Context, p *domain.Project, t *transition, d domain.Decision) error {
	p.Status = domain.StatusPaused
	p.PendingDecision = &d
	if d.Kind == domain.DecisionSafetyLimit {
		p.SafetyTripped = true
		t.event(events.SafetyLimitExceeded, "project", p.ID, "", events.Payload{
			"iteration_count": p.IterationCount, "max_iterations": p.MaxIterations, "current_chapter": p.CurrentChapter, "reason": d.Reason,
		})
	}
	t.decision = &d
	t.event(events.DecisionCreated, "decision", d.ID, "", events.Payload{"kind": d.Kind, "code": d.Code, "options": optionIDs(d)})
	t.event(events.ProjectPaused, "project", p.ID, "", events.Payload{"decision_id": d.ID, "reason": d.Reason})
	if err := e.checkpoint(ctx, p, t); err != nil {
		return err
	}
	e.log().Info("project paused for decision", "project", p.ID, "decision", d.ID, "kind", d.Kind, "reason", d.Reason)
	return nil
}

// retryAllowed reports whether a decision on the current stage may offer
// another round of attempts. A stage gets at most retry_factor rounds.
func retryAllowed(p domain.Project, cfg *config.Config) bool {
	return p.Attempt.Rounds+1 < cfg.Pipeline.RetryFactor
}

// safetyTripped reports whether the chapter loop must stop before another
// attempt.
func safetyTripped(p domain.Project) (string, bool) {
	if p.MaxIterations > 0 && p.IterationCount >= p.MaxIterations {
		return fmt.Sprintf("iteration count %d reached the limit of %d", p.IterationCount, p.MaxIterations), true
	}
	if p.CurrentChapter > p.TargetChapters+p.SafetyMargin {
		return fmt.Sprintf("chapter %d is beyond target %d plus margin %d", p.CurrentChapter, p.TargetChapters, p.SafetyMargin), true
	}
	return "", false
}

func extendSpine(s *domain.Spine, a domain.Artifact) {
	f := a.Fields
	switch {
	case f.Overview != nil:
		s.Title = f.Overview.Title
		s.Premise = f.Overview.Premise
	case f.World != nil:
		s.World = f.Summary()
	case f.Plot != nil:
		plan := append([]domain.PlotChapter(nil), f.Plot.Chapters...)
		sort.Slice(plan, func(i, j int) bool { return plan[i].Number < plan[j].Number })
		s.Plan = plan
	case f.Characters != nil:
		s.Cast = nil
		for _, c := range f.Characters.Characters {
			s.Cast = append(s.Cast, c.Name)
		}
	}
}

func chaptersDone(p domain.Project) int {
	n := 0
	for _, ref := range p.Completed {
		if ref.Kind == domain.StageChapter {
			n++
		}
	}
	return n
}

func optionIDs(d domain.Decision) string {
	ids := make([]string, len(d.Options))
	for i, o := range d.Options {
		ids[i] = o.ID
	}
	return strings.Join(ids, ",")
}

func decisionID(d *domain.Decision) string {
	if d == nil {
		return ""
	}
	return d.ID
}
