package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"storyline/internal/consistency"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/faults"
	"storyline/internal/gate"
	"storyline/internal/repo"
	"storyline/internal/stage"
)

func (e Engine) newDecision(p domain.Project, kind domain.DecisionKind, code, reason string) domain.Decision {
	chapter := 0
	if p.Stage == domain.StageChapter {
		chapter = p.CurrentChapter
	}
	return domain.Decision{
		ID:        e.newID(),
		ProjectID: p.ID,
		Kind:      kind,
		Code:      code,
		Reason:    reason,
		Stage:     p.Stage,
		Chapter:   chapter,
		Status:    "pending",
		CreatedAt: e.stamp(),
	}
}

// draftDecision asks a human to pick among the drafts of the current round,
// best score first.
func (e Engine) draftDecision(p domain.Project, v gate.Verdict, retry bool) domain.Decision {
	code := "quality_below_threshold"
	if v.Cause == gate.CausePlateau {
		code = "quality_plateau"
	}
	d := e.newDecision(p, domain.DecisionDraftSelection, code, v.Reason)
	d.Dimension = v.Dimension
	d.Conflicts = v.Conflicts
	drafts := append([]domain.DraftRef(nil), p.Attempt.Drafts...)
	sort.SliceStable(drafts, func(i, j int) bool { return drafts[i].Score > drafts[j].Score })
	for _, dr := range drafts {
		d.Drafts = append(d.Drafts, dr.ArtifactID)
		d.Options = append(d.Options, domain.DecisionOption{
			ID:         domain.DraftPrefix + dr.ArtifactID,
			Label:      fmt.Sprintf("accept attempt %d (score %d)", dr.Attempt, dr.Score),
			ArtifactID: dr.ArtifactID,
		})
	}
	d.Options = append(d.Options,
		domain.DecisionOption{ID: domain.ChoiceRetry, Label: "start a fresh round of attempts"},
		domain.DecisionOption{ID: domain.ChoiceAbort, Label: "stop the project"},
	)
	return limitRetry(d, retry)
}

// conflictDecision asks a human how to settle the contradictions in a.
func (e Engine) conflictDecision(p domain.Project, a domain.Artifact, v gate.Verdict, retry bool) domain.Decision {
	d := e.newDecision(p, domain.DecisionConflictReview, string(faults.CodeConflictDetected), v.Reason)
	d.Dimension = v.Dimension
	d.Conflicts = v.Conflicts
	d.Drafts = []string{a.ID}
	d.Options = []domain.DecisionOption{
		{ID: domain.ChoiceKeepPrior, Label: "accept the draft but keep the recorded values", ArtifactID: a.ID},
		{ID: domain.ChoiceAcceptNew, Label: "accept the draft and its new values", ArtifactID: a.ID},
		{ID: domain.ChoiceRetry, Label: "start a fresh round of attempts"},
		{ID: domain.ChoiceAbort, Label: "stop the project"},
	}
	return limitRetry(d, retry)
}

func (e Engine) safetyDecision(p domain.Project, reason string) domain.Decision {
	d := e.newDecision(p, domain.DecisionSafetyLimit, string(faults.CodeSafetyLimitExceeded), reason)
	d.Options = []domain.DecisionOption{
		{ID: domain.ChoiceFinish, Label: fmt.Sprintf("finish with the %d accepted chapters", chaptersDone(p))},
		{ID: domain.ChoiceAbort, Label: "stop the project"},
	}
	return d
}

func (e Engine) malformedDecision(p domain.Project, kind domain.StageKind, chapter int, err error, retry bool) domain.Decision {
	d := e.newDecision(p, domain.DecisionMalformedOutput, string(faults.CodeMalformedOutput),
		fmt.Sprintf("%s output could not be parsed: %v", stage.Describe(kind, chapter), err))
	d.Options = []domain.DecisionOption{
		{ID: domain.ChoiceRetry, Label: "try the stage again"},
		{ID: domain.ChoiceAbort, Label: "stop the project"},
	}
	return limitRetry(d, retry)
}

func (e Engine) generationDecision(p domain.Project, kind domain.StageKind, chapter int, err error, retry bool) domain.Decision {
	d := e.newDecision(p, domain.DecisionGenerationFailed, string(faults.CodeOf(err)),
		fmt.Sprintf("%s generation failed: %v", stage.Describe(kind, chapter), err))
	d.Options = []domain.DecisionOption{
		{ID: domain.ChoiceAbort, Label: "stop the project"},
		{ID: domain.ChoiceRetry, Label: "try the stage again"},
	}
	return limitRetry(d, retry)
}

// limitRetry drops the retry option once the stage has used its rounds.
func limitRetry(d domain.Decision, retry bool) domain.Decision {
	if retry {
		return d
	}
	opts := d.Options[:0:0]
	for _, o := range d.Options {
		if o.ID != domain.ChoiceRetry {
			opts = append(opts, o)
		}
	}
	d.Options = opts
	d.Reason += "; no rounds left for this stage"
	return d
}

// SubmitDecision applies a human choice to the pending decision and moves the
// project on. A decision that is not the pending one is stale.
func (e Engine) SubmitDecision(ctx context.Context, projectID, decisionID, choice, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if p.Status != domain.StatusPaused || p.PendingDecision == nil {
		return p, faults.Newf(faults.CodeStaleDecision, "project %s has no pending decision", p.ID)
	}
	pending := *p.PendingDecision
	if pending.ID != decisionID {
		return p, faults.Newf(faults.CodeStaleDecision, "decision %s is not pending; project waits on %s", decisionID, pending.ID)
	}
	opt, ok := pending.Option(choice)
	if !ok {
		return p, faults.WithMetadata(faults.CodeInvalidInput, fmt.Sprintf("choice %q is not an option of decision %s", choice, pending.ID),
			map[string]string{"options": optionIDs(pending)})
	}

	now := e.stamp()
	pending.Status = "resolved"
	pending.Choice = choice
	pending.DecidedBy = actorOr(actorID)
	pending.ResolvedAt = now

	t := &transition{decision: &pending}
	t.event(events.DecisionResolved, "decision", pending.ID, actorID, events.Payload{"kind": pending.Kind, "choice": choice})
	p.PendingDecision = nil
	p.Status = domain.StatusRunning

	switch {
	case strings.HasPrefix(choice, domain.DraftPrefix):
		err = e.acceptChosen(ctx, &p, t, opt.ArtifactID, domain.ActionKeepPrior, actorID)
	case choice == domain.ChoiceKeepPrior:
		err = e.acceptChosen(ctx, &p, t, opt.ArtifactID, domain.ActionKeepPrior, actorID)
	case choice == domain.ChoiceAcceptNew:
		err = e.acceptChosen(ctx, &p, t, opt.ArtifactID, domain.ActionAcceptNew, actorID)
	case choice == domain.ChoiceRetry:
		if err = e.discardDrafts(ctx, &p, t, ""); err == nil {
			p.Attempt = domain.AttemptState{Rounds: p.Attempt.Rounds + 1, Directive: p.Attempt.Directive}
		}
	case choice == domain.ChoiceFinish:
		return p, e.finish(ctx, &p, t, domain.StatusCompleted, "finished early by "+actorOr(actorID), actorID)
	case choice == domain.ChoiceAbort:
		return p, e.finish(ctx, &p, t, domain.StatusFailed, "aborted by "+actorOr(actorID), actorID)
	default:
		err = faults.Newf(faults.CodeInvalidInput, "unsupported choice %q", choice)
	}
	if err != nil {
		return p, err
	}
	if p.Status == domain.StatusRunning {
		t.event(events.ProjectResumed, "project", p.ID, actorID, events.Payload{"decision_id": pending.ID, "choice": choice})
	}
	if err := e.checkpoint(ctx, &p, t); err != nil {
		return p, err
	}
	e.log().Info("decision resolved", "project", p.ID, "decision", pending.ID, "choice", choice, "actor", actorOr(actorID))
	return p, nil
}

// acceptChosen accepts a stored draft. Its open conflicts are closed with
// action, which decides whether the contradicting values are committed.
func (e Engine) acceptChosen(ctx context.Context, p *domain.Project, t *transition, artifactID, action, actorID string) error {
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return fmt.Errorf("load chosen draft %s: %w", artifactID, err)
	}
	if a.ProjectID != p.ID || a.Status != domain.ArtifactScored {
		return faults.Newf(faults.CodeStaleDecision, "draft %s is %s", a.ID, a.Status)
	}
	reports, err := e.Repo.ListConflicts(ctx, repo.ConflictFilter{ProjectID: p.ID, ArtifactID: a.ID})
	if err != nil {
		return fmt.Errorf("load conflicts of %s: %w", a.ID, err)
	}
	reports = consistency.ResolveByChoice(reports, action, e.stamp())
	for _, c := range reports {
		if c.Resolution == domain.HumanResolved && c.Action == action {
			t.resolved = append(t.resolved, c)
			t.event(events.ConflictResolved, "conflict", c.ID, actorID, events.Payload{"action": action})
		}
	}
	return e.accept(ctx, p, t, a, reports, false, actorID)
}
