// Package gate decides what happens to a scored attempt: accept it, ask for
// another attempt with a directive, or hand it to a human.
package gate

import (
	"fmt"
	"sort"
	"strings"

	"storyline/internal/config"
	"storyline/internal/consistency"
	"storyline/internal/domain"
)

type Outcome string

const (
	Accepted       Outcome = "accepted"
	RetryRequested Outcome = "retry_requested"
	Escalated      Outcome = "escalated"
)

// Cause says why a verdict is not a plain accept.
type Cause string

const (
	CauseQuality  Cause = "quality"
	CausePlateau  Cause = "plateau"
	CauseConflict Cause = "conflict"
)

// Input is one scored attempt. Attempts counts attempts made for the stage
// so far, including this one.
type Input struct {
	Kind      domain.StageKind
	Chapter   int
	Attempts  int
	Score     domain.Score
	PrevScore *int
	Conflicts []domain.ConflictReport
	Bundle    consistency.Bundle
	Mode      domain.ConflictMode
}

type Verdict struct {
	Outcome   Outcome
	Cause     Cause
	Reason    string
	Dimension string
	Directive string
	Threshold int
	// Conflicts are the reports still unresolved.
	Conflicts []domain.ConflictReport
}

type Controller struct {
	Config *config.Config
}

func (c Controller) cfg() *config.Config {
	if c.Config == nil {
		return config.Default()
	}
	return c.Config
}

// Evaluate applies the stage policy. A retry is allowed while Attempts does
// not exceed max_retries and the score improved by at least min_improvement
// over the previous attempt; otherwise a low score escalates. An acceptable
// score with unresolved conflicts escalates in human-reviewed mode and, in
// automatic mode, retries with a directive re-asserting the recorded facts
// until retries run out.
func (c Controller) Evaluate(in Input) Verdict {
	policy := c.cfg().Policy(in.Kind)
	unresolved := consistency.Unresolved(in.Conflicts)
	v := Verdict{Threshold: policy.Threshold, Conflicts: unresolved}
	dim, dimScore, hasDim := in.Score.Lowest()
	if hasDim {
		v.Dimension = dim
	}
	retriesLeft := in.Attempts <= policy.MaxRetries

	if in.Score.Total < policy.Threshold {
		v.Cause = CauseQuality
		if retriesLeft && c.plateaued(in) {
			v.Outcome = Escalated
			v.Cause = CausePlateau
			v.Reason = fmt.Sprintf("score %d improved by only %d over the previous attempt (%d); %s",
				in.Score.Total, in.Score.Total-*in.PrevScore, *in.PrevScore, lowestText(dim, dimScore, hasDim))
			return v
		}
		if retriesLeft {
			v.Outcome = RetryRequested
			v.Reason = fmt.Sprintf("score %d below threshold %d; %s", in.Score.Total, policy.Threshold, lowestText(dim, dimScore, hasDim))
			v.Directive = Directive(dim, in.Bundle, unresolved)
			return v
		}
		v.Outcome = Escalated
		v.Reason = fmt.Sprintf("score %d below threshold %d after %d attempts; %s", in.Score.Total, policy.Threshold, in.Attempts, lowestText(dim, dimScore, hasDim))
		return v
	}

	if len(unresolved) > 0 {
		v.Cause = CauseConflict
		v.Dimension = "consistency"
		v.Reason = conflictText(unresolved)
		if in.Mode == domain.ModeAutomatic && retriesLeft {
			v.Outcome = RetryRequested
			v.Directive = Directive("consistency", in.Bundle, unresolved)
			return v
		}
		v.Outcome = Escalated
		return v
	}

	v.Outcome = Accepted
	v.Reason = fmt.Sprintf("score %d meets threshold %d", in.Score.Total, policy.Threshold)
	return v
}

func (c Controller) plateaued(in Input) bool {
	need := c.cfg().Pipeline.MinImprovement
	return need > 0 && in.PrevScore != nil && in.Score.Total-*in.PrevScore < need
}

func lowestText(dim string, score int, ok bool) string {
	if !ok {
		return "no dimension breakdown"
	}
	return fmt.Sprintf("lowest dimension %s (%d)", dim, score)
}

func conflictText(reports []domain.ConflictReport) string {
	parts := make([]string, 0, len(reports))
	for _, r := range reports {
		parts = append(parts, fmt.Sprintf("[%s] %s", r.Severity, r.Reason))
	}
	return fmt.Sprintf("%d unresolved conflict(s): %s", len(reports), strings.Join(parts, "; "))
}

var dimensionDirectives = map[string]string{
	"coherence":   "Make every scene follow causally from the one before and keep the timeline unambiguous.",
	"pacing":      "Tighten the pacing: cut summary passages and move to the central conflict sooner.",
	"engagement":  "Raise the stakes early and end on a stronger hook.",
	"originality": "Avoid stock phrasing and predictable turns; give the central idea a fresh angle.",
	"detail":      "Ground scenes in concrete sensory detail drawn from the established world.",
	"grammar":     "Proofread for grammar, punctuation and consistent tense.",
}

// Directive is the instruction added to the next attempt, derived from the
// weakest dimension. For consistency it restates the recorded facts the
// attempt must respect, conflicting priors first.
func Directive(dimension string, bundle consistency.Bundle, conflicts []domain.ConflictReport) string {
	if dimension != "consistency" {
		if d, ok := dimensionDirectives[dimension]; ok {
			return d
		}
		if dimension == "" {
			return "Improve the overall quality of the draft."
		}
		return fmt.Sprintf("Improve %s.", dimension)
	}
	var facts []string
	seen := map[string]bool{}
	for _, c := range conflicts {
		if c.Prior == nil || seen[c.Claim.Key()] {
			continue
		}
		seen[c.Claim.Key()] = true
		facts = append(facts, fmt.Sprintf("%s %s is %q", c.Claim.Entity.String(), c.Claim.Attribute, c.Prior.Value))
	}
	rest := make([]string, 0, len(bundle.Facts))
	for _, f := range bundle.Facts {
		if !seen[f.Key()] {
			seen[f.Key()] = true
			rest = append(rest, fmt.Sprintf("%s %s is %q", f.Entity.String(), f.Attribute, f.Value))
		}
	}
	sort.Strings(rest)
	facts = append(facts, rest...)
	if len(facts) == 0 {
		return "Stay consistent with everything established so far; do not contradict earlier chapters."
	}
	return "Stay consistent with the recorded facts: " + strings.Join(facts, "; ") + "."
}
