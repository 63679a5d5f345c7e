package gate

import (
	"strings"
	"testing"

	"storyline/internal/config"
	"storyline/internal/consistency"
	"storyline/internal/domain"
)

func score(total int, dims map[string]int) domain.Score {
	return domain.Score{Total: total, Dimensions: dims}
}

func intp(v int) *int { return &v }

// run feeds successive scores through the gate the way the orchestrator
// does and returns the outcomes.
func run(c Controller, scores []int) []Outcome {
	var out []Outcome
	var prev *int
	for i, s := range scores {
		v := c.Evaluate(Input{Kind: domain.StageChapter, Attempts: i + 1, Score: score(s, map[string]int{"pacing": s}), PrevScore: prev})
		out = append(out, v.Outcome)
		if v.Outcome != RetryRequested {
			break
		}
		prev = intp(s)
	}
	return out
}

func TestRetryThenAccept(t *testing.T) {
	got := run(Controller{Config: config.Default()}, []int{60, 70, 85})
	want := []Outcome{RetryRequested, RetryRequested, Accepted}
	if strings.Join(outcomes(got), ",") != strings.Join(outcomes(want), ",") {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestPlateauEscalatesBeforeThirdAttempt(t *testing.T) {
	got := run(Controller{Config: config.Default()}, []int{50, 55, 90})
	want := []Outcome{RetryRequested, Escalated}
	if strings.Join(outcomes(got), ",") != strings.Join(outcomes(want), ",") {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRetriesExhausted(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.MinImprovement = 0
	got := run(Controller{Config: cfg}, []int{10, 20, 30, 40})
	want := []Outcome{RetryRequested, RetryRequested, Escalated}
	if strings.Join(outcomes(got), ",") != strings.Join(outcomes(want), ",") {
		t.Fatalf("got %v want %v", got, want)
	}
}

func outcomes(in []Outcome) []string {
	out := make([]string, len(in))
	for i, o := range in {
		out[i] = string(o)
	}
	return out
}

func TestDirectiveFromLowestDimension(t *testing.T) {
	c := Controller{Config: config.Default()}
	v := c.Evaluate(Input{Kind: domain.StageChapter, Attempts: 1, Score: score(60, map[string]int{"pacing": 40, "grammar": 90})})
	if v.Outcome != RetryRequested || v.Dimension != "pacing" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.Directive != dimensionDirectives["pacing"] {
		t.Fatalf("directive %q", v.Directive)
	}
	if !strings.Contains(v.Reason, "pacing (40)") {
		t.Fatalf("reason %q", v.Reason)
	}
}

func TestConsistencyDirectiveRestatesFacts(t *testing.T) {
	mira := domain.EntityRef{Kind: domain.EntityCharacter, Name: "Mira"}
	bundle := consistency.Bundle{Facts: []domain.FactEntry{{Entity: mira, Attribute: "location", Value: "harbor"}}}
	c := Controller{Config: config.Default()}
	v := c.Evaluate(Input{Kind: domain.StageChapter, Attempts: 1, Score: score(50, map[string]int{"consistency": 30, "pacing": 70}), Bundle: bundle})
	if !strings.Contains(v.Directive, `character:Mira location is "harbor"`) {
		t.Fatalf("directive %q", v.Directive)
	}
}

func TestUnresolvedConflicts(t *testing.T) {
	mira := domain.EntityRef{Kind: domain.EntityCharacter, Name: "Mira"}
	high := domain.ConflictReport{
		Prior:      &domain.FactEntry{Entity: mira, Attribute: "origin", Value: "Saltreach"},
		Claim:      domain.FactEntry{Entity: mira, Attribute: "origin", Value: "Emberfall"},
		Severity:   domain.SeverityHigh,
		Resolution: domain.Unresolved,
		Reason:     "origin is fixed",
	}
	c := Controller{Config: config.Default()}
	in := Input{Kind: domain.StageChapter, Attempts: 1, Score: score(90, nil), Conflicts: []domain.ConflictReport{high}}

	in.Mode = domain.ModeHumanReviewed
	if v := c.Evaluate(in); v.Outcome != Escalated || v.Cause != CauseConflict || len(v.Conflicts) != 1 {
		t.Fatalf("human mode: %+v", v)
	}

	in.Mode = domain.ModeAutomatic
	v := c.Evaluate(in)
	if v.Outcome != RetryRequested || !strings.Contains(v.Directive, `origin is "Saltreach"`) {
		t.Fatalf("automatic mode: %+v", v)
	}
	in.Attempts = 3
	if v := c.Evaluate(in); v.Outcome != Escalated {
		t.Fatalf("automatic mode after retries: %+v", v)
	}

	resolved := high
	resolved.Resolution = domain.AutoResolved
	in.Conflicts = []domain.ConflictReport{resolved}
	if v := c.Evaluate(in); v.Outcome != Accepted {
		t.Fatalf("resolved conflicts must not block: %+v", v)
	}
}
