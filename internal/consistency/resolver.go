package consistency

import (
	"time"

	"storyline/internal/domain"
)

// RuleResolver settles conflicts deterministically by severity: low accepts
// the new value, medium keeps the prior one, high is left for the gate.
type RuleResolver struct {
	Now func() time.Time
}

func (r RuleResolver) Resolve(c domain.ConflictReport) domain.ConflictReport {
	if c.Resolution != domain.Unresolved {
		return c
	}
	switch c.Severity {
	case domain.SeverityLow:
		c.Action = domain.ActionAcceptNew
	case domain.SeverityMedium:
		c.Action = domain.ActionKeepPrior
	default:
		return c
	}
	c.Resolution = domain.AutoResolved
	now := r.Now
	if now == nil {
		now = time.Now
	}
	c.ResolvedAt = now().UTC().Format(time.RFC3339)
	return c
}

func (r RuleResolver) ResolveAll(reports []domain.ConflictReport) []domain.ConflictReport {
	out := make([]domain.ConflictReport, len(reports))
	for i, c := range reports {
		out[i] = r.Resolve(c)
	}
	return out
}

// ResolveByChoice closes every unresolved report with a human choice.
func ResolveByChoice(reports []domain.ConflictReport, action, resolvedAt string) []domain.ConflictReport {
	out := make([]domain.ConflictReport, len(reports))
	for i, c := range reports {
		if c.Resolution == domain.Unresolved {
			c.Resolution = domain.HumanResolved
			c.Action = action
			c.ResolvedAt = resolvedAt
		}
		out[i] = c
	}
	return out
}
