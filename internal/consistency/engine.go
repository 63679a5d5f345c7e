// Package consistency builds stage context from the fact store and checks new
// artifacts against what the store already records.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/factstore"
	"storyline/internal/logging"
)

// Engine reads through Store and never writes facts: ExtractAndCheck only
// proposes entries, the orchestrator commits them after the gate accepts.
type Engine struct {
	Store  factstore.Store
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

func New(store factstore.Store, cfg *config.Config) *Engine {
	return &Engine{Store: store, Config: cfg, Log: logging.New("consistency"), Now: time.Now, NewID: uuid.NewString}
}

func (e *Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e *Engine) log() *slog.Logger {
	if e.Log == nil {
		return logging.Discard()
	}
	return e.Log
}

func (e *Engine) now() string {
	now := e.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (e *Engine) newID() string {
	if e.NewID == nil {
		return uuid.NewString()
	}
	return e.NewID()
}

// Claims returns the facts an artifact's structured fields imply. Linear
// stages record at chapter 0, chapter N at N.
func Claims(a domain.Artifact) []domain.FactClaim {
	var claims []domain.FactClaim
	add := func(kind domain.EntityKind, name, attr, value string) {
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if name == "" || value == "" {
			return
		}
		claims = append(claims, domain.FactClaim{Entity: domain.EntityRef{Kind: kind, Name: name}, Attribute: attr, Value: value})
	}
	switch {
	case a.Fields.World != nil:
		for _, l := range a.Fields.World.Locations {
			add(domain.EntityLocation, l.Name, "description", l.Description)
		}
		for _, o := range a.Fields.World.Organizations {
			add(domain.EntityOrganization, o.Name, "description", o.Description)
		}
	case a.Fields.Characters != nil:
		for _, c := range a.Fields.Characters.Characters {
			add(domain.EntityCharacter, c.Name, "role", c.Role)
			add(domain.EntityCharacter, c.Name, "origin", c.Origin)
			add(domain.EntityCharacter, c.Name, "status", c.Status)
			add(domain.EntityCharacter, c.Name, "location", c.Location)
		}
	case a.Fields.Chapter != nil:
		claims = append(claims, a.Fields.Chapter.Claims...)
	}
	return claims
}

// ExtractAndCheck compares every implied claim against the current store
// value and returns the entries to commit if the artifact is accepted plus
// the conflicts found. In automatic mode conflicts are run through the rule
// resolver; in human-reviewed mode they stay unresolved.
func (e *Engine) ExtractAndCheck(ctx context.Context, p domain.Project, a domain.Artifact) ([]domain.FactEntry, []domain.ConflictReport, error) {
	var transitions []domain.Transition
	if a.Fields.Chapter != nil {
		transitions = a.Fields.Chapter.Transitions
	}
	moved := map[string]bool{}
	for _, t := range transitions {
		moved[slotKey(t.Entity, t.Attribute)] = true
	}

	// later claims for the same slot within one artifact win
	claims := Claims(a)
	latest := map[string]int{}
	for i, c := range claims {
		latest[slotKey(c.Entity, c.Attribute)] = i
	}

	var (
		proposed []domain.FactEntry
		reports  []domain.ConflictReport
		claimed  = map[string]bool{}
	)
	for i, c := range claims {
		key := slotKey(c.Entity, c.Attribute)
		if latest[key] != i {
			continue
		}
		claimed[key] = true
		entry := domain.FactEntry{
			ProjectID:        p.ID,
			Entity:           c.Entity,
			Attribute:        c.Attribute,
			Value:            c.Value,
			SourceArtifactID: a.ID,
			Chapter:          a.Chapter,
			RecordedAt:       e.now(),
		}
		prior, err := e.lookup(ctx, p.ID, c.Entity, c.Attribute)
		if err != nil {
			return nil, nil, err
		}
		if prior != nil && prior.Value == c.Value {
			continue
		}
		report, err := e.check(ctx, p.ID, prior, entry, moved[key])
		if err != nil {
			return nil, nil, err
		}
		proposed = append(proposed, entry)
		if report != nil {
			report.ArtifactID = a.ID
			reports = append(reports, *report)
		}
	}

	for _, t := range transitions {
		key := slotKey(t.Entity, t.Attribute)
		prior, err := e.lookup(ctx, p.ID, t.Entity, t.Attribute)
		if err != nil {
			return nil, nil, err
		}
		if prior != nil || hasReport(reports, key) {
			continue
		}
		claim := domain.FactEntry{ProjectID: p.ID, Entity: t.Entity, Attribute: t.Attribute, SourceArtifactID: a.ID, Chapter: a.Chapter}
		if claimed[key] {
			claim.Value = claimValue(proposed, key)
		}
		reports = append(reports, domain.ConflictReport{
			ProjectID:  p.ID,
			ArtifactID: a.ID,
			Claim:      claim,
			Severity:   domain.SeverityLow,
			Resolution: domain.Unresolved,
			Reason:     fmt.Sprintf("%s transition of %s %s has no prior record", t.Kind, t.Entity.String(), t.Attribute),
		})
	}

	for i := range reports {
		reports[i].ID = e.newID()
		reports[i].CreatedAt = e.now()
	}
	if p.Mode == domain.ModeAutomatic {
		reports = RuleResolver{Now: e.Now}.ResolveAll(reports)
	}
	return proposed, reports, nil
}

func (e *Engine) lookup(ctx context.Context, projectID string, entity domain.EntityRef, attr string) (*domain.FactEntry, error) {
	f, err := e.Store.CurrentValue(ctx, projectID, entity, attr)
	if errors.Is(err, factstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check %s %s: %w", entity.String(), attr, err)
	}
	return &f, nil
}

// check applies the severity rule to one claim whose value differs from the
// prior (or has no prior).
func (e *Engine) check(ctx context.Context, projectID string, prior *domain.FactEntry, claim domain.FactEntry, hasTransition bool) (*domain.ConflictReport, error) {
	cfg := e.cfg()
	report := func(sev domain.Severity, reason string) *domain.ConflictReport {
		return &domain.ConflictReport{
			ProjectID:  projectID,
			Prior:      prior,
			Claim:      claim,
			Severity:   sev,
			Resolution: domain.Unresolved,
			Reason:     reason,
		}
	}
	if claim.Attribute != "status" {
		status, err := e.lookup(ctx, projectID, claim.Entity, "status")
		if err != nil {
			return nil, err
		}
		if status != nil && cfg.IsTerminal("status", status.Value) {
			return report(domain.SeverityHigh, fmt.Sprintf("%s is recorded as %s but the claim sets %s to %q", claim.Entity.String(), status.Value, claim.Attribute, claim.Value)), nil
		}
	}
	if prior == nil {
		return nil, nil
	}
	switch {
	case ambiguous(prior.Value):
		return report(domain.SeverityLow, fmt.Sprintf("%s %s was %q, claim sets %q", claim.Entity.String(), claim.Attribute, prior.Value, claim.Value)), nil
	case cfg.IsImmutable(claim.Attribute):
		return report(domain.SeverityHigh, fmt.Sprintf("%s %s is fixed as %q, claim changes it to %q", claim.Entity.String(), claim.Attribute, prior.Value, claim.Value)), nil
	case cfg.IsTerminal(claim.Attribute, prior.Value):
		return report(domain.SeverityHigh, fmt.Sprintf("%s %s is %q and cannot become %q", claim.Entity.String(), claim.Attribute, prior.Value, claim.Value)), nil
	case hasTransition:
		return nil, nil
	default:
		return report(domain.SeverityMedium, fmt.Sprintf("%s %s changes from %q to %q without a recorded transition", claim.Entity.String(), claim.Attribute, prior.Value, claim.Value)), nil
	}
}

func ambiguous(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "unknown", "?":
		return true
	}
	return false
}

func slotKey(entity domain.EntityRef, attr string) string {
	return entity.String() + "#" + attr
}

func hasReport(reports []domain.ConflictReport, key string) bool {
	for _, r := range reports {
		if r.Claim.Key() == key {
			return true
		}
	}
	return false
}

func claimValue(entries []domain.FactEntry, key string) string {
	for _, f := range entries {
		if f.Key() == key {
			return f.Value
		}
	}
	return ""
}

// CommitFilter returns the proposed entries that may be written: those with
// no conflict, or whose conflict was settled by accepting the new value.
func CommitFilter(proposed []domain.FactEntry, reports []domain.ConflictReport) []domain.FactEntry {
	action := map[string]string{}
	conflicted := map[string]bool{}
	for _, r := range reports {
		conflicted[r.Claim.Key()] = true
		action[r.Claim.Key()] = r.Action
	}
	var res []domain.FactEntry
	for _, f := range proposed {
		if !conflicted[f.Key()] || action[f.Key()] == domain.ActionAcceptNew {
			res = append(res, f)
		}
	}
	return res
}

// Unresolved returns the reports still waiting on a resolution.
func Unresolved(reports []domain.ConflictReport) []domain.ConflictReport {
	var res []domain.ConflictReport
	for _, r := range reports {
		if r.Resolution == domain.Unresolved {
			res = append(res, r)
		}
	}
	return res
}

// Documents returns the text written to the semantic index for an accepted
// artifact.
func Documents(a domain.Artifact) []string {
	f := a.Fields
	switch {
	case f.Overview != nil:
		return []string{fmt.Sprintf("Outline %s: %s", f.Overview.Title, f.Overview.Premise)}
	case f.World != nil:
		docs := []string{fmt.Sprintf("World %s: %s", f.World.Name, f.World.CoreConcept)}
		for _, l := range f.World.Locations {
			docs = append(docs, fmt.Sprintf("Location %s: %s", l.Name, l.Description))
		}
		for _, o := range f.World.Organizations {
			docs = append(docs, fmt.Sprintf("Organization %s: %s", o.Name, o.Description))
		}
		return docs
	case f.Plot != nil:
		docs := make([]string, 0, len(f.Plot.Chapters))
		for _, c := range f.Plot.Chapters {
			docs = append(docs, fmt.Sprintf("Plan chapter %d %s: %s", c.Number, c.Title, c.Summary))
		}
		return docs
	case f.Characters != nil:
		docs := make([]string, 0, len(f.Characters.Characters))
		for _, c := range f.Characters.Characters {
			docs = append(docs, fmt.Sprintf("Character %s (%s): %s", c.Name, c.Role, c.Description))
		}
		return docs
	case f.Chapter != nil:
		content := f.Chapter.Content
		if r := []rune(content); len(r) > 1000 {
			content = string(r[:1000])
		}
		return []string{fmt.Sprintf("Chapter %d Title: %s Summary: %s Content Snippet: %s", f.Chapter.Number, f.Chapter.Title, f.Chapter.Summary, content)}
	}
	return nil
}
