package consistency

import (
	"context"
	"fmt"
	"strings"

	"storyline/internal/domain"
)

// NoContextNotice marks a bundle that carries no retrieved context.
const NoContextNotice = "No specific context found"

// Bundle is the bounded context handed to one stage attempt.
type Bundle struct {
	Stage    domain.StageKind    `json:"stage"`
	Chapter  int                 `json:"chapter,omitempty"`
	Query    string              `json:"query,omitempty"`
	Snippets []string            `json:"snippets,omitempty"`
	Facts    []domain.FactEntry  `json:"facts,omitempty"`
	Title    string              `json:"title,omitempty"`
	Premise  string              `json:"premise,omitempty"`
	World    string              `json:"world,omitempty"`
	Previous string              `json:"previous,omitempty"`
	Plan     *domain.PlotChapter `json:"plan,omitempty"`
	Cast     []string            `json:"cast,omitempty"`
	Degraded bool                `json:"degraded,omitempty"`
	Notice   string              `json:"notice,omitempty"`
}

// FocusFor returns the entities a stage attempt is about: the characters the
// plot puts in the chapter, or the whole cast when the plan names none.
func FocusFor(p domain.Project, kind domain.StageKind, chapter int) []domain.EntityRef {
	var names []string
	if kind == domain.StageChapter {
		if plan, ok := p.Spine.PlanFor(chapter); ok {
			names = plan.Characters
		}
	}
	if len(names) == 0 && (kind == domain.StageChapter || kind == domain.StageCharacters) {
		names = p.Spine.Cast
	}
	seen := map[string]bool{}
	var refs []domain.EntityRef
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		refs = append(refs, domain.EntityRef{Kind: domain.EntityCharacter, Name: n})
	}
	return refs
}

// AssembleContext never fails. When the store cannot serve a lookup the
// bundle falls back to what the project itself carries and is marked
// Degraded.
func (e *Engine) AssembleContext(ctx context.Context, p domain.Project, kind domain.StageKind, chapter int, focus []domain.EntityRef) Bundle {
	b := e.baseBundle(p, kind, chapter)
	b.Query = buildQuery(p, kind, chapter, focus, b.Plan)

	snippets, err := e.Store.SemanticSearch(ctx, b.Query, p.ID, e.cfg().Context.SemanticK)
	if err != nil {
		e.log().Warn("semantic context unavailable, continuing degraded", "project", p.ID, "stage", kind, "chapter", chapter, "err", err)
		return e.degrade(b)
	}
	var facts []domain.FactEntry
	seen := map[string]bool{}
	for _, ref := range focus {
		cur, err := e.Store.Current(ctx, p.ID, ref)
		if err != nil {
			e.log().Warn("structured context unavailable, continuing degraded", "project", p.ID, "entity", ref.String(), "err", err)
			return e.degrade(b)
		}
		for _, f := range cur {
			if !seen[f.Key()] {
				seen[f.Key()] = true
				facts = append(facts, f)
			}
		}
	}
	b.Snippets = e.capSnippets(dedupe(snippets), facts)
	b.Facts = facts
	if len(b.Snippets) == 0 && len(b.Facts) == 0 {
		b.Notice = NoContextNotice
	}
	return b
}

func (e *Engine) baseBundle(p domain.Project, kind domain.StageKind, chapter int) Bundle {
	b := Bundle{
		Stage:    kind,
		Chapter:  chapter,
		Title:    p.Spine.Title,
		Premise:  p.Spine.Premise,
		World:    p.Spine.World,
		Previous: p.LastSummary(),
		Cast:     append([]string(nil), p.Spine.Cast...),
	}
	if kind == domain.StageChapter {
		if plan, ok := p.Spine.PlanFor(chapter); ok {
			b.Plan = &plan
		}
	}
	return b
}

func (e *Engine) degrade(b Bundle) Bundle {
	b.Snippets = nil
	b.Facts = nil
	b.Degraded = true
	b.Notice = NoContextNotice
	return b
}

// capSnippets keeps at most MaxSnippets snippets and stops before the
// rendered snippets and facts exceed MaxChars.
func (e *Engine) capSnippets(snippets []string, facts []domain.FactEntry) []string {
	maxSnippets, maxChars := e.cfg().Context.MaxSnippets, e.cfg().Context.MaxChars
	used := 0
	for _, f := range facts {
		used += len(formatFact(f)) + 1
	}
	var res []string
	for _, s := range snippets {
		if maxSnippets > 0 && len(res) >= maxSnippets {
			break
		}
		if maxChars > 0 && used+len(s) > maxChars {
			break
		}
		used += len(s) + 1
		res = append(res, s)
	}
	return res
}

func buildQuery(p domain.Project, kind domain.StageKind, chapter int, focus []domain.EntityRef, plan *domain.PlotChapter) string {
	parts := make([]string, 0, len(focus)+4)
	for _, ref := range focus {
		parts = append(parts, ref.Name)
	}
	if kind == domain.StageChapter {
		parts = append(parts, fmt.Sprintf("chapter %d", chapter))
	} else {
		parts = append(parts, string(kind), p.Theme)
	}
	if plan != nil {
		parts = append(parts, plan.Title, plan.Summary)
	}
	if p.Spine.Title != "" {
		parts = append(parts, p.Spine.Title)
	}
	return strings.Join(parts, " ")
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func formatFact(f domain.FactEntry) string {
	return fmt.Sprintf("%s %s = %s (chapter %d)", f.Entity.String(), f.Attribute, f.Value, f.Chapter)
}

// Render formats the bundle as the context section of a prompt.
func (b Bundle) Render() string {
	var sb strings.Builder
	if b.Title != "" {
		fmt.Fprintf(&sb, "Story: %s\n", b.Title)
	}
	if b.Premise != "" {
		fmt.Fprintf(&sb, "Premise: %s\n", b.Premise)
	}
	if b.World != "" {
		fmt.Fprintf(&sb, "World: %s\n", b.World)
	}
	if len(b.Cast) > 0 {
		fmt.Fprintf(&sb, "Cast: %s\n", strings.Join(b.Cast, ", "))
	}
	if b.Plan != nil {
		fmt.Fprintf(&sb, "Plan for chapter %d: %s. %s\n", b.Plan.Number, b.Plan.Title, b.Plan.Summary)
		if b.Plan.Conflict != "" {
			fmt.Fprintf(&sb, "Goal and conflict: %s\n", b.Plan.Conflict)
		}
		if b.Plan.Hook != "" {
			fmt.Fprintf(&sb, "Hook: %s\n", b.Plan.Hook)
		}
	}
	if b.Previous != "" {
		fmt.Fprintf(&sb, "Previously: %s\n", b.Previous)
	}
	if len(b.Facts) > 0 {
		sb.WriteString("Established facts:\n")
		for _, f := range b.Facts {
			fmt.Fprintf(&sb, "- %s\n", formatFact(f))
		}
	}
	if len(b.Snippets) > 0 {
		sb.WriteString("Relevant context:\n")
		for _, s := range b.Snippets {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}
	if b.Notice != "" {
		fmt.Fprintf(&sb, "%s\n", b.Notice)
	}
	return sb.String()
}
