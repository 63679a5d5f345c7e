// Package generation holds the contracts of the text generation and scoring
// collaborators and an OpenAI-compatible implementation of both.
package generation

import (
	"context"
	"fmt"
	"strings"

	"storyline/internal/consistency"
	"storyline/internal/domain"
)

// Dimensions are the score dimensions, in the order the scorer reports them.
var Dimensions = []string{"coherence", "consistency", "pacing", "engagement", "originality", "detail", "grammar"}

// PromptSpec describes one generation request independent of wording.
type PromptSpec struct {
	Stage           domain.StageKind
	Chapter         int
	Theme           string
	TargetChapters  int
	WordsPerChapter int
	Format          string
	Directive       string
	// Strict asks for nothing but the required format after a parse failure.
	Strict bool
}

type Style struct {
	Style string
}

// Generator produces raw text for one stage attempt. Implementations return
// faults.CodeGenerationUnavailable or faults.CodeGenerationTimeout errors
// and must be safe to call again with the same input.
type Generator interface {
	Generate(ctx context.Context, spec PromptSpec, bundle consistency.Bundle, style Style) (string, error)
}

// Scorer grades a parsed artifact; totals and dimensions are 0-100.
type Scorer interface {
	Score(ctx context.Context, a domain.Artifact, reference consistency.Bundle) (domain.Score, error)
}

var stageTask = map[domain.StageKind]string{
	domain.StageOverview:   "Write the overview of a novel: a title, a one-paragraph premise and a short outline.",
	domain.StageWorld:      "Design the world the novel takes place in.",
	domain.StagePlot:       "Plan the novel chapter by chapter.",
	domain.StageCharacters: "Create the main cast of the novel.",
	domain.StageChapter:    "Write the next chapter of the novel.",
}

// Prompt renders the system and user messages for spec.
func Prompt(spec PromptSpec, bundle consistency.Bundle, style Style) (system, user string) {
	var sys strings.Builder
	sys.WriteString("You are a novelist collaborating on a long-form story. Follow the output format exactly.")
	if style.Style != "" {
		fmt.Fprintf(&sys, " Write in this style: %s.", style.Style)
	}
	var sb strings.Builder
	sb.WriteString(stageTask[spec.Stage])
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Theme: %s\n", spec.Theme)
	switch spec.Stage {
	case domain.StagePlot:
		fmt.Fprintf(&sb, "The novel has exactly %d chapters.\n", spec.TargetChapters)
	case domain.StageChapter:
		fmt.Fprintf(&sb, "This is chapter %d of %d. Aim for about %d words.\n", spec.Chapter, spec.TargetChapters, spec.WordsPerChapter)
	}
	if ctx := bundle.Render(); ctx != "" {
		sb.WriteString("\n")
		sb.WriteString(ctx)
	}
	if spec.Directive != "" {
		fmt.Fprintf(&sb, "\nRevision directive: %s\n", spec.Directive)
	}
	sb.WriteString("\nOutput format:\n")
	sb.WriteString(spec.Format)
	if spec.Strict {
		sb.WriteString("\nYour previous answer could not be parsed. Reply with the format above and nothing else.")
	}
	return sys.String(), sb.String()
}
