package generation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"storyline/internal/consistency"
	"storyline/internal/domain"
	"storyline/internal/faults"
)

// LLMGenerator produces stage text through a chat completions Client.
type LLMGenerator struct {
	Client *Client
}

func (g LLMGenerator) Generate(ctx context.Context, spec PromptSpec, bundle consistency.Bundle, style Style) (string, error) {
	system, user := Prompt(spec, bundle, style)
	return g.Client.Complete(ctx, system, user)
}

// LLMScorer asks a model to grade each dimension from 1 to 10.
type LLMScorer struct {
	Client *Client
}

var dimensionLine = regexp.MustCompile(`(?i)^\s*[-*]?\s*([a-z]+)\s*[:=]\s*(\d{1,3})(?:\s*/\s*10)?`)

func (s LLMScorer) Score(ctx context.Context, a domain.Artifact, reference consistency.Bundle) (domain.Score, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Grade this %s draft against the story so far.\n\n", a.Kind)
	sb.WriteString(reference.Render())
	sb.WriteString("\nDraft:\n")
	sb.WriteString(a.Raw)
	sb.WriteString("\n\nReply with one line per dimension, formatted `Dimension: N` with N from 1 to 10, for: ")
	sb.WriteString(strings.Join(Dimensions, ", "))
	sb.WriteString(". Then one line `Rationale: ...`.")
	reply, err := s.Client.Complete(ctx, "You are a strict literary editor.", sb.String())
	if err != nil {
		return domain.Score{}, err
	}
	return ParseScore(reply)
}

// ParseScore reads `Dimension: N` lines (1-10) and scales them to 0-100. The
// total is the mean of the recognised dimensions.
func ParseScore(reply string) (domain.Score, error) {
	known := map[string]bool{}
	for _, d := range Dimensions {
		known[d] = true
	}
	score := domain.Score{Dimensions: map[string]int{}}
	for _, line := range strings.Split(reply, "\n") {
		if r, ok := strings.CutPrefix(strings.TrimSpace(line), "Rationale:"); ok {
			score.Rationale = strings.TrimSpace(r)
			continue
		}
		m := dimensionLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.ToLower(m[1])
		if !known[name] {
			continue
		}
		v, _ := strconv.Atoi(m[2])
		if v > 10 {
			v = 10
		}
		score.Dimensions[name] = v * 10
	}
	if len(score.Dimensions) == 0 {
		return domain.Score{}, faults.New(faults.CodeGenerationUnavailable, "scorer reply has no dimension grades")
	}
	total := 0
	for _, v := range score.Dimensions {
		total += v
	}
	score.Total = total / len(score.Dimensions)
	return score, nil
}
