// Package cost estimates the tokens and price of a full pipeline run before
// it starts.
package cost

import (
	"math"
	"strings"
)

// Tokens per word by kind of text.
const (
	ProseRate      = 1.33
	StructuredRate = 1.5
	PromptRate     = 1.2
)

// USD per 1K tokens.
const (
	InputPrice  = 0.03
	OutputPrice = 0.06
)

// Fixed instruction sizes, in tokens, of each prompt the pipeline sends.
var basePrompt = map[string]int{
	"overview":   800,
	"world":      700,
	"plot":       900,
	"characters": 1000,
	"chapter":    800,
	"scoring":    600,
}

// Assumed lengths, in words, of the intermediate artifacts.
const (
	outlineWords      = 200
	worldWords        = 150
	planWordsPer      = 150
	characterCount    = 3
	characterWords    = 200
	chapterExtraWords = 35
	scoreWords        = 100
)

type Request struct {
	Theme           string
	Style           string
	Chapters        int
	WordsPerChapter int
}

type Operation struct {
	Name         string  `json:"name"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type Breakdown struct {
	Operations   []Operation `json:"operations"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	TotalTokens  int         `json:"total_tokens"`
	CostUSD      float64     `json:"cost_usd"`
}

func tokens(words int, rate float64) int {
	return int(math.Ceil(float64(words) * rate))
}

func op(name string, in, out int) Operation {
	return Operation{
		Name:         name,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      float64(in)/1000*InputPrice + float64(out)/1000*OutputPrice,
	}
}

// Estimate walks the stages in order, feeding each stage the assumed size of
// what the previous ones produced. Every chapter prompt carries the context
// bundle, and every draft is sent once more to the scorer. Zero chapters or
// words take the pipeline defaults of 3 and 1000.
func Estimate(req Request) Breakdown {
	chapters := req.Chapters
	if chapters <= 0 {
		chapters = 3
	}
	words := req.WordsPerChapter
	if words <= 0 {
		words = 1000
	}
	theme := len(strings.Fields(req.Theme))
	style := len(strings.Fields(req.Style))
	planWords := planWordsPer * chapters
	contextWords := outlineWords + worldWords + planWords + characterCount*characterWords

	chapterIn := basePrompt["chapter"] + tokens(contextWords, PromptRate)
	chapterOut := tokens(words+chapterExtraWords, ProseRate)

	ops := []Operation{
		op("overview",
			basePrompt["overview"]+tokens(theme, PromptRate)+tokens(style, PromptRate),
			tokens(900, StructuredRate)),
		op("world",
			basePrompt["world"]+tokens(theme, PromptRate)+tokens(outlineWords, PromptRate),
			tokens(450, StructuredRate)),
		op("plot",
			basePrompt["plot"]+tokens(outlineWords, PromptRate)+tokens(worldWords, PromptRate),
			tokens(300*chapters, StructuredRate)),
		op("characters",
			basePrompt["characters"]+tokens(outlineWords, PromptRate)+tokens(worldWords, PromptRate)+tokens(planWords, PromptRate),
			tokens(400*characterCount, StructuredRate)),
		op("chapter", chapterIn*chapters, chapterOut*chapters),
	}

	// the scorer reads each draft it grades
	scored := 0
	for _, o := range ops {
		scored += o.OutputTokens
	}
	calls := len(ops) - 1 + chapters
	ops = append(ops, op("scoring", basePrompt["scoring"]*calls+scored, tokens(scoreWords, StructuredRate)*calls))

	est := Breakdown{Operations: ops}
	for _, o := range ops {
		est.InputTokens += o.InputTokens
		est.OutputTokens += o.OutputTokens
		est.CostUSD += o.CostUSD
	}
	est.TotalTokens = est.InputTokens + est.OutputTokens
	return est
}
