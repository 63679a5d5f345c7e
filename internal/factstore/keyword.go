package factstore

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"storyline/internal/repo"
)

// KeywordIndex is a term-overlap index stored in the snippets table. Each
// document keeps its normalized term set; a query ranks documents by the
// number of distinct query terms they share, newer documents first on ties.
type KeywordIndex struct {
	Repo repo.Repo
}

func (k KeywordIndex) Add(ctx context.Context, projectID, sourceArtifactID string, docs []string) error {
	for _, doc := range docs {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		terms := Terms(doc)
		if _, err := k.Repo.InsertSnippet(ctx, repo.Snippet{
			ProjectID:        projectID,
			SourceArtifactID: sourceArtifactID,
			Body:             doc,
			Terms:            strings.Join(terms, " "),
		}); err != nil {
			return unavailable("store snippet", err)
		}
	}
	return nil
}

func (k KeywordIndex) Search(ctx context.Context, projectID, query string, limit int) ([]string, error) {
	want := map[string]bool{}
	for _, t := range Terms(query) {
		want[t] = true
	}
	if len(want) == 0 || limit <= 0 {
		return nil, nil
	}
	snippets, err := k.Repo.ListSnippets(ctx, projectID)
	if err != nil {
		return nil, unavailable("load snippets", err)
	}
	type hit struct {
		body  string
		score int
		id    int64
	}
	var hits []hit
	for _, s := range snippets {
		score := 0
		for _, t := range strings.Fields(s.Terms) {
			if want[t] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{body: s.Body, score: score, id: s.ID})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id > hits[j].id
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	res := make([]string, 0, len(hits))
	for _, h := range hits {
		res = append(res, h.body)
	}
	return res, nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "was": true, "were": true, "are": true, "his": true,
	"her": true, "their": true, "has": true, "have": true, "had": true, "but": true,
	"not": true, "you": true, "she": true, "him": true, "they": true, "them": true,
	"chapter": true, "title": true, "summary": true, "content": true, "snippet": true,
}

// Terms returns the distinct lowercase terms of text in first-seen order.
func Terms(text string) []string {
	seen := map[string]bool{}
	var res []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		res = append(res, w)
	}
	return res
}
