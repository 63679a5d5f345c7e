package stage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"storyline/internal/domain"
	"storyline/internal/faults"
)

const chapterFormat = "Title: <chapter title>\nContent: <chapter text>\nSummary: <one paragraph>\n" +
	"Facts:\n- character:<name> | <attribute> | <value>\n" +
	"Events:\n- <travel|transfer|death|...> | character:<name> | <attribute>"

// Formats is the output format requested from the generator per stage kind.
var Formats = map[domain.StageKind]string{
	domain.StageOverview:   "Title: <title>\nPremise: <one paragraph>\nOutline: <outline>",
	domain.StageWorld:      `{"name": "...", "core_concept": "...", "locations": [{"name": "...", "description": "..."}], "organizations": [{"name": "...", "description": "..."}], "rules": ["..."]}`,
	domain.StagePlot:       `[{"chapter_number": 1, "title": "...", "core_scene_summary": "...", "characters_present": ["..."], "key_events": ["..."], "goal_and_conflict": "...", "turning_point": "...", "tone": "...", "suspense_or_hook": "...", "estimated_words": 1000}]`,
	domain.StageCharacters: `[{"name": "...", "description": "...", "role_in_story": "...", "origin": "...", "status": "...", "location": "..."}]`,
	domain.StageChapter:    chapterFormat,
}

func malformed(format string, args ...any) error {
	return faults.Newf(faults.CodeMalformedOutput, format, args...)
}

// Parse turns raw generator output into the typed variant for kind.
func Parse(kind domain.StageKind, raw string, p domain.Project, chapter int) (domain.Fields, error) {
	switch kind {
	case domain.StageOverview:
		o, err := parseOverview(raw)
		return domain.Fields{Overview: o}, err
	case domain.StageWorld:
		w, err := parseWorld(raw)
		return domain.Fields{World: w}, err
	case domain.StagePlot:
		pl, err := parsePlot(raw, p.TargetChapters)
		return domain.Fields{Plot: pl}, err
	case domain.StageCharacters:
		c, err := parseCharacters(raw)
		return domain.Fields{Characters: c}, err
	case domain.StageChapter:
		c, err := parseChapter(raw, chapter)
		return domain.Fields{Chapter: c}, err
	}
	return domain.Fields{}, faults.Newf(faults.CodeInvalidInput, "unknown stage kind %q", kind)
}

// sections splits marker text ("Title: ...") into marker -> body. Required
// markers must all be present and appear in the given order.
func sections(raw string, required, optional []string) (map[string]string, error) {
	known := map[string]bool{}
	for _, m := range append(append([]string(nil), required...), optional...) {
		known[strings.ToLower(m)] = true
	}
	out := map[string]string{}
	var order []string
	current := ""
	var body []string
	flush := func() {
		if current != "" {
			out[current] = strings.TrimSpace(strings.Join(body, "\n"))
		}
	}
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimLeft(strings.TrimSpace(line), "#* ")
		if name, rest, ok := strings.Cut(trimmed, ":"); ok && known[strings.ToLower(strings.Trim(name, "* "))] {
			key := strings.ToLower(strings.Trim(name, "* "))
			if _, dup := out[key]; !dup && key != current {
				flush()
				current = key
				order = append(order, key)
				body = []string{strings.TrimSpace(strings.TrimLeft(rest, "* "))}
				continue
			}
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()
	pos := map[string]int{}
	for i, k := range order {
		pos[k] = i
	}
	last := -1
	for _, m := range required {
		key := strings.ToLower(m)
		i, ok := pos[key]
		if !ok || out[key] == "" {
			return nil, malformed("missing %s section", m)
		}
		if i < last {
			return nil, malformed("section %s out of order", m)
		}
		last = i
	}
	return out, nil
}

func parseOverview(raw string) (*domain.Overview, error) {
	s, err := sections(raw, []string{"Title", "Premise", "Outline"}, nil)
	if err != nil {
		return nil, err
	}
	return &domain.Overview{Title: s["title"], Premise: s["premise"], Outline: s["outline"]}, nil
}

// jsonPayload strips code fences and prose around the outermost JSON value.
func jsonPayload(raw string, open, close byte) (string, bool) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// decodeList accepts a bare JSON array or an object wrapping it under field.
func decodeList(raw, field string, out any) error {
	if payload, ok := jsonPayload(raw, '[', ']'); ok {
		if err := json.Unmarshal([]byte(payload), out); err == nil {
			return nil
		}
	}
	payload, ok := jsonPayload(raw, '{', '}')
	if !ok {
		return fmt.Errorf("no JSON value found")
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &wrapper); err != nil {
		return err
	}
	inner, ok := wrapper[field]
	if !ok {
		return fmt.Errorf("object has no %q field", field)
	}
	return json.Unmarshal(inner, out)
}

func parseWorld(raw string) (*domain.World, error) {
	payload, ok := jsonPayload(raw, '{', '}')
	if !ok {
		return nil, malformed("world output has no JSON object")
	}
	var w domain.World
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, malformed("world output is not valid JSON: %v", err)
	}
	if strings.TrimSpace(w.Name) == "" || strings.TrimSpace(w.CoreConcept) == "" {
		return nil, malformed("world requires name and core_concept")
	}
	return &w, nil
}

func parsePlot(raw string, target int) (*domain.Plot, error) {
	var chapters []domain.PlotChapter
	if err := decodeList(raw, "chapters", &chapters); err != nil {
		return nil, malformed("plot output is not a JSON array: %v", err)
	}
	if len(chapters) != target {
		return nil, malformed("plot has %d chapters, want %d", len(chapters), target)
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].Number < chapters[j].Number })
	for i, c := range chapters {
		if c.Number != i+1 {
			return nil, malformed("plot chapters must be numbered 1..%d", target)
		}
		if strings.TrimSpace(c.Title) == "" || strings.TrimSpace(c.Summary) == "" {
			return nil, malformed("plot chapter %d requires title and core_scene_summary", c.Number)
		}
	}
	return &domain.Plot{Chapters: chapters}, nil
}

func parseCharacters(raw string) (*domain.CharacterSet, error) {
	var chars []domain.Character
	if err := decodeList(raw, "characters", &chars); err != nil {
		return nil, malformed("characters output is not a JSON array: %v", err)
	}
	if len(chars) == 0 {
		return nil, malformed("characters output is empty")
	}
	seen := map[string]bool{}
	for _, c := range chars {
		name := strings.TrimSpace(c.Name)
		if name == "" || strings.TrimSpace(c.Role) == "" {
			return nil, malformed("character requires name and role_in_story")
		}
		if seen[strings.ToLower(name)] {
			return nil, malformed("character %s listed twice", name)
		}
		seen[strings.ToLower(name)] = true
	}
	return &domain.CharacterSet{Characters: chars}, nil
}

func parseChapter(raw string, number int) (*domain.Chapter, error) {
	s, err := sections(raw, []string{"Title", "Content", "Summary"}, []string{"Facts", "Events"})
	if err != nil {
		return nil, err
	}
	c := &domain.Chapter{Number: number, Title: s["title"], Content: s["content"], Summary: s["summary"]}
	for _, line := range listLines(s["facts"]) {
		parts := splitPipes(line)
		if len(parts) != 3 {
			return nil, malformed("fact line %q must be `kind:name | attribute | value`", line)
		}
		ref, err := domain.ParseEntityRef(parts[0])
		if err != nil || parts[1] == "" || parts[2] == "" {
			return nil, malformed("invalid fact line %q", line)
		}
		c.Claims = append(c.Claims, domain.FactClaim{Entity: ref, Attribute: strings.ToLower(parts[1]), Value: parts[2]})
	}
	for _, line := range listLines(s["events"]) {
		parts := splitPipes(line)
		if len(parts) != 3 {
			return nil, malformed("event line %q must be `transition | kind:name | attribute`", line)
		}
		ref, err := domain.ParseEntityRef(parts[1])
		if err != nil || parts[0] == "" || parts[2] == "" {
			return nil, malformed("invalid event line %q", line)
		}
		c.Transitions = append(c.Transitions, domain.Transition{Kind: strings.ToLower(parts[0]), Entity: ref, Attribute: strings.ToLower(parts[2])})
	}
	return c, nil
}

func listLines(block string) []string {
	var out []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "none") {
			continue
		}
		out = append(out, strings.TrimSpace(strings.TrimLeft(line, "-*")))
	}
	return out
}

func splitPipes(line string) []string {
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Describe is a short human label for a stage position.
func Describe(kind domain.StageKind, chapter int) string {
	if kind == domain.StageChapter {
		return fmt.Sprintf("chapter %d", chapter)
	}
	return string(kind)
}
