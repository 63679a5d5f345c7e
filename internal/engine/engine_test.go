package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"storyline/internal/config"
	"storyline/internal/consistency"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/events"
	"storyline/internal/factstore"
	"storyline/internal/faults"
	"storyline/internal/generation"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

const characterJSON = `[
  {"name": "Mira", "role_in_story": "lead", "origin": "Saltreach", "status": "alive", "location": "harbor"},
  {"name": "Oren", "role_in_story": "rival", "status": "dead"}
]`

// storyGen writes well-formed output for every stage. chapter, when set,
// overrides the chapter text per chapter number and call.
type storyGen struct {
	mu      sync.Mutex
	calls   map[string]int
	chapter func(n, call int) string
	fail    map[domain.StageKind]error
	garbage map[domain.StageKind]bool
}

func (g *storyGen) Generate(_ context.Context, spec generation.PromptSpec, _ consistency.Bundle, _ generation.Style) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	key := string(spec.Stage)
	if spec.Stage == domain.StageChapter {
		key = fmt.Sprintf("chapter:%d", spec.Chapter)
	}
	call := g.calls[key]
	g.calls[key]++
	if err := g.fail[spec.Stage]; err != nil {
		return "", err
	}
	if g.garbage[spec.Stage] {
		return "no structure here", nil
	}
	switch spec.Stage {
	case domain.StageOverview:
		return "Title: Salt and Ash\nPremise: A harbor city drowns slowly.\nOutline: Mira searches for the lost lamp.", nil
	case domain.StageWorld:
		return `{"name": "Saltreach", "core_concept": "a drowning harbor city", "locations": [{"name": "Harbor", "description": "old stone docks"}]}`, nil
	case domain.StagePlot:
		var parts []string
		for i := 1; i <= spec.TargetChapters; i++ {
			parts = append(parts, fmt.Sprintf(`{"chapter_number": %d, "title": "Part %d", "core_scene_summary": "Mira keeps searching", "characters_present": ["Mira"]}`, i, i))
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	case domain.StageCharacters:
		return characterJSON, nil
	default:
		if g.chapter != nil {
			return g.chapter(spec.Chapter, call), nil
		}
		return chapter(spec.Chapter, fmt.Sprintf("item:Lamp%d | holder | Mira", spec.Chapter)), nil
	}
}

func chapter(n int, facts ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: Chapter %d\nContent: Mira walks the docks of Saltreach.\nSummary: Mira searches part %d.\nFacts:\n", n, n)
	for _, f := range facts {
		b.WriteString("- " + f + "\n")
	}
	b.WriteString("Events:\n")
	return b.String()
}

// scriptScorer returns scores per stage ("chapter:N" for chapters) in call
// order, repeating the last one; unscripted stages score 90.
type scriptScorer struct {
	mu     sync.Mutex
	script map[string][]int
	calls  map[string]int
	floor  int
}

func (s *scriptScorer) Score(_ context.Context, a domain.Artifact, _ consistency.Bundle) (domain.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	key := string(a.Kind)
	if a.Kind == domain.StageChapter {
		key = fmt.Sprintf("chapter:%d", a.Chapter)
	}
	i := s.calls[key]
	s.calls[key]++
	total := 90
	if s.floor > 0 && a.Kind == domain.StageChapter {
		total = s.floor
	}
	if seq := s.script[key]; len(seq) > 0 {
		if i >= len(seq) {
			i = len(seq) - 1
		}
		total = seq[i]
	}
	return domain.Score{Total: total, Dimensions: map[string]int{"pacing": total, "detail": total + 5}}, nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	DB     *sql.DB
	Dir    string
	Gen    *storyGen
	Scorer *scriptScorer
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	return openEnv(t, dir, mutate, &storyGen{}, &scriptScorer{})
}

func openEnv(t *testing.T, dir string, mutate func(*config.Config), gen *storyGen, scorer *scriptScorer) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	eng := engine.New(conn, cfg, gen, scorer)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Sleep = func(context.Context, time.Duration) error { return nil }
	return testEnv{Engine: eng, Ctx: context.Background(), DB: conn, Dir: dir, Gen: gen, Scorer: scorer}
}

func (env testEnv) start(t *testing.T, chapters int, mode domain.ConflictMode) domain.Project {
	t.Helper()
	p, err := env.Engine.StartProject(env.Ctx, engine.StartOptions{ID: "proj-1", Theme: "a drowning city", Chapters: chapters, Mode: mode, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start project: %v", err)
	}
	return p
}

func (env testEnv) run(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.Run(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return p
}

func (env testEnv) count(t *testing.T, typ string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountEvents(env.Ctx, "proj-1", typ)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func (env testEnv) eventTypes(t *testing.T) []string {
	t.Helper()
	evs, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilter{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func (env testEnv) chapterArtifacts(t *testing.T, n int) []domain.Artifact {
	t.Helper()
	list, err := env.Engine.Repo.ListArtifacts(env.Ctx, repo.ArtifactFilter{ProjectID: "proj-1", Kind: domain.StageChapter, Chapter: &n})
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	return list
}

func (env testEnv) decide(t *testing.T, choice string) domain.Project {
	t.Helper()
	d, err := env.Engine.PendingDecision(env.Ctx, "proj-1")
	if err != nil || d == nil {
		t.Fatalf("pending decision: %v %v", d, err)
	}
	p, err := env.Engine.SubmitDecision(env.Ctx, "proj-1", d.ID, choice, "tester")
	if err != nil {
		t.Fatalf("submit %s: %v", choice, err)
	}
	return p
}

func TestStartProjectValidates(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []engine.StartOptions{
		{Theme: ""},
		{Theme: "x", Chapters: 16},
		{Theme: "x", Chapters: 2, WordsPerChapter: 100},
		{Theme: "x", Chapters: 2, Mode: "sometimes"},
	}
	for _, opts := range cases {
		if _, err := env.Engine.StartProject(env.Ctx, opts); !errors.Is(err, faults.ErrInvalidInput) {
			t.Fatalf("%+v: expected invalid input, got %v", opts, err)
		}
	}
	p := env.start(t, 2, domain.ModeAutomatic)
	if p.Status != domain.StatusRunning || p.Phase != domain.PhaseInitializing || p.MaxIterations != 6 {
		t.Fatalf("unexpected initial state: %+v", p)
	}
}

func TestRunCompletesPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, 2, domain.ModeAutomatic)
	p := env.run(t)
	if p.Status != domain.StatusCompleted || p.Phase != domain.PhaseDone {
		t.Fatalf("expected completed, got %s/%s (%s)", p.Status, p.Phase, p.StatusReason)
	}
	if p.Spine.Title != "Salt and Ash" || len(p.Spine.Plan) != 2 || len(p.Spine.Cast) != 2 {
		t.Fatalf("spine not built: %+v", p.Spine)
	}
	if got := env.count(t, events.StageAccepted); got != 6 {
		t.Fatalf("expected 6 accepted stages, got %d", got)
	}
	m, err := env.Engine.Manuscript(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("manuscript: %v", err)
	}
	if len(m.Chapters) != 2 || m.Chapters[0].Number != 1 || m.Chapters[1].Number != 2 {
		t.Fatalf("unexpected chapters: %+v", m.Chapters)
	}
	if m.FactSnapshot.FactCount == 0 {
		t.Fatal("expected committed facts in snapshot")
	}
	if _, err := env.Engine.Step(env.Ctx, "proj-1"); !errors.Is(err, faults.ErrInvalidState) {
		t.Fatalf("step on completed project: %v", err)
	}
}

func TestRetryThenAcceptCommitsOnlyFinalAttempt(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Scorer.script = map[string][]int{"chapter:1": {60, 70, 85}}
	env.Gen.chapter = func(n, call int) string {
		return chapter(n, fmt.Sprintf("item:Draft%d | holder | Mira", call+1))
	}
	env.start(t, 1, domain.ModeHumanReviewed)
	p := env.run(t)
	if p.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s: %s", p.Status, p.StatusReason)
	}
	arts := env.chapterArtifacts(t, 1)
	if len(arts) != 3 {
		t.Fatalf("expected 3 chapter drafts, got %d", len(arts))
	}
	for _, a := range arts[:2] {
		if a.Status != domain.ArtifactRejected {
			t.Fatalf("draft %d should be rejected, is %s", a.Attempt, a.Status)
		}
	}
	final := arts[2]
	if final.Status != domain.ArtifactAccepted || final.Attempt != 3 {
		t.Fatalf("unexpected final draft: attempt %d status %s", final.Attempt, final.Status)
	}
	commits, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilter{ProjectID: "proj-1", Type: events.FactsCommitted})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var chapterCommits []string
	for _, ev := range commits {
		for _, a := range arts {
			if ev.EntityID == a.ID {
				chapterCommits = append(chapterCommits, ev.EntityID)
			}
		}
	}
	if diff := cmp.Diff([]string{final.ID}, chapterCommits); diff != "" {
		t.Fatalf("fact commits (-want +got):\n%s", diff)
	}
	if got := env.count(t, events.StageRetryRequested); got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
}

func TestRejectedDraftFactsAreNeverCommitted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Scorer.script = map[string][]int{"chapter:1": {60, 85}}
	env.Gen.chapter = func(n, call int) string {
		if call == 0 {
			return chapter(n, "item:Lantern | holder | Oren")
		}
		return chapter(n, "item:Compass | holder | Mira")
	}
	env.start(t, 1, domain.ModeAutomatic)
	env.run(t)

	lantern := domain.EntityRef{Kind: domain.EntityItem, Name: "Lantern"}
	if _, err := env.Engine.Store.CurrentValue(env.Ctx, "proj-1", lantern, "holder"); !errors.Is(err, factstore.ErrNotFound) {
		t.Fatalf("rejected draft fact leaked: %v", err)
	}
	compass := domain.EntityRef{Kind: domain.EntityItem, Name: "Compass"}
	f, err := env.Engine.Store.CurrentValue(env.Ctx, "proj-1", compass, "holder")
	if err != nil || f.Value != "Mira" {
		t.Fatalf("accepted fact missing: %+v %v", f, err)
	}
	arts := env.chapterArtifacts(t, 1)
	if n, _ := env.Engine.Repo.CountFactsFrom(env.Ctx, arts[0].ID); n != 0 {
		t.Fatalf("rejected draft has %d facts", n)
	}
}

func TestPlateauEscalatesWithBothDrafts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Scorer.script = map[string][]int{"chapter:1": {50, 55}}
	env.start(t, 1, domain.ModeHumanReviewed)
	p := env.run(t)
	if p.Status != domain.StatusPaused {
		t.Fatalf("expected paused, got %s", p.Status)
	}
	d := p.PendingDecision
	if d == nil || d.Kind != domain.DecisionDraftSelection || d.Code != "quality_plateau" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	arts := env.chapterArtifacts(t, 1)
	if len(arts) != 2 {
		t.Fatalf("expected 2 drafts, got %d", len(arts))
	}
	want := []string{
		domain.DraftPrefix + arts[1].ID,
		domain.DraftPrefix + arts[0].ID,
		domain.ChoiceRetry,
		domain.ChoiceAbort,
	}
	var got []string
	for _, o := range d.Options {
		got = append(got, o.ID)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("options (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{arts[1].ID, arts[0].ID}, d.Drafts); diff != "" {
		t.Fatalf("drafts (-want +got):\n%s", diff)
	}
	if got := env.count(t, events.DecisionCreated); got != 1 {
		t.Fatalf("expected one decision, got %d", got)
	}

	// choosing the weaker draft is allowed; it was the last chapter
	p = env.decide(t, domain.DraftPrefix+arts[0].ID)
	if p.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", p.Status)
	}
	arts = env.chapterArtifacts(t, 1)
	if arts[0].Status != domain.ArtifactAccepted || arts[1].Status != domain.ArtifactRejected {
		t.Fatalf("unexpected statuses: %s %s", arts[0].Status, arts[1].Status)
	}
}

func TestIterationBoundAndSafetyGuardFiresOnce(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Pipeline.MinImprovement = 0 })
	env.Scorer.floor = 10
	env.start(t, 2, domain.ModeHumanReviewed)

	var p domain.Project
	for i := 0; i < 20; i++ {
		p = env.run(t)
		if p.IterationCount > p.MaxIterations {
			t.Fatalf("iteration count %d exceeded %d", p.IterationCount, p.MaxIterations)
		}
		if p.Status != domain.StatusPaused {
			break
		}
		if p.PendingDecision.Kind == domain.DecisionSafetyLimit {
			if diff := cmp.Diff([]string{domain.ChoiceFinish, domain.ChoiceAbort}, []string{p.PendingDecision.Options[0].ID, p.PendingDecision.Options[1].ID}); diff != "" {
				t.Fatalf("safety options (-want +got):\n%s", diff)
			}
			p = env.decide(t, domain.ChoiceFinish)
			break
		}
		env.decide(t, domain.ChoiceRetry)
	}
	if p.Status != domain.StatusCompleted {
		t.Fatalf("expected completed after finish, got %s", p.Status)
	}
	if p.IterationCount != p.MaxIterations {
		t.Fatalf("expected loop to stop at %d iterations, got %d", p.MaxIterations, p.IterationCount)
	}
	if got := env.count(t, events.SafetyLimitExceeded); got != 1 {
		t.Fatalf("safety guard fired %d times", got)
	}
	for _, a := range env.chapterArtifacts(t, 1) {
		if a.Status == domain.ArtifactAccepted || a.Status == domain.ArtifactScored {
			t.Fatalf("draft %s left %s", a.ID, a.Status)
		}
	}
}

func TestResumeInFreshEngineMatchesUninterruptedRun(t *testing.T) {
	script := map[string][]int{"chapter:1": {60, 85}, "plot": {70, 90}}

	full := openEnv(t, t.TempDir(), nil, &storyGen{}, &scriptScorer{script: script})
	full.start(t, 2, domain.ModeAutomatic)
	want := full.run(t)

	dir := t.TempDir()
	first := openEnv(t, dir, nil, &storyGen{}, &scriptScorer{script: script})
	first.start(t, 2, domain.ModeAutomatic)
	for i := 0; i < 5; i++ {
		if _, err := first.Engine.Step(first.Ctx, "proj-1"); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	first.DB.Close()

	// the scorer's per-stage counters carry over, as a collaborator would
	// keep scoring the same drafts the same way
	second := openEnv(t, dir, nil, first.Gen, first.Scorer)
	got, err := second.Engine.Resume(second.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	ignore := func(p domain.Project) domain.Project {
		p.Completed, p.PendingDecision, p.FactSnapshot = nil, nil, nil
		p.Version, p.UpdatedAt = 0, ""
		return p
	}
	if diff := cmp.Diff(ignore(want), ignore(got)); diff != "" {
		t.Fatalf("resumed project differs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(full.eventTypes(t), second.eventTypes(t)); diff != "" {
		t.Fatalf("event sequence differs (-want +got):\n%s", diff)
	}
	wm, _ := full.Engine.Manuscript(full.Ctx, "proj-1")
	gm, _ := second.Engine.Manuscript(second.Ctx, "proj-1")
	if diff := cmp.Diff(wm, gm); diff != "" {
		t.Fatalf("manuscript differs (-want +got):\n%s", diff)
	}
}

func TestPausedProjectResumesInFreshEngine(t *testing.T) {
	script := map[string][]int{"overview": {50, 52}}

	full := openEnv(t, t.TempDir(), nil, &storyGen{}, &scriptScorer{script: script})
	full.start(t, 1, domain.ModeHumanReviewed)
	if p := full.run(t); p.Status != domain.StatusPaused {
		t.Fatalf("expected pause, got %s", p.Status)
	}
	d, err := full.Engine.PendingDecision(full.Ctx, "proj-1")
	if err != nil || d == nil {
		t.Fatalf("pending decision: %v %v", d, err)
	}
	full.decide(t, d.Options[0].ID)
	want := full.run(t)

	dir := t.TempDir()
	first := openEnv(t, dir, nil, &storyGen{}, &scriptScorer{script: script})
	first.start(t, 1, domain.ModeHumanReviewed)
	if p := first.run(t); p.Status != domain.StatusPaused {
		t.Fatalf("expected pause, got %s", p.Status)
	}
	before, err := first.Engine.PendingDecision(first.Ctx, "proj-1")
	if err != nil || before == nil {
		t.Fatalf("pending decision: %v %v", before, err)
	}
	first.DB.Close()

	second := openEnv(t, dir, nil, first.Gen, first.Scorer)
	stored, err := second.Engine.PendingDecision(second.Ctx, "proj-1")
	if err != nil || stored == nil {
		t.Fatalf("pending decision after reopen: %v %v", stored, err)
	}
	if diff := cmp.Diff(before, stored); diff != "" {
		t.Fatalf("decision changed across reopen (-want +got):\n%s", diff)
	}
	if stored.Kind != domain.DecisionDraftSelection || !strings.HasPrefix(stored.Options[0].ID, domain.DraftPrefix) {
		t.Fatalf("unexpected decision %+v", stored)
	}
	if _, err := second.Engine.SubmitDecision(second.Ctx, "proj-1", stored.ID, stored.Options[0].ID, "tester"); err != nil {
		t.Fatalf("submit after reopen: %v", err)
	}
	got := second.run(t)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s: %s", got.Status, got.StatusReason)
	}

	ignore := func(p domain.Project) domain.Project {
		p.Completed, p.PendingDecision, p.FactSnapshot = nil, nil, nil
		p.Version, p.UpdatedAt = 0, ""
		return p
	}
	if diff := cmp.Diff(ignore(want), ignore(got)); diff != "" {
		t.Fatalf("resumed project differs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(full.eventTypes(t), second.eventTypes(t)); diff != "" {
		t.Fatalf("event sequence differs (-want +got):\n%s", diff)
	}
}

type brokenIndex struct{}

func (brokenIndex) Add(context.Context, string, string, []string) error {
	return faults.New(faults.CodeStoreUnavailable, "index offline")
}

func (brokenIndex) Search(context.Context, string, string, int) ([]string, error) {
	return nil, faults.New(faults.CodeStoreUnavailable, "index offline")
}

func TestDegradedSemanticIndexStillCompletes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Store = factstore.New(env.Engine.Repo, brokenIndex{})
	env.start(t, 1, domain.ModeAutomatic)
	p := env.run(t)
	if p.Status != domain.StatusCompleted {
		t.Fatalf("expected completed in degraded mode, got %s: %s", p.Status, p.StatusReason)
	}
	if got := env.count(t, events.ContextDegraded); got == 0 {
		t.Fatal("expected degraded context events")
	}
	if len(env.chapterArtifacts(t, 1)) != 1 {
		t.Fatal("expected the chapter to be written")
	}
}

func TestStaleDecisionIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Scorer.script = map[string][]int{"overview": {50, 52}}
	env.start(t, 1, domain.ModeHumanReviewed)
	p := env.run(t)
	d := p.PendingDecision
	if d == nil {
		t.Fatalf("expected pending decision, got %s", p.Status)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, "proj-1", "not-it", domain.ChoiceRetry, "tester"); !errors.Is(err, faults.ErrStaleDecision) {
		t.Fatalf("expected stale decision, got %v", err)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, "proj-1", d.ID, "extend", "tester"); !errors.Is(err, faults.ErrInvalidInput) {
		t.Fatalf("expected invalid choice, got %v", err)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, "proj-1", d.ID, domain.ChoiceRetry, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, "proj-1", d.ID, domain.ChoiceRetry, "tester"); !errors.Is(err, faults.ErrStaleDecision) {
		t.Fatalf("second submit should be stale, got %v", err)
	}
	stored, err := env.Engine.Repo.GetDecision(env.Ctx, d.ID)
	if err != nil || stored.Status != "resolved" || stored.DecidedBy != "tester" {
		t.Fatalf("decision not resolved: %+v %v", stored, err)
	}
	p, _ = env.Engine.GetProject(env.Ctx, "proj-1")
	if p.Attempt.Attempts != 0 || p.Attempt.Directive == "" || p.Attempt.Rounds != 1 {
		t.Fatalf("retry should reset attempts, keep directive and count the round: %+v", p.Attempt)
	}
}

func TestCancel(t *testing.T) {
	t.Run("paused project cancels at once", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.Scorer.script = map[string][]int{"overview": {40, 41}}
		env.start(t, 1, domain.ModeHumanReviewed)
		env.run(t)
		p, err := env.Engine.Cancel(env.Ctx, "proj-1", "tester")
		if err != nil || p.Status != domain.StatusCancelled {
			t.Fatalf("cancel: %s %v", p.Status, err)
		}
		arts, _ := env.Engine.Repo.ListArtifacts(env.Ctx, repo.ArtifactFilter{ProjectID: "proj-1"})
		for _, a := range arts {
			if a.Status != domain.ArtifactRejected {
				t.Fatalf("draft left %s", a.Status)
			}
		}
		if _, err := env.Engine.Repo.PendingDecision(env.Ctx, "proj-1"); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("decision still pending: %v", err)
		}
	})
	t.Run("concurrent checkpoint", func(t *testing.T) {
		for _, tc := range []struct {
			name  string
			bumps int
			ok    bool
		}{
			{"retried once", 1, true},
			{"keeps moving", 100, false},
		} {
			t.Run(tc.name, func(t *testing.T) {
				env := newTestEnv(t, nil)
				env.start(t, 1, domain.ModeAutomatic)
				// another writer commits between the read and the checkpoint
				clock, bumped := env.Engine.Now, 0
				env.Engine.Now = func() time.Time {
					if bumped < tc.bumps {
						bumped++
						if _, err := env.DB.Exec(`UPDATE projects SET version = version + 1 WHERE id = 'proj-1'`); err != nil {
							t.Errorf("bump version: %v", err)
						}
					}
					return clock()
				}
				p, err := env.Engine.Cancel(env.Ctx, "proj-1", "tester")
				if tc.ok {
					if err != nil || !p.CancelRequested {
						t.Fatalf("cancel: %+v %v", p, err)
					}
					return
				}
				if !errors.Is(err, faults.ErrInvalidState) || !errors.Is(err, repo.ErrVersionConflict) {
					t.Fatalf("expected invalid state from version conflict, got %v", err)
				}
				if bumped != 2 {
					t.Fatalf("expected one retry, got %d attempts", bumped)
				}
			})
		}
	})
	t.Run("running project stops at next boundary", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.start(t, 1, domain.ModeAutomatic)
		if _, err := env.Engine.Step(env.Ctx, "proj-1"); err != nil {
			t.Fatalf("step: %v", err)
		}
		p, err := env.Engine.Cancel(env.Ctx, "proj-1", "tester")
		if err != nil || !p.CancelRequested || p.Status != domain.StatusRunning {
			t.Fatalf("cancel request: %+v %v", p, err)
		}
		p = env.run(t)
		if p.Status != domain.StatusCancelled {
			t.Fatalf("expected cancelled, got %s", p.Status)
		}
		if _, err := env.Engine.Cancel(env.Ctx, "proj-1", "tester"); !errors.Is(err, faults.ErrInvalidState) {
			t.Fatalf("cancel terminal project: %v", err)
		}
	})
}

func TestPersistenceFailureMarksProjectFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, 1, domain.ModeAutomatic)
	if _, err := env.DB.Exec(`CREATE TRIGGER block_artifacts BEFORE INSERT ON artifacts BEGIN SELECT RAISE(ABORT, 'disk full'); END`); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	_, err := env.Engine.Run(env.Ctx, "proj-1")
	if !errors.Is(err, faults.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	p, _ := env.Engine.GetProject(env.Ctx, "proj-1")
	if p.Status != domain.StatusFailed || !strings.Contains(p.StatusReason, "disk full") {
		t.Fatalf("expected failed with reason, got %s %q", p.Status, p.StatusReason)
	}
}

func TestCollaboratorFailuresEscalate(t *testing.T) {
	t.Run("malformed output", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.Gen.garbage = map[domain.StageKind]bool{domain.StageWorld: true}
		env.start(t, 1, domain.ModeAutomatic)
		p := env.run(t)
		if p.PendingDecision == nil || p.PendingDecision.Kind != domain.DecisionMalformedOutput {
			t.Fatalf("expected malformed decision, got %+v", p.PendingDecision)
		}
		if p.PendingDecision.Options[0].ID != domain.ChoiceRetry {
			t.Fatalf("unexpected options: %+v", p.PendingDecision.Options)
		}
		if got := env.Gen.calls["world"]; got != 3 {
			t.Fatalf("expected 3 world generations, got %d", got)
		}
		p = env.decide(t, domain.ChoiceAbort)
		if p.Status != domain.StatusFailed {
			t.Fatalf("expected failed after abort, got %s", p.Status)
		}
	})
	t.Run("generation unavailable", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.Gen.fail = map[domain.StageKind]error{domain.StageOverview: faults.New(faults.CodeGenerationUnavailable, "503")}
		env.start(t, 1, domain.ModeAutomatic)
		p := env.run(t)
		if p.PendingDecision == nil || p.PendingDecision.Kind != domain.DecisionGenerationFailed {
			t.Fatalf("expected generation decision, got %+v", p.PendingDecision)
		}
		env.Gen.fail = nil
		env.decide(t, domain.ChoiceRetry)
		p = env.run(t)
		if p.Status != domain.StatusCompleted {
			t.Fatalf("expected completion after recovery, got %s", p.Status)
		}
	})
}

func TestConflictReview(t *testing.T) {
	// Oren is dead; the chapter puts him in the market.
	ghost := func(n, _ int) string { return chapter(n, "character:Oren | location | market") }
	oren := domain.EntityRef{Kind: domain.EntityCharacter, Name: "Oren"}

	for _, tc := range []struct {
		choice    string
		committed bool
	}{
		{domain.ChoiceKeepPrior, false},
		{domain.ChoiceAcceptNew, true},
	} {
		t.Run(tc.choice, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.Gen.chapter = ghost
			env.start(t, 1, domain.ModeHumanReviewed)
			p := env.run(t)
			d := p.PendingDecision
			if d == nil || d.Kind != domain.DecisionConflictReview || len(d.Conflicts) != 1 || d.Conflicts[0].Severity != domain.SeverityHigh {
				t.Fatalf("expected conflict review, got %+v", d)
			}
			p = env.decide(t, tc.choice)
			if p.Status != domain.StatusCompleted {
				t.Fatalf("expected completed, got %s", p.Status)
			}
			_, err := env.Engine.Store.CurrentValue(env.Ctx, "proj-1", oren, "location")
			if tc.committed != (err == nil) {
				t.Fatalf("committed=%v, lookup err %v", tc.committed, err)
			}
			conflicts, _ := env.Engine.Repo.ListConflicts(env.Ctx, repo.ConflictFilter{ProjectID: "proj-1"})
			if len(conflicts) != 1 || conflicts[0].Resolution != domain.HumanResolved {
				t.Fatalf("conflict not closed by human: %+v", conflicts)
			}
		})
	}

	t.Run("automatic mode retries then escalates", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.Gen.chapter = ghost
		env.start(t, 1, domain.ModeAutomatic)
		p := env.run(t)
		if p.PendingDecision == nil || p.PendingDecision.Kind != domain.DecisionConflictReview {
			t.Fatalf("expected conflict review after retries, got %+v", p.PendingDecision)
		}
		if got := len(env.chapterArtifacts(t, 1)); got != 3 {
			t.Fatalf("expected 3 attempts, got %d", got)
		}
	})
}

func TestRunnerAutoDecides(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Pipeline.MinImprovement = 0 })
	env.Scorer.floor = 10
	env.start(t, 1, domain.ModeHumanReviewed)
	r := engine.NewRunner(env.Engine, 2, true)
	p, err := r.Drive(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if p.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", p.Status)
	}
	decisions, _ := env.Engine.Repo.ListDecisions(env.Ctx, "proj-1")
	if len(decisions) == 0 || decisions[0].DecidedBy != engine.AutoDecider {
		t.Fatalf("expected auto decisions, got %+v", decisions)
	}
}

func TestRunnerAutoDecideGivesUpOnMalformedStage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Gen.garbage = map[domain.StageKind]bool{domain.StageWorld: true}
	env.start(t, 1, domain.ModeHumanReviewed)

	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	r := engine.NewRunner(env.Engine, 1, true)
	p, err := r.Drive(ctx, "proj-1")
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if p.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", p.Status)
	}
	if p.Stage != domain.StageWorld || p.IterationCount != 0 {
		t.Fatalf("unexpected stop point %s/%d", p.Stage, p.IterationCount)
	}

	// retry_factor rounds of one malformed attempt each
	decisions, err := env.Engine.Repo.ListDecisions(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	choices := map[string]int{}
	for _, d := range decisions {
		if d.Kind != domain.DecisionMalformedOutput || d.DecidedBy != engine.AutoDecider {
			t.Fatalf("unexpected decision %+v", d)
		}
		choices[d.Choice]++
		if d.Choice == domain.ChoiceAbort && len(d.Options) != 1 {
			t.Fatalf("last round should only offer abort: %+v", d.Options)
		}
	}
	if diff := cmp.Diff(map[string]int{domain.ChoiceRetry: 2, domain.ChoiceAbort: 1}, choices); diff != "" {
		t.Fatalf("choices (-want +got):\n%s", diff)
	}
	if got := env.Gen.calls["world"]; got != 9 {
		t.Fatalf("expected 9 world generations, got %d", got)
	}
}

func TestRunnerRunsProjectsConcurrently(t *testing.T) {
	env := newTestEnv(t, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		p, err := env.Engine.StartProject(env.Ctx, engine.StartOptions{ID: fmt.Sprintf("proj-%d", i+10), Theme: "tides", Chapters: 1, Mode: domain.ModeAutomatic})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		ids = append(ids, p.ID)
	}
	r := engine.NewRunner(env.Engine, 2, false)
	results, err := r.RunAll(env.Ctx, ids)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	for _, p := range results {
		if p.Status != domain.StatusCompleted {
			t.Fatalf("%s ended %s", p.ID, p.Status)
		}
	}
}

func TestDeleteProject(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t, 1, domain.ModeAutomatic)
	env.run(t)
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetProject(env.Ctx, "proj-1"); !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1"); !engine.IsNotFound(err) {
		t.Fatalf("second delete: %v", err)
	}
}
