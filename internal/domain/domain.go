package domain

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused_for_decision"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseStages       Phase = "stage_running"
	PhaseChapterLoop  Phase = "chapter_loop"
	PhaseDone         Phase = "done"
)

type ConflictMode string

const (
	ModeAutomatic     ConflictMode = "automatic"
	ModeHumanReviewed ConflictMode = "human_reviewed"
)

type StageKind string

const (
	StageOverview   StageKind = "overview"
	StageWorld      StageKind = "world"
	StagePlot       StageKind = "plot"
	StageCharacters StageKind = "characters"
	StageChapter    StageKind = "chapter"
)

// LinearStages run once each, in order, before the chapter loop.
var LinearStages = []StageKind{StageOverview, StageWorld, StagePlot, StageCharacters}

// NextLinear returns the stage after k, or "" when the chapter loop follows.
func NextLinear(k StageKind) StageKind {
	for i, s := range LinearStages {
		if s == k && i+1 < len(LinearStages) {
			return LinearStages[i+1]
		}
	}
	return ""
}

func (k StageKind) Valid() bool {
	switch k {
	case StageOverview, StageWorld, StagePlot, StageCharacters, StageChapter:
		return true
	}
	return false
}

// Project is the authoritative orchestration state. The whole struct is the
// checkpoint: it is serialized after every transition and nothing else is
// needed to continue a run.
type Project struct {
	ID              string        `json:"id"`
	Theme           string        `json:"theme"`
	Style           string        `json:"style,omitempty"`
	TargetChapters  int           `json:"target_chapters"`
	WordsPerChapter int           `json:"words_per_chapter"`
	Mode            ConflictMode  `json:"mode" enum:"automatic,human_reviewed"`
	Status          Status        `json:"status" enum:"running,paused_for_decision,completed,failed,cancelled"`
	StatusReason    string        `json:"status_reason,omitempty"`
	Phase           Phase         `json:"phase"`
	Stage           StageKind     `json:"stage,omitempty"`
	CurrentChapter  int           `json:"current_chapter"`
	IterationCount  int           `json:"iteration_count"`
	MaxIterations   int           `json:"max_iterations"`
	SafetyMargin    int           `json:"safety_margin"`
	SafetyTripped   bool          `json:"safety_tripped,omitempty"`
	Attempt         AttemptState  `json:"attempt"`
	Completed       []ArtifactRef `json:"completed"`
	Spine           Spine         `json:"spine"`
	PendingDecision *Decision     `json:"pending_decision,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	FactSnapshot    *FactSnapshot `json:"fact_snapshot,omitempty"`
	Version         int           `json:"version"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
	UpdatedAt       string        `json:"updated_at" format:"date-time"`
}

// AttemptState tracks the attempts made for the stage currently pointed at.
// Rounds counts the fresh rounds started by a retry decision.
type AttemptState struct {
	Attempts  int        `json:"attempts"`
	Rounds    int        `json:"rounds,omitempty"`
	Directive string     `json:"directive,omitempty"`
	LastScore *int       `json:"last_score,omitempty"`
	Drafts    []DraftRef `json:"drafts,omitempty"`
}

type DraftRef struct {
	ArtifactID string `json:"artifact_id"`
	Attempt    int    `json:"attempt"`
	Score      int    `json:"score"`
}

// ArtifactRef points at an accepted artifact in completion order.
type ArtifactRef struct {
	ArtifactID string    `json:"artifact_id"`
	Kind       StageKind `json:"kind"`
	Chapter    int       `json:"chapter,omitempty"`
	Title      string    `json:"title,omitempty"`
	Summary    string    `json:"summary,omitempty"`
}

// Spine holds what later stages derive prompts from without touching the
// fact store: it is the degraded-mode context source.
type Spine struct {
	Title   string        `json:"title,omitempty"`
	Premise string        `json:"premise,omitempty"`
	World   string        `json:"world,omitempty"`
	Plan    []PlotChapter `json:"plan,omitempty"`
	Cast    []string      `json:"cast,omitempty"`
}

// PlanFor returns the plot entry for chapter n.
func (s Spine) PlanFor(n int) (PlotChapter, bool) {
	for _, c := range s.Plan {
		if c.Number == n {
			return c, true
		}
	}
	return PlotChapter{}, false
}

// LastSummary returns the summary of the most recently accepted artifact.
func (p Project) LastSummary() string {
	if len(p.Completed) == 0 {
		return ""
	}
	return p.Completed[len(p.Completed)-1].Summary
}

type FactSnapshot struct {
	ThroughSeq int64 `json:"through_seq"`
	FactCount  int   `json:"fact_count"`
}

type ArtifactStatus string

const (
	ArtifactDraft    ArtifactStatus = "draft"
	ArtifactScored   ArtifactStatus = "scored"
	ArtifactAccepted ArtifactStatus = "accepted"
	ArtifactRejected ArtifactStatus = "rejected"
)

// Artifact is one stage attempt. Accepted artifacts are never mutated; a
// retry produces a new Artifact.
type Artifact struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Kind      StageKind      `json:"kind"`
	Chapter   int            `json:"chapter,omitempty"`
	Attempt   int            `json:"attempt"`
	Status    ArtifactStatus `json:"status" enum:"draft,scored,accepted,rejected"`
	Raw       string         `json:"raw"`
	Fields    Fields         `json:"fields"`
	Score     *Score         `json:"score,omitempty"`
	Proposed  []FactEntry    `json:"proposed,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// Title returns the display title of the artifact when the variant has one.
func (a Artifact) Title() string {
	switch {
	case a.Fields.Overview != nil:
		return a.Fields.Overview.Title
	case a.Fields.World != nil:
		return a.Fields.World.Name
	case a.Fields.Chapter != nil:
		return a.Fields.Chapter.Title
	}
	return string(a.Kind)
}

// Fields is a tagged union: exactly one variant is set, matching the kind.
type Fields struct {
	Overview   *Overview     `json:"overview,omitempty"`
	World      *World        `json:"world,omitempty"`
	Plot       *Plot         `json:"plot,omitempty"`
	Characters *CharacterSet `json:"characters,omitempty"`
	Chapter    *Chapter      `json:"chapter,omitempty"`
}

// Kind returns the variant that is set.
func (f Fields) Kind() StageKind {
	switch {
	case f.Overview != nil:
		return StageOverview
	case f.World != nil:
		return StageWorld
	case f.Plot != nil:
		return StagePlot
	case f.Characters != nil:
		return StageCharacters
	case f.Chapter != nil:
		return StageChapter
	}
	return ""
}

// Summary is a one-paragraph digest used as degraded-mode context.
func (f Fields) Summary() string {
	switch {
	case f.Overview != nil:
		return f.Overview.Premise
	case f.World != nil:
		return f.World.Name + ": " + f.World.CoreConcept
	case f.Plot != nil:
		titles := make([]string, 0, len(f.Plot.Chapters))
		for _, c := range f.Plot.Chapters {
			titles = append(titles, fmt.Sprintf("%d. %s", c.Number, c.Title))
		}
		return strings.Join(titles, "; ")
	case f.Characters != nil:
		names := make([]string, 0, len(f.Characters.Characters))
		for _, c := range f.Characters.Characters {
			names = append(names, c.Name+" ("+c.Role+")")
		}
		return strings.Join(names, ", ")
	case f.Chapter != nil:
		return f.Chapter.Summary
	}
	return ""
}

type Overview struct {
	Title   string `json:"title"`
	Premise string `json:"premise"`
	Outline string `json:"outline"`
}

type Place struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type World struct {
	Name          string   `json:"name"`
	CoreConcept   string   `json:"core_concept"`
	Locations     []Place  `json:"locations,omitempty"`
	Organizations []Place  `json:"organizations,omitempty"`
	Rules         []string `json:"rules,omitempty"`
}

type PlotChapter struct {
	Number         int      `json:"chapter_number"`
	Title          string   `json:"title"`
	Summary        string   `json:"core_scene_summary"`
	Characters     []string `json:"characters_present,omitempty"`
	KeyEvents      []string `json:"key_events,omitempty"`
	Conflict       string   `json:"goal_and_conflict,omitempty"`
	TurningPoint   string   `json:"turning_point,omitempty"`
	Tone           string   `json:"tone,omitempty"`
	Hook           string   `json:"suspense_or_hook,omitempty"`
	EstimatedWords int      `json:"estimated_words,omitempty"`
}

type Plot struct {
	Chapters []PlotChapter `json:"chapters"`
}

type Character struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Role        string `json:"role_in_story"`
	Origin      string `json:"origin,omitempty"`
	Status      string `json:"status,omitempty"`
	Location    string `json:"location,omitempty"`
}

type CharacterSet struct {
	Characters []Character `json:"characters"`
}

type Chapter struct {
	Number      int          `json:"number"`
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	Summary     string       `json:"summary"`
	Claims      []FactClaim  `json:"claims,omitempty"`
	Transitions []Transition `json:"transitions,omitempty"`
}

type EntityKind string

const (
	EntityCharacter    EntityKind = "character"
	EntityLocation     EntityKind = "location"
	EntityItem         EntityKind = "item"
	EntityOrganization EntityKind = "organization"
	EntityEvent        EntityKind = "event"
)

func (k EntityKind) Valid() bool {
	switch k {
	case EntityCharacter, EntityLocation, EntityItem, EntityOrganization, EntityEvent:
		return true
	}
	return false
}

type EntityRef struct {
	Kind EntityKind `json:"kind"`
	Name string     `json:"name"`
}

func (e EntityRef) String() string { return string(e.Kind) + ":" + e.Name }

// ParseEntityRef parses "kind:name".
func ParseEntityRef(s string) (EntityRef, error) {
	kind, name, ok := strings.Cut(strings.TrimSpace(s), ":")
	ref := EntityRef{Kind: EntityKind(strings.ToLower(strings.TrimSpace(kind))), Name: strings.TrimSpace(name)}
	if !ok || ref.Name == "" || !ref.Kind.Valid() {
		return EntityRef{}, fmt.Errorf("invalid entity reference %q", s)
	}
	return ref, nil
}

// FactClaim is an (entity, attribute, value) triple asserted by an artifact.
type FactClaim struct {
	Entity    EntityRef `json:"entity"`
	Attribute string    `json:"attribute"`
	Value     string    `json:"value"`
}

// Transition is an explicit narrative event that legitimately changes the
// given attribute (travel changes location, transfer changes holder).
type Transition struct {
	Kind      string    `json:"kind"`
	Entity    EntityRef `json:"entity"`
	Attribute string    `json:"attribute"`
}

// FactEntry is one append-only row of the structured fact table. The current
// value of (entity, attribute) is the entry with the highest Chapter, ties
// broken by Seq.
type FactEntry struct {
	Seq              int64     `json:"seq,omitempty"`
	ProjectID        string    `json:"project_id"`
	Entity           EntityRef `json:"entity"`
	Attribute        string    `json:"attribute"`
	Value            string    `json:"value"`
	SourceArtifactID string    `json:"source_artifact_id"`
	Chapter          int       `json:"chapter"`
	RecordedAt       string    `json:"recorded_at,omitempty" format:"date-time"`
}

// Key identifies the (entity, attribute) slot.
func (f FactEntry) Key() string { return f.Entity.String() + "#" + f.Attribute }

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Resolution string

const (
	Unresolved    Resolution = "unresolved"
	AutoResolved  Resolution = "auto_resolved"
	HumanResolved Resolution = "human_resolved"
)

const (
	ActionAcceptNew = "accepted_new_value"
	ActionKeepPrior = "kept_prior_value"
	ActionDiscarded = "discarded_with_draft"
)

type ConflictReport struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	ArtifactID string     `json:"artifact_id"`
	Prior      *FactEntry `json:"prior,omitempty"`
	Claim      FactEntry  `json:"claim"`
	Severity   Severity   `json:"severity" enum:"low,medium,high"`
	Resolution Resolution `json:"resolution" enum:"unresolved,auto_resolved,human_resolved"`
	Action     string     `json:"action,omitempty"`
	Reason     string     `json:"reason"`
	CreatedAt  string     `json:"created_at,omitempty" format:"date-time"`
	ResolvedAt string     `json:"resolved_at,omitempty" format:"date-time"`
}

type DecisionKind string

const (
	DecisionDraftSelection   DecisionKind = "draft_selection"
	DecisionConflictReview   DecisionKind = "conflict_review"
	DecisionSafetyLimit      DecisionKind = "safety_limit"
	DecisionMalformedOutput  DecisionKind = "malformed_output"
	DecisionGenerationFailed DecisionKind = "generation_failed"
)

const (
	ChoiceRetry     = "retry"
	ChoiceAbort     = "abort"
	ChoiceFinish    = "finish"
	ChoiceKeepPrior = "keep_prior"
	ChoiceAcceptNew = "accept_new"
	DraftPrefix     = "draft:"
)

type DecisionOption struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

// Decision is the single outstanding question a paused project waits on.
type Decision struct {
	ID         string           `json:"id"`
	ProjectID  string           `json:"project_id"`
	Kind       DecisionKind     `json:"kind"`
	Code       string           `json:"code"`
	Reason     string           `json:"reason"`
	Dimension  string           `json:"dimension,omitempty"`
	Stage      StageKind        `json:"stage"`
	Chapter    int              `json:"chapter,omitempty"`
	Options    []DecisionOption `json:"options"`
	Drafts     []string         `json:"drafts,omitempty"`
	Conflicts  []ConflictReport `json:"conflicts,omitempty"`
	Status     string           `json:"status" enum:"pending,resolved"`
	Choice     string           `json:"choice,omitempty"`
	DecidedBy  string           `json:"decided_by,omitempty"`
	CreatedAt  string           `json:"created_at" format:"date-time"`
	ResolvedAt string           `json:"resolved_at,omitempty" format:"date-time"`
}

// Option returns the option with the given id.
func (d Decision) Option(id string) (DecisionOption, bool) {
	for _, o := range d.Options {
		if o.ID == id {
			return o, true
		}
	}
	return DecisionOption{}, false
}

// Score is the scorer's verdict: total and per-dimension values are 0-100.
type Score struct {
	Total      int            `json:"total"`
	Dimensions map[string]int `json:"dimensions,omitempty"`
	Rationale  string         `json:"rationale,omitempty"`
}

// Lowest returns the lowest-scoring dimension; ties resolve alphabetically.
func (s Score) Lowest() (string, int, bool) {
	name, low, found := "", 0, false
	for k, v := range s.Dimensions {
		if !found || v < low || (v == low && k < name) {
			name, low, found = k, v, true
		}
	}
	return name, low, found
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// Manuscript is what a completed run yields.
type Manuscript struct {
	ProjectID    string       `json:"project_id"`
	Title        string       `json:"title,omitempty"`
	Status       Status       `json:"status"`
	Chapters     []Chapter    `json:"chapters"`
	FactSnapshot FactSnapshot `json:"fact_snapshot"`
}
