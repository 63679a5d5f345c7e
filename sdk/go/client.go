package storylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Storyline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when the server runs without auth.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Minute,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID              string    `json:"id"`
	Theme           string    `json:"theme"`
	Style           string    `json:"style"`
	TargetChapters  int       `json:"target_chapters"`
	WordsPerChapter int       `json:"words_per_chapter"`
	Mode            string    `json:"mode"`
	Status          string    `json:"status"`
	StatusReason    string    `json:"status_reason"`
	Phase           string    `json:"phase"`
	Stage           string    `json:"stage"`
	CurrentChapter  int       `json:"current_chapter"`
	IterationCount  int       `json:"iteration_count"`
	MaxIterations   int       `json:"max_iterations"`
	PendingDecision *Decision `json:"pending_decision"`
	Active          bool      `json:"active"`
	Version         int       `json:"version"`
	CreatedAt       string    `json:"created_at"`
	UpdatedAt       string    `json:"updated_at"`
}

type DecisionOption struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	ArtifactID string `json:"artifact_id"`
}

// Decision is a question a paused project waits on.
type Decision struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	Kind      string           `json:"kind"`
	Code      string           `json:"code"`
	Reason    string           `json:"reason"`
	Stage     string           `json:"stage"`
	Chapter   int              `json:"chapter"`
	Options   []DecisionOption `json:"options"`
	Status    string           `json:"status"`
	Choice    string           `json:"choice"`
	DecidedBy string           `json:"decided_by"`
}

type Score struct {
	Total      int            `json:"total"`
	Dimensions map[string]int `json:"dimensions"`
}

// Artifact represents one stage attempt (partial).
type Artifact struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	Chapter   int    `json:"chapter"`
	Attempt   int    `json:"attempt"`
	Status    string `json:"status"`
	Raw       string `json:"raw"`
	Score     *Score `json:"score"`
	CreatedAt string `json:"created_at"`
}

type EntityRef struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Fact is one recorded fact version.
type Fact struct {
	Seq              int64     `json:"seq"`
	Entity           EntityRef `json:"entity"`
	Attribute        string    `json:"attribute"`
	Value            string    `json:"value"`
	SourceArtifactID string    `json:"source_artifact_id"`
	Chapter          int       `json:"chapter"`
}

type Chapter struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Summary string `json:"summary"`
}

type Manuscript struct {
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Chapters  []Chapter `json:"chapters"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

type Estimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// StartRequest mirrors POST /v0/projects. Zero values take the server's
// configured defaults.
type StartRequest struct {
	ID              string `json:"id,omitempty"`
	Theme           string `json:"theme"`
	Style           string `json:"style,omitempty"`
	Chapters        int    `json:"chapters,omitempty"`
	WordsPerChapter int    `json:"words_per_chapter,omitempty"`
	Mode            string `json:"mode,omitempty"`
	Run             *bool  `json:"run,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartProject creates a project; the server starts running it unless
// req.Run is false.
func (c *Client) StartProject(ctx context.Context, req StartRequest) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", req, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(id, ""), nil, &resp)
	return resp, err
}

// ListProjects returns projects, optionally filtered by status.
func (c *Client) ListProjects(ctx context.Context, status string) ([]Project, error) {
	endpoint := "v0/projects"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Resume continues a running project. With wait the call returns once the
// project completes, fails or pauses.
func (c *Client) Resume(ctx context.Context, id string, wait bool) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, withWait(c.projectPath(id, "resume"), wait), nil, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "cancel"), nil, &resp)
	return resp, err
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath(id, ""), nil, nil)
}

// PendingDecision returns nil when the project is not waiting on anyone.
func (c *Client) PendingDecision(ctx context.Context, id string) (*Decision, error) {
	var resp struct {
		Decision *Decision `json:"decision"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(id, "decision"), nil, &resp)
	return resp.Decision, err
}

// SubmitDecision answers decisionID with one of its option ids.
func (c *Client) SubmitDecision(ctx context.Context, projectID, decisionID, choice string, wait bool) (Project, error) {
	var resp Project
	endpoint := withWait(c.projectPath(projectID, "decisions/"+url.PathEscape(decisionID)), wait)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"choice": choice}, &resp)
	return resp, err
}

// Artifacts lists artifact versions; empty filters are ignored.
func (c *Client) Artifacts(ctx context.Context, projectID, kind, status string, chapter int) ([]Artifact, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if status != "" {
		q.Set("status", status)
	}
	if chapter > 0 {
		q.Set("chapter", strconv.Itoa(chapter))
	}
	var resp struct {
		Items []Artifact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath(projectID, "artifacts"), q), nil, &resp)
	return resp.Items, err
}

// Facts returns current facts, of one entity ("kind:name") when given.
func (c *Client) Facts(ctx context.Context, projectID, entity string) ([]Fact, error) {
	q := url.Values{}
	if entity != "" {
		q.Set("entity", entity)
	}
	var resp struct {
		Items []Fact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath(projectID, "facts"), q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Manuscript(ctx context.Context, projectID string) (Manuscript, error) {
	var resp Manuscript
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "manuscript"), nil, &resp)
	return resp, err
}

// EventsPage returns events after cursor; an empty projectID lists all
// projects.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor int64) (PaginatedEvents, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project", projectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor > 0 {
		q.Set("after", strconv.FormatInt(cursor, 10))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
}

func (c *Client) Estimate(ctx context.Context, chapters, wordsPerChapter int) (Estimate, error) {
	q := url.Values{}
	q.Set("chapters", strconv.Itoa(chapters))
	q.Set("words_per_chapter", strconv.Itoa(wordsPerChapter))
	var resp Estimate
	err := c.do(ctx, http.MethodGet, withQuery("v0/estimate", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(id, p string) string {
	endpoint := "v0/projects/" + url.PathEscape(id)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withWait(endpoint string, wait bool) string {
	if !wait {
		return endpoint
	}
	return endpoint + "?wait=true"
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
