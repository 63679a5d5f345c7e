package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"storyline/internal/cost"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/faults"
	"storyline/internal/logging"
	"storyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Runner drives projects in the background; one is built from the
	// engine's pool policy when nil.
	Runner   *engine.Runner
	BasePath string
	Auth     AuthConfig
	// RunContext bounds background runs; it outlives single requests.
	RunContext context.Context
	Log        *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_decision"`
	Message string         `json:"message" example:"decision d-1 is not pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	engine engine.Engine
	runner *engine.Runner
	runCtx context.Context
	log    *slog.Logger
}

// New returns an HTTP handler exposing the Storyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	a := &api{engine: cfg.Engine, runner: cfg.Runner, runCtx: cfg.RunContext, log: cfg.Log}
	if a.runner == nil {
		maxProjects, auto := 1, false
		if cfg.Engine.Config != nil {
			maxProjects, auto = cfg.Engine.Config.Pool.MaxProjects, cfg.Engine.Config.Pipeline.AutoDecide
		}
		a.runner = engine.NewRunner(cfg.Engine, maxProjects, auto)
	}
	if a.runCtx == nil {
		a.runCtx = context.Background()
	}
	if a.log == nil {
		a.log = logging.New("server")
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, a.log))
	hcfg := huma.DefaultConfig("Storyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEstimate(group)
	a.registerProjects(group)
	a.registerRuns(group)
	a.registerDecisions(group)
	a.registerRecords(group)
	a.registerEvents(group)
	registerOpenAPI(router, humaAPI, basePath)

	if d := newWebhookDispatcher(cfg.Engine, a.log); d != nil {
		go d.run(a.runCtx)
	}
	return router, nil
}

func (a *api) actor(ctx context.Context) (string, huma.StatusError) {
	return actorIDFromContext(ctx)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var details map[string]any
	var fe *faults.Error
	if errors.As(err, &fe) && len(fe.Metadata) > 0 {
		details = map[string]any{}
		for k, v := range fe.Metadata {
			details[k] = v
		}
	}
	code := faults.CodeOf(err)
	switch code {
	case faults.CodeStaleDecision, faults.CodeInvalidState:
		return newAPIError(http.StatusConflict, string(code), err.Error(), details)
	case faults.CodeInvalidInput:
		return newAPIError(http.StatusBadRequest, string(code), err.Error(), details)
	case faults.CodeStoreUnavailable, faults.CodeGenerationUnavailable, faults.CodeGenerationTimeout:
		return newAPIError(http.StatusServiceUnavailable, string(code), err.Error(), details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Storyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEstimate(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "estimate",
		Method:      http.MethodGet,
		Path:        "/estimate",
		Summary:     "Estimate tokens and cost of a run",
	}, func(ctx context.Context, input *struct {
		Theme           string `query:"theme"`
		Style           string `query:"style"`
		Chapters        int    `query:"chapters" default:"3" minimum:"1" maximum:"15"`
		WordsPerChapter int    `query:"words_per_chapter" default:"1000" minimum:"300" maximum:"3000"`
	}) (*struct {
		Body cost.Breakdown `json:"body"`
	}, error) {
		est := cost.Estimate(cost.Request{Theme: input.Theme, Style: input.Style, Chapters: input.Chapters, WordsPerChapter: input.WordsPerChapter})
		return &struct {
			Body cost.Breakdown `json:"body"`
		}{Body: est}, nil
	})
}

func (a *api) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Start a project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := a.actor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.engine.StartProject(ctx, engine.StartOptions{
			ID:              input.Body.ID,
			Theme:           input.Body.Theme,
			Style:           input.Body.Style,
			Chapters:        input.Body.Chapters,
			WordsPerChapter: input.Body.WordsPerChapter,
			Mode:            domain.ConflictMode(input.Body.Mode),
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Run == nil || *input.Body.Run {
			a.runner.Start(a.runCtx, p.ID)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: a.projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,paused_for_decision,completed,failed,cancelled"`
	}) (*struct {
		Body ProjectList `json:"body"`
	}, error) {
		projects, err := a.engine.ListProjects(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		out := ProjectList{Items: []ProjectResponse{}}
		for _, p := range projects {
			out.Items = append(out.Items, a.projectResponse(p))
		}
		return &struct {
			Body ProjectList `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := a.engine.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: a.projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete a project and its records",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if a.runner.Active(input.ProjectID) {
			return nil, newAPIError(http.StatusConflict, string(faults.CodeInvalidState), "project is running; cancel it first", nil)
		}
		if err := a.engine.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (a *api) registerRuns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "cancel-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cancel",
		Summary:     "Cancel a project at its next stage boundary",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := a.actor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.engine.Cancel(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		// nobody is driving it, so settle the cancel now
		if p.Status == domain.StatusRunning && !a.runner.Active(p.ID) {
			if p, err = a.engine.Step(ctx, p.ID); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: a.projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/resume",
		Summary:     "Resume a running project from its checkpoint",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Wait      bool   `query:"wait"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := a.engine.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Status != domain.StatusRunning {
			return nil, handleError(faults.Newf(faults.CodeInvalidState, "project %s is %s", p.ID, p.Status))
		}
		p, err = a.drive(ctx, p.ID, input.Wait)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: a.projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-manuscript",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/manuscript",
		Summary:     "Accepted chapters and fact snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Manuscript `json:"body"`
	}, error) {
		m, err := a.engine.Manuscript(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Manuscript `json:"body"`
		}{Body: m}, nil
	})
}

// drive runs the project in the request when wait is set, otherwise in the
// background.
func (a *api) drive(ctx context.Context, projectID string, wait bool) (domain.Project, error) {
	if wait {
		return a.runner.Drive(ctx, projectID)
	}
	if !a.runner.Start(a.runCtx, projectID) {
		return domain.Project{}, faults.Newf(faults.CodeInvalidState, "project %s is already running", projectID)
	}
	return a.engine.GetProject(ctx, projectID)
}

func (a *api) registerDecisions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pending-decision",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/decision",
		Summary:     "Pending decision of a paused project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PendingDecisionResponse `json:"body"`
	}, error) {
		d, err := a.engine.PendingDecision(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendingDecisionResponse `json:"body"`
		}{Body: PendingDecisionResponse{Decision: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-decision",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/decisions/{decision_id}",
		Summary:     "Answer the pending decision",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                `path:"project_id"`
		DecisionID string                `path:"decision_id"`
		Wait       bool                  `query:"wait"`
		Body       SubmitDecisionRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := a.actor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Choice) == "" {
			return nil, newAPIError(http.StatusBadRequest, string(faults.CodeInvalidInput), "choice is required", nil)
		}
		p, err := a.engine.SubmitDecision(ctx, input.ProjectID, input.DecisionID, input.Body.Choice, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Status == domain.StatusRunning {
			if p, err = a.drive(ctx, p.ID, input.Wait); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: a.projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/decisions",
		Summary:     "Decision history",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body DecisionList `json:"body"`
	}, error) {
		list, err := a.engine.Repo.ListDecisions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionList `json:"body"`
		}{Body: DecisionList{Items: nonNil(list)}}, nil
	})
}

func (a *api) registerRecords(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts",
		Summary:     "List artifact versions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Kind      string `query:"kind" enum:"overview,world,plot,characters,chapter"`
		Status    string `query:"status" enum:"draft,scored,accepted,rejected"`
		Chapter   int    `query:"chapter"`
	}) (*struct {
		Body ArtifactList `json:"body"`
	}, error) {
		f := repo.ArtifactFilter{ProjectID: input.ProjectID, Kind: domain.StageKind(input.Kind), Status: domain.ArtifactStatus(input.Status)}
		if input.Chapter > 0 {
			f.Chapter = &input.Chapter
		}
		list, err := a.engine.Repo.ListArtifacts(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactList `json:"body"`
		}{Body: ArtifactList{Items: nonNil(list)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-facts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/facts",
		Summary:     "Current fact values",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Entity    string `query:"entity" doc:"kind:name, e.g. character:Mira"`
		Attribute string `query:"attribute" doc:"with entity, returns the slot history"`
	}) (*struct {
		Body FactList `json:"body"`
	}, error) {
		var (
			list []domain.FactEntry
			err  error
		)
		switch {
		case input.Entity == "":
			list, err = a.engine.Repo.ListCurrentFacts(ctx, input.ProjectID)
		default:
			ref, perr := domain.ParseEntityRef(input.Entity)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, string(faults.CodeInvalidInput), perr.Error(), map[string]any{"entity": input.Entity})
			}
			if input.Attribute != "" {
				list, err = a.engine.Repo.FactHistory(ctx, input.ProjectID, ref, input.Attribute)
			} else {
				list, err = a.engine.Repo.CurrentFacts(ctx, nil, input.ProjectID, ref)
			}
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FactList `json:"body"`
		}{Body: FactList{Items: nonNil(list)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/conflicts",
		Summary:     "Conflict reports",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Resolution string `query:"resolution" enum:"unresolved,auto_resolved,human_resolved"`
	}) (*struct {
		Body ConflictList `json:"body"`
	}, error) {
		list, err := a.engine.Repo.ListConflicts(ctx, repo.ConflictFilter{ProjectID: input.ProjectID, Resolution: domain.Resolution(input.Resolution)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConflictList `json:"body"`
		}{Body: ConflictList{Items: nonNil(list)}}, nil
	})
}

func (a *api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log after a cursor",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
		Type    string `query:"type"`
		After   int64  `query:"after"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventPage `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := a.engine.Repo.ListEvents(ctx, repo.EventFilter{ProjectID: input.Project, Type: input.Type, AfterID: input.After, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		page := EventPage{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			page.NextCursor = items[limit-1].ID
		}
		page.Items = append(page.Items, items...)
		return &struct {
			Body EventPage `json:"body"`
		}{Body: page}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
