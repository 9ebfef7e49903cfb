package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/engine/authz"
	"raidline/internal/locks"
	"raidline/internal/repo"
	"raidline/internal/views"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Views    *views.Registry
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"run_locked"`
	Message string         `json:"message" example:"run is locked to new joins"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Raidline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Views == nil {
		cfg.Views = views.NewRegistry()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors surface as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Raidline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRuns(group, cfg.Engine)
	registerPanels(group, cfg.Engine, cfg.Views)
	registerEvents(group, cfg.Engine)
	registerGuildConfig(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var noe authz.NotOrganizerError
	if errors.As(err, &noe) {
		return newAPIError(http.StatusForbidden, "not_organizer", err.Error(), map[string]any{"run_id": noe.RunID})
	}
	var he authz.HierarchyError
	if errors.As(err, &he) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ue engine.UpstreamError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), nil)
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyTerminal):
		return newAPIError(http.StatusConflict, "already_terminal", err.Error(), nil)
	case errors.Is(err, engine.ErrRunTerminal):
		return newAPIError(http.StatusConflict, "run_terminal", err.Error(), nil)
	case errors.Is(err, engine.ErrRunLocked):
		return newAPIError(http.StatusConflict, "run_locked", err.Error(), nil)
	case errors.Is(err, locks.ErrContended):
		return newAPIError(http.StatusConflict, "operation_in_progress", err.Error(), nil)
	case errors.Is(err, engine.ErrRunNotLive):
		return newAPIError(http.StatusUnprocessableEntity, "run_not_live", err.Error(), nil)
	case errors.Is(err, engine.ErrNotJoined):
		return newAPIError(http.StatusUnprocessableEntity, "not_joined", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not in catalog"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	principal, err := principalFromRequest(ctx)
	if err != nil {
		return "", err
	}
	return principal.ActorID, nil
}

// requireManager mirrors the engine's organizer-or-staff guard for endpoints
// that act outside a mutation transaction.
func requireManager(ctx context.Context, e engine.Engine, run domain.Run, actorID string) error {
	if actorID == run.OrganizerID {
		return nil
	}
	ok, err := e.Authz.HasCapability(ctx, run.GuildID, actorID, "run.manage")
	if err != nil {
		return err
	}
	if !ok {
		return authz.NotOrganizerError{RunID: run.ID, ActorID: actorID}
	}
	return nil
}

func guildOrDefault(guildID string, cfg *config.Config) string {
	if guildID != "" {
		return guildID
	}
	if cfg != nil {
		return cfg.Guild.ID
	}
	return ""
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Raidline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Open a run",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Dungeon == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "dungeon is required", nil)
		}
		run, err := e.CreateRun(ctx, engine.RunCreateOptions{
			GuildID:        guildOrDefault(input.Body.GuildID, e.Config),
			Dungeon:        input.Body.Dungeon,
			OrganizerID:    actorID,
			AutoEndMinutes: input.Body.AutoEndMinutes,
			ChainAmount:    input.Body.ChainAmount,
			Party:          stringOrEmpty(input.Body.Party),
			Location:       stringOrEmpty(input.Body.Location),
			Description:    stringOrEmpty(input.Body.Description),
			ChannelID:      input.Body.ChannelID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, e.ChainLabel(run))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GuildID     string `query:"guild_id"`
		Status      string `query:"status"`
		OrganizerID string `query:"organizer_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{
			GuildID:     guildOrDefault(input.GuildID, e.Config),
			Status:      input.Status,
			OrganizerID: input.OrganizerID,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(e, runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, e.ChainLabel(run))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-run",
		Method:      http.MethodPatch,
		Path:        "/runs/{id}",
		Summary:     "Update run details",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64            `path:"id"`
		Body UpdateRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.UpdateDetails(ctx, input.ID, actorID, input.Body.Party, input.Body.Location, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, e.ChainLabel(run))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "join-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/join",
		Summary:     "Join a run",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body JoinResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Join(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JoinResponse `json:"body"`
		}{Body: joinResponse(res, e.ChainLabel(res.Run))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "leave-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/leave",
		Summary:     "Leave a run",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body LeaveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Leave(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaveResponse `json:"body"`
		}{Body: leaveResponse(res, e.ChainLabel(res.Run))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-run-attribute",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/attribute",
		Summary:     "Set the caller's attribute",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body SetAttributeRequest `json:"body"`
	}) (*struct {
		Body TallyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Attribute == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "attribute is required", nil)
		}
		memberID := actorID
		if input.Body.MemberID != "" {
			memberID = input.Body.MemberID
		}
		tally, err := e.SetAttribute(ctx, input.ID, memberID, input.Body.Attribute)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TallyResponse `json:"body"`
		}{Body: tallyResponse(tally)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bench-run-member",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/bench",
		Summary:     "Bench or unbench a member",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64        `path:"id"`
		Body BenchRequest `json:"body"`
	}) (*struct {
		Body TallyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.MemberID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "member_id is required", nil)
		}
		tally, err := e.SetBenched(ctx, input.ID, actorID, input.Body.MemberID, input.Body.Benched)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TallyResponse `json:"body"`
		}{Body: tallyResponse(tally)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pop-run-key",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/pop",
		Summary:     "Pop a key",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body KeyPopResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.PopKey(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KeyPopResponse `json:"body"`
		}{Body: keyPopResponse(res.Pop, res.Chain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-key-pops",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/pops",
		Summary:     "List key pops",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []KeyPopResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		pops, err := e.Repo.ListKeyPops(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]KeyPopResponse, 0, len(pops))
		for _, p := range pops {
			out = append(out, keyPopResponse(p, ""))
		}
		return &struct {
			Body []KeyPopResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-run-lock",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/lock",
		Summary:     "Toggle the join lock",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.ToggleJoinLock(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, e.ChainLabel(run))}, nil
	})

	registerTransition(api, e, "start-run", "start", "Start a run", domain.StatusLive)
	registerTransition(api, e, "end-run", "end", "End a run", domain.StatusEnded)
	registerTransition(api, e, "cancel-run", "cancel", "Cancel a run", domain.StatusCancelled)

	huma.Register(api, huma.Operation{
		OperationID: "list-run-participation",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/participation",
		Summary:     "List the participation ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []ParticipationResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListParticipation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ParticipationResponse `json:"body"`
		}{Body: mapParticipation(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-tally",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/tally",
		Summary:     "Current participation tally",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TallyResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		tally, err := e.Repo.Tally(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TallyResponse `json:"body"`
		}{Body: tallyResponse(tally)}, nil
	})
}

func registerTransition(api huma.API, e engine.Engine, opID, action, summary, target string) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/runs/{id}/" + action,
		Summary:     summary,
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.Transition(ctx, input.ID, actorID, target, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, e.ChainLabel(run))}, nil
	})
}

func registerPanels(api huma.API, e engine.Engine, reg *views.Registry) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-run-panel",
		Method:        http.MethodPost,
		Path:          "/runs/{id}/panels",
		Summary:       "Register a run panel",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body RegisterPanelRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.Repo.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if run.Terminal() {
			return nil, handleError(engine.ErrRunTerminal)
		}
		if input.Body.URL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "url is required", nil)
		}
		pusher := views.HTTPPusher{
			URL:       input.Body.URL,
			Secret:    input.Body.Secret,
			ChannelID: input.Body.ChannelID,
			MessageID: input.Body.MessageID,
		}
		viewerID := input.Body.ViewerID
		if viewerID == "" {
			viewerID = actorID
		}
		if input.Body.Public {
			if err := requireManager(ctx, e, run, actorID); err != nil {
				return nil, handleError(err)
			}
			reg.SetPublic(input.ID, pusher)
			if input.Body.ChannelID != "" {
				// The public panel is the run's post; remember where it lives
				// so restarts can re-register it.
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return nil, handleError(err)
				}
				defer tx.Rollback()
				if err := e.Repo.SetRunPost(ctx, tx, input.ID, input.Body.ChannelID, input.Body.MessageID); err != nil {
					return nil, handleError(err)
				}
				if err := tx.Commit(); err != nil {
					return nil, handleError(err)
				}
				run.ChannelID = input.Body.ChannelID
				run.PostMessageID = input.Body.MessageID
			}
		} else {
			reg.RegisterPanel(input.ID, viewerID, pusher)
		}
		tally, err := e.Repo.Tally(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		// Push the initial render so a fresh panel is never blank.
		if e.Notify != nil {
			e.Notify.RunChanged(ctx, run, tally)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"run_id":    input.ID,
			"viewer_id": viewerID,
			"public":    input.Body.Public,
			"panels":    reg.PanelCount(input.ID),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unregister-run-panel",
		Method:      http.MethodDelete,
		Path:        "/runs/{id}/panels/{viewer_id}",
		Summary:     "Unregister a run panel",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       int64  `path:"id"`
		ViewerID string `path:"viewer_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		reg.UnregisterPanel(input.ID, input.ViewerID)
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GuildID    string `query:"guild_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, guildOrDefault(input.GuildID, e.Config), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerGuildConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-guild-config",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/config",
		Summary:     "Export guild config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
	}) (*struct {
		Body GuildConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetGuildConfig(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuildConfigResponse `json:"body"`
		}{Body: GuildConfigResponse{GuildID: input.GuildID, YAML: string(data)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-guild-config",
		Method:      http.MethodPut,
		Path:        "/guilds/{guild_id}/config",
		Summary:     "Import guild config",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		GuildID string                   `path:"guild_id"`
		Body    ImportGuildConfigRequest `json:"body"`
	}) (*struct {
		Body GuildConfigResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.YAML == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "yaml is required", nil)
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if _, err := e.Repo.GetGuild(ctx, input.GuildID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertGuildConfig(ctx, input.GuildID, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuildConfigResponse `json:"body"`
		}{Body: GuildConfigResponse{GuildID: input.GuildID, YAML: input.Body.YAML}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := input.Body.ActorID
		if owner == "" {
			owner = actorID
		}
		rawKey := "rl_" + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   owner,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       rawKey, // shown once, only the hash is stored
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := input.ActorID
		if owner == "" {
			owner = actorID
		}
		keys, err := e.Repo.ListAPIKeys(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development JWT",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string   `json:"actor_id"`
			Roles   []string `json:"roles,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(auth.JWTSecret, input.Body.ActorID, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
