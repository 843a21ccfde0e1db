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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"eds/internal/assistant"
	"eds/internal/engine"
	"eds/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Assistant *assistant.Orchestrator
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"Cannot transit from Approved to Draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the EDS API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Use(newRateLimitMiddleware(basePath))
	hcfg := huma.DefaultConfig("EDS API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflow(group, cfg.Engine)
	registerParStatus(group, cfg.Engine)
	registerChat(group, cfg.Assistant)
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
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusBadRequest, "invalid_transition", err.Error(), map[string]any{"from": ite.From, "to": ite.To})
	}
	switch {
	case errors.Is(err, assistant.ErrMaliciousInput):
		return newAPIError(http.StatusBadRequest, "malicious_input", err.Error(), nil)
	case errors.Is(err, assistant.ErrQueryTooLong):
		return newAPIError(http.StatusBadRequest, "query_too_long", err.Error(), nil)
	case errors.Is(err, assistant.ErrBusy):
		return newAPIError(http.StatusTooManyRequests, "busy", err.Error(), nil)
	case errors.Is(err, assistant.ErrUpstream):
		return newAPIError(http.StatusServiceUnavailable, "upstream_unavailable", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint") || strings.Contains(lowered, "duplicate"):
		return newAPIError(http.StatusConflict, "duplicated", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
		return "duplicated"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "upstream_unavailable"
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>EDS API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-statuses",
		Method:      http.MethodGet,
		Path:        "/workflow-statuses",
		Summary:     "List workflow statuses",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkflowStateResponse `json:"body"`
	}, error) {
		if _, authErr := principalRequired(ctx); authErr != nil {
			return nil, authErr
		}
		states, err := e.Repo.ListWorkflowStates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkflowStateResponse `json:"body"`
		}{Body: mapWorkflowStates(states)}, nil
	})
}

func registerParStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "par-possible-status",
		Method:      http.MethodGet,
		Path:        "/par-status/{par_id}/possible-status",
		Summary:     "Possible next statuses for a PAR",
	}, func(ctx context.Context, input *struct {
		ParID string `path:"par_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, authErr := principalRequired(ctx); authErr != nil {
			return nil, authErr
		}
		possible, err := e.PossibleTransitions(ctx, input.ParID)
		if err != nil {
			return nil, handleError(err)
		}
		if possible == nil {
			possible = []string{}
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: possible}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "par-transit",
		Method:      http.MethodPost,
		Path:        "/par-status/{par_id}/transit",
		Summary:     "Transition a PAR to a new status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ParID       string `path:"par_id"`
		TargetState string `query:"target_state"`
	}) (*struct {
		Body TransitResponse `json:"body"`
	}, error) {
		principal, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.TargetState) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_state is required", nil)
		}
		res, err := e.Transit(ctx, input.ParID, input.TargetState, actorName(principal))
		if err != nil {
			// A bogus target state is a malformed request, not a missing
			// resource.
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request",
					fmt.Sprintf("unknown target state %s", input.TargetState), nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body TransitResponse `json:"body"`
		}{Body: transitResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "par-history",
		Method:      http.MethodGet,
		Path:        "/par-status/{par_id}/history",
		Summary:     "PAR activity history, newest first",
	}, func(ctx context.Context, input *struct {
		ParID string `path:"par_id"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, authErr := principalRequired(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.History(ctx, input.ParID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivities(items)}, nil
	})
}

func registerChat(api huma.API, orch *assistant.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "assistant-chat",
		Method:      http.MethodPost,
		Path:        "/ai-assistant/chat",
		Summary:     "Ask the grants assistant",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		principal, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := orch.Chat(ctx, assistant.ChatRequest{
			UserID:   principal.UserID,
			UserName: principal.Name,
			ChatID:   input.Body.ChatID,
			ParentID: input.Body.ParentID,
			Query:    input.Body.Query,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: ChatResponse{
			Response:        res.Response,
			ChatID:          res.ChatID,
			MessageID:       res.MessageID,
			ParentMessageID: res.ParentMessageID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assistant-chat-history",
		Method:      http.MethodGet,
		Path:        "/ai-assistant/chat/{chat_id}",
		Summary:     "Chat session history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChatID string `path:"chat_id"`
	}) (*struct {
		Body ChatHistoryResponse `json:"body"`
	}, error) {
		principal, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		session, messages, err := orch.History(ctx, principal.UserID, input.ChatID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatHistoryResponse `json:"body"`
		}{Body: ChatHistoryResponse{
			ChatID:   session.ChatID,
			Summary:  session.Summary,
			Messages: mapChatMessages(messages),
		}}, nil
	})
}
