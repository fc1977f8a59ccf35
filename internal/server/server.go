package server

import (
	"bytes"
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

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/pdf"
	"signoff/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	PDF      *pdf.Manager
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition approve(stage 2)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":2}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Signoff API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Signoff API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDocuments(group, cfg.Engine)
	registerBatch(group, cfg.Engine)
	registerPending(group, cfg.Engine)
	registerYearlyReports(group, cfg.Engine)
	registerPDF(group, cfg.Engine, cfg.PDF)
	registerProjects(group, cfg.Engine)
	registerAgencies(group, cfg.Engine)
	registerCaretakers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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

// handleError maps the workflow error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var denied auth.DeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"role":               denied.Role,
			"delegation_checked": denied.DelegationChecked,
		})
	}
	var missing auth.MissingDelegateError
	if errors.As(err, &missing) {
		return newAPIError(http.StatusUnprocessableEntity, "missing_delegate", err.Error(), map[string]any{"role": missing.Role})
	}
	var invalid engine.InvalidTransitionError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"action": string(invalid.Action),
			"stage":  invalid.Stage,
		})
	}
	var conflict engine.ConcurrentModificationError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"pk":      conflict.PK,
			"version": conflict.Version,
		})
	}
	var validation engine.ValidationError
	if errors.As(err, &validation) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": validation.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown user"), strings.Contains(lowered, "unknown project"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
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

func parseKind(raw string) (domain.DocumentKind, huma.StatusError) {
	kind := domain.DocumentKind(raw)
	if !kind.Valid() {
		kind = domain.DocumentKind(strings.TrimSuffix(raw, "s"))
	}
	if !kind.Valid() {
		return "", newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("unknown document kind %q", raw), nil)
	}
	return kind, nil
}

// requireSuperuser gates admin routes. The JWT claim is enough; API key and
// legacy callers fall back to the user row.
func requireSuperuser(ctx context.Context, e engine.Engine) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok || p.UserPK == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.Superuser {
		return nil
	}
	u, err := e.Repo.GetUser(ctx, p.UserPK)
	if err == nil && u.IsSuperuser {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "superuser required", nil)
}

func nowRFC3339(e engine.Engine) string {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	return now.UTC().Format(time.RFC3339)
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
    <title>Signoff API Docs</title>
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

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{kind}/{pk}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		PK   string `path:"pk"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		env, err := e.Repo.GetDocument(ctx, kind, input.PK)
		if err != nil {
			return nil, handleError(err)
		}
		resp := DocumentResponse{Document: env}
		if project, err := e.Repo.GetProject(ctx, env.ProjectPK); err == nil {
			pr := projectResponse(project)
			resp.Project = &pr
		}
		if ba, err := e.Repo.ProjectBusinessArea(ctx, env.ProjectPK); err == nil {
			resp.BusinessArea = &ba
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/documents/{kind}",
		Summary:       "Create document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Kind string                `path:"kind"`
		Body CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.DocumentEnvelope `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		if input.Body.ProjectPK == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_pk is required", nil)
		}
		actorPK, authErr := userPKFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		env, err := e.CreateDocument(ctx, engine.CreateDocumentOptions{
			ProjectPK:              input.Body.ProjectPK,
			Kind:                   kind,
			ActorPK:                actorPK,
			Year:                   input.Body.Year,
			Outcome:                input.Body.Outcome,
			OutcomeReason:          input.Body.OutcomeReason,
			AECEndorsementRequired: input.Body.AECEndorsementRequired,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentEnvelope `json:"body"`
		}{Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-document",
		Method:      http.MethodPost,
		Path:        "/documents/{kind}/{pk}/transition",
		Summary:     "Apply workflow action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Kind string            `path:"kind"`
		PK   string            `path:"pk"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.DocumentEnvelope `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		actorPK, authErr := userPKFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sendEmail := true
		if input.Body.ShouldSendEmail != nil {
			sendEmail = *input.Body.ShouldSendEmail
		}
		env, err := e.Transition(ctx, engine.TransitionOptions{
			Kind:            kind,
			PK:              input.PK,
			Action:          input.Body.Action,
			Stage:           input.Body.Stage,
			ActorPK:         actorPK,
			ShouldSendEmail: sendEmail,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentEnvelope `json:"body"`
		}{Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-document",
		Method:      http.MethodPatch,
		Path:        "/documents/{kind}/{pk}",
		Summary:     "Update document fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Kind string                `path:"kind"`
		PK   string                `path:"pk"`
		Body UpdateDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.DocumentEnvelope `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		actorPK, authErr := userPKFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		env, err := e.UpdateDocument(ctx, engine.DocumentUpdateOptions{
			Kind:                   kind,
			PK:                     input.PK,
			ActorPK:                actorPK,
			Outcome:                input.Body.Outcome,
			OutcomeReason:          input.Body.OutcomeReason,
			AECEndorsementProvided: input.Body.AECEndorsementProvided,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentEnvelope `json:"body"`
		}{Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-document",
		Method:      http.MethodDelete,
		Path:        "/documents/{kind}/{pk}",
		Summary:     "Delete document",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		PK   string `path:"pk"`
	}) (*struct{}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		actorPK, authErr := userPKFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDocument(ctx, kind, input.PK, actorPK); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-approver",
		Method:      http.MethodGet,
		Path:        "/documents/{kind}/{pk}/nextapprover",
		Summary:     "Who acts next",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		PK   string `path:"pk"`
	}) (*struct {
		Body engine.NextApprover `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		env, err := e.Repo.GetDocument(ctx, kind, input.PK)
		if err != nil {
			return nil, handleError(err)
		}
		next, err := e.NextApprover(ctx, env)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.NextApprover `json:"body"`
		}{Body: next}, nil
	})
}

func registerBatch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "batch-approve",
		Method:      http.MethodPost,
		Path:        "/documents/actions/batchapprove",
		Summary:     "Batch stage approval",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BatchApproveRequest `json:"body"`
	}) (*struct {
		Body []engine.BatchResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Stage < 1 || input.Body.Stage > 3 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage must be 1, 2 or 3", nil)
		}
		if len(input.Body.Items) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "items is required", nil)
		}
		actorPK, authErr := userPKFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results := e.BatchApprove(ctx, input.Body.Stage, input.Body.Items, actorPK)
		return &struct {
			Body []engine.BatchResult `json:"body"`
		}{Body: results}, nil
	})
}

func registerPending(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-my-action",
		Method:      http.MethodGet,
		Path:        "/documents/pendingmyaction",
		Summary:     "Documents awaiting the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.PendingAction `json:"body"`
	}, error) {
		actorPK, authErr := userPKFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pending, err := e.PendingMyAction(ctx, actorPK)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PendingAction `json:"body"`
		}{Body: pending}, nil
	})
}

func registerYearlyReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-progress-report-by-year",
		Method:      http.MethodGet,
		Path:        "/documents/progressreports/{project_pk}/{year}",
		Summary:     "Yearly progress report lookup",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectPK string `path:"project_pk"`
		Year      int    `path:"year"`
	}) (*struct {
		Body domain.DocumentEnvelope `json:"body"`
	}, error) {
		env, err := e.Repo.GetDocumentByYear(ctx, domain.KindProgressReport, input.ProjectPK, input.Year)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentEnvelope `json:"body"`
		}{Body: env}, nil
	})
}

func registerPDF(api huma.API, e engine.Engine, m *pdf.Manager) {
	if m == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "generate-pdf",
		Method:      http.MethodPost,
		Path:        "/documents/{kind}/{pk}/generate_pdf",
		Summary:     "Start PDF generation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		PK   string `path:"pk"`
	}) (*struct {
		Body PDFStatusResponse `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		if _, authErr := userPKFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := m.Start(ctx, kind, input.PK); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			return nil, newAPIError(http.StatusConflict, "pdf_in_progress", err.Error(), nil)
		}
		return &struct {
			Body PDFStatusResponse `json:"body"`
		}{Body: PDFStatusResponse{Pending: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-pdf",
		Method:      http.MethodPost,
		Path:        "/documents/{kind}/{pk}/cancel_pdf",
		Summary:     "Cancel PDF generation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		PK   string `path:"pk"`
	}) (*struct {
		Body PDFStatusResponse `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		if _, authErr := userPKFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := m.Cancel(ctx, kind, input.PK); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PDFStatusResponse `json:"body"`
		}{Body: PDFStatusResponse{Pending: false}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pdf-status",
		Method:      http.MethodGet,
		Path:        "/documents/{kind}/{pk}/pdf",
		Summary:     "Poll PDF generation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		PK   string `path:"pk"`
	}) (*struct {
		Body PDFStatusResponse `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		pending, ref, err := m.Poll(ctx, kind, input.PK)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PDFStatusResponse `json:"body"`
		}{Body: PDFStatusResponse{Pending: pending, Ref: ref}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.BusinessAreaPK == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "business_area_pk is required", nil)
		}
		if authErr := requireSuperuser(ctx, e); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetBusinessArea(ctx, input.Body.BusinessAreaPK); err != nil {
			return nil, handleError(err)
		}
		pk := input.Body.PK
		if pk == "" {
			pk = uuid.New().String()
		}
		p := domain.Project{
			PK:             pk,
			Title:          input.Body.Title,
			Status:         domain.ProjectNew,
			BusinessAreaPK: input.Body.BusinessAreaPK,
			Team:           input.Body.Team,
			CreatedAt:      nowRFC3339(e),
		}
		if err := e.Repo.InsertProject(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			out = append(out, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{pk}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PK string `path:"pk"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.PK)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-documents",
		Method:      http.MethodGet,
		Path:        "/projects/{pk}/documents",
		Summary:     "List a project's documents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PK string `path:"pk"`
	}) (*struct {
		Body []domain.DocumentEnvelope `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.PK); err != nil {
			return nil, handleError(err)
		}
		docs, err := e.Repo.ListProjectDocuments(ctx, input.PK)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DocumentEnvelope `json:"body"`
		}{Body: docs}, nil
	})
}

func registerAgencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "division-directorate",
		Method:      http.MethodGet,
		Path:        "/agencies/divisions/{pk}/directorate",
		Summary:     "Directorate members of a division",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PK string `path:"pk"`
	}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDivision(ctx, input.PK); err != nil {
			return nil, handleError(err)
		}
		pks, err := e.Repo.ListDirectorateMembers(ctx, input.PK)
		if err != nil {
			return nil, handleError(err)
		}
		users := make([]domain.User, 0, len(pks))
		for _, pk := range pks {
			u, err := e.Repo.GetUser(ctx, pk)
			if err != nil {
				return nil, handleError(err)
			}
			users = append(users, u)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})
}

func registerCaretakers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-caretaker",
		Method:      http.MethodGet,
		Path:        "/users/{pk}/caretakers",
		Summary:     "Active caretaker assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PK string `path:"pk"`
	}) (*struct {
		Body domain.CaretakerAssignment `json:"body"`
	}, error) {
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		ca, err := e.Repo.ActiveCaretaker(ctx, input.PK, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaretakerAssignment `json:"body"`
		}{Body: ca}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-caretaker",
		Method:        http.MethodPost,
		Path:          "/users/{pk}/caretakers",
		Summary:       "Install a caretaker",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PK   string           `path:"pk"`
		Body CaretakerRequest `json:"body"`
	}) (*struct {
		Body domain.CaretakerAssignment `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.CaretakerPK == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "caretaker_pk is required", nil)
		}
		if input.Body.CaretakerPK == input.PK {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "a user cannot be their own caretaker", nil)
		}
		if authErr := requireSuperuser(ctx, e); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetUser(ctx, input.PK); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetUser(ctx, input.Body.CaretakerPK); err != nil {
			return nil, handleError(err)
		}
		ca := domain.CaretakerAssignment{
			PK:          uuid.New().String(),
			UserPK:      input.PK,
			CaretakerPK: input.Body.CaretakerPK,
			Reason:      input.Body.Reason,
			EndDate:     input.Body.EndDate,
			CreatedAt:   nowRFC3339(e),
		}
		if err := e.Repo.SetCaretaker(ctx, ca); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaretakerAssignment `json:"body"`
		}{Body: ca}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-caretaker",
		Method:      http.MethodDelete,
		Path:        "/users/{pk}/caretakers",
		Summary:     "Retire the active caretaker",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PK string `path:"pk"`
	}) (*struct{}, error) {
		if authErr := requireSuperuser(ctx, e); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.RemoveCaretaker(ctx, input.PK); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log tail",
	}, func(ctx context.Context, input *struct {
		ProjectPK  string `query:"project_pk"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		events, err := e.Repo.LatestEvents(ctx, limit, input.ProjectPK, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}
