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

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/engine/auth"
	"phaseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

// apiError models the required error envelope: a single error string,
// plus the blocking phase names when a start was refused by unmet hard
// dependencies.
type apiError struct {
	status         int
	Message        string   `json:"error"`
	BlockingPhases []string `json:"blocking_phases,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, message string) huma.StatusError {
	return &apiError{status: status, Message: message}
}

// New returns an HTTP handler exposing the Phaseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors surface as 400.
			status = http.StatusBadRequest
		}
		if len(errs) > 0 {
			msg = msg + ": " + errs[0].Error()
		}
		return newAPIError(status, msg)
	}

	defaultTenant := ""
	if cfg.Engine.Config != nil {
		defaultTenant = cfg.Engine.Config.Tenant.ID
	}
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, defaultTenant, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerSubPhases(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var be engine.BlockedError
	if errors.As(err, &be) {
		return &apiError{status: http.StatusBadRequest, Message: err.Error(), BlockingPhases: be.BlockingPhases}
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, err.Error())
	}
	var pe engine.PermissionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, err.Error())
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, err.Error())
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not found")
	}
	return newAPIError(http.StatusInternalServerError, "internal error")
}

func tenantFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.TenantID != "" {
		return p.TenantID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "authentication required")
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission checks JWT-embedded permissions first, then falls
// back to the membership's role in the database.
func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, ok := principalFromContext(ctx)
	if !ok || principal.UserID == "" {
		return newAPIError(http.StatusUnauthorized, "authentication required")
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	svc := auth.Service{DB: e.DB}
	granted, err := svc.UserHasPermission(ctx, principal.TenantID, principal.UserID, perm)
	if err != nil {
		return err
	}
	if !granted {
		return auth.ForbiddenError{Permission: perm}
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
    <title>Phaseline API Docs</title>
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

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeEnvelope `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "authentication required")
		}
		svc := auth.Service{DB: e.DB}
		role, level, err := svc.UserRole(ctx, principal.TenantID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		perms := principal.Permissions
		if len(perms) == 0 {
			perms, err = svc.UserPermissions(ctx, principal.TenantID, principal.UserID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body MeEnvelope `json:"body"`
		}{Body: MeEnvelope{
			UserID:      principal.UserID,
			TenantID:    principal.TenantID,
			RoleID:      role,
			Level:       level,
			Permissions: perms,
			Source:      principal.Source,
		}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "project.create"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, warning, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			TenantID: tenantID,
			Name:     input.Body.Name,
			Category: input.Body.Category,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectEnvelope `json:"body"`
		}{Body: ProjectEnvelope{Project: p, Warning: warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectsEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "project.read"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx, tenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body ProjectsEnvelope `json:"body"`
		}{Body: ProjectsEnvelope{Projects: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project with phases",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectDetailEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "project.read"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, tenantID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		phases, err := e.ListPhases(ctx, tenantID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectDetailEnvelope `json:"body"`
		}{Body: ProjectDetailEnvelope{Project: p, Phases: phases}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "project.update"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, engine.ProjectUpdateOptions{
			TenantID:  tenantID,
			ProjectID: input.ProjectID,
			Name:      input.Body.Name,
			Status:    input.Body.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectEnvelope `json:"body"`
		}{Body: ProjectEnvelope{Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Deactivate project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "project.delete"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, tenantID, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases",
		Summary:     "List phases with dependencies",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PhasesEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.read"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		phases, err := e.ListPhases(ctx, tenantID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if phases == nil {
			phases = []engine.PhaseDetail{}
		}
		return &struct {
			Body PhasesEnvelope `json:"body"`
		}{Body: PhasesEnvelope{Phases: phases}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-phase",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/phases",
		Summary:       "Create phase",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreatePhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.update"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		phase, err := e.CreatePhase(ctx, engine.PhaseCreateOptions{
			TenantID:         tenantID,
			ProjectID:        input.ProjectID,
			Name:             input.Body.Name,
			TemplateCode:     input.Body.TemplateCode,
			AssignedTo:       input.Body.AssignedTo,
			PlannedStartDate: input.Body.PlannedStartDate,
			PlannedEndDate:   input.Body.PlannedEndDate,
			Notes:            input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseEnvelope `json:"body"`
		}{Body: PhaseEnvelope{Phase: phase}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_id}",
		Summary:     "Get phase",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		PhaseID   string `path:"phase_id"`
	}) (*struct {
		Body PhaseEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.read"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		phase, err := e.GetPhase(ctx, tenantID, input.ProjectID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseEnvelope `json:"body"`
		}{Body: PhaseEnvelope{Phase: phase}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-phase",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/phases/{phase_id}",
		Summary:     "Update phase",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		PhaseID   string             `path:"phase_id"`
		Body      UpdatePhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.update"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		phase, err := e.UpdatePhase(ctx, engine.PhaseUpdateOptions{
			TenantID:           tenantID,
			ProjectID:          input.ProjectID,
			PhaseID:            input.PhaseID,
			ActorID:            actorID,
			Status:             input.Body.Status,
			ProgressPercentage: input.Body.ProgressPercentage,
			ProgressMode:       input.Body.ProgressMode,
			AssignedTo:         input.Body.AssignedTo,
			PlannedStartDate:   input.Body.PlannedStartDate,
			PlannedEndDate:     input.Body.PlannedEndDate,
			ActualStartDate:    input.Body.ActualStartDate,
			ActualEndDate:      input.Body.ActualEndDate,
			Notes:              input.Body.Notes,
			StatusChangeNotes:  input.Body.StatusChangeNotes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseEnvelope `json:"body"`
		}{Body: PhaseEnvelope{Phase: phase}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-phase",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/phases/{phase_id}",
		Summary:     "Delete phase",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		PhaseID   string `path:"phase_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "phase.delete"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeletePhase(ctx, tenantID, input.ProjectID, input.PhaseID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-phase-dependency",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/phases/{phase_id}/dependencies",
		Summary:       "Add phase dependency",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		PhaseID   string               `path:"phase_id"`
		Body      AddDependencyRequest `json:"body"`
	}) (*struct {
		Body DependencyEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.update"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DependencyOptions{
			TenantID:         tenantID,
			ProjectID:        input.ProjectID,
			PhaseID:          input.PhaseID,
			DependsOnPhaseID: input.Body.DependsOnPhaseID,
			Type:             input.Body.DependencyType,
		}
		if err := e.AddDependency(ctx, opts); err != nil {
			return nil, handleError(err)
		}
		depType := opts.Type
		if depType == "" {
			depType = domain.DependencyHard
		}
		dep := domain.PhaseDependency{
			ProjectPhaseID:   input.PhaseID,
			DependsOnPhaseID: input.Body.DependsOnPhaseID,
			DependencyType:   depType,
		}
		return &struct {
			Body DependencyEnvelope `json:"body"`
		}{Body: DependencyEnvelope{Dependency: dep}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-phase-dependency",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/phases/{phase_id}/dependencies/{depends_on_phase_id}",
		Summary:     "Remove phase dependency",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID        string `path:"project_id"`
		PhaseID          string `path:"phase_id"`
		DependsOnPhaseID string `path:"depends_on_phase_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "phase.update"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DependencyOptions{
			TenantID:         tenantID,
			ProjectID:        input.ProjectID,
			PhaseID:          input.PhaseID,
			DependsOnPhaseID: input.DependsOnPhaseID,
		}
		if err := e.RemoveDependency(ctx, opts); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phase-logs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_id}/logs",
		Summary:     "Phase status history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		PhaseID   string `path:"phase_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body LogsEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "log.read"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		logs, err := e.ListPhaseLogs(ctx, tenantID, input.ProjectID, input.PhaseID, input.Limit, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogsEnvelope `json:"body"`
		}{Body: logsEnvelope(logs, input.Limit)}, nil
	})
}

func registerSubPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sub-phases",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_id}/sub-phases",
		Summary:     "List sub-phases",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		PhaseID   string `path:"phase_id"`
	}) (*struct {
		Body SubPhasesEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.read"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		subs, err := e.ListSubPhases(ctx, tenantID, input.ProjectID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if subs == nil {
			subs = []engine.SubPhaseDetail{}
		}
		return &struct {
			Body SubPhasesEnvelope `json:"body"`
		}{Body: SubPhasesEnvelope{SubPhases: subs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-sub-phase",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/phases/{phase_id}/sub-phases",
		Summary:       "Create sub-phase",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		PhaseID   string                `path:"phase_id"`
		Body      CreateSubPhaseRequest `json:"body"`
	}) (*struct {
		Body SubPhaseEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.update"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.CreateSubPhase(ctx, engine.SubPhaseCreateOptions{
			TenantID:         tenantID,
			ProjectID:        input.ProjectID,
			PhaseID:          input.PhaseID,
			Name:             input.Body.Name,
			AssignedTo:       input.Body.AssignedTo,
			PlannedStartDate: input.Body.PlannedStartDate,
			PlannedEndDate:   input.Body.PlannedEndDate,
			Notes:            input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubPhaseEnvelope `json:"body"`
		}{Body: SubPhaseEnvelope{SubPhase: sub}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-sub-phase",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/phases/{phase_id}/sub-phases/{sub_phase_id}",
		Summary:     "Update sub-phase",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                `path:"project_id"`
		PhaseID    string                `path:"phase_id"`
		SubPhaseID string                `path:"sub_phase_id"`
		Body       UpdateSubPhaseRequest `json:"body"`
	}) (*struct {
		Body SubPhaseEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.update"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.UpdateSubPhase(ctx, engine.SubPhaseUpdateOptions{
			TenantID:           tenantID,
			ProjectID:          input.ProjectID,
			PhaseID:            input.PhaseID,
			SubPhaseID:         input.SubPhaseID,
			ActorID:            actorID,
			Status:             input.Body.Status,
			ProgressPercentage: input.Body.ProgressPercentage,
			AssignedTo:         input.Body.AssignedTo,
			PlannedStartDate:   input.Body.PlannedStartDate,
			PlannedEndDate:     input.Body.PlannedEndDate,
			ActualStartDate:    input.Body.ActualStartDate,
			ActualEndDate:      input.Body.ActualEndDate,
			Notes:              input.Body.Notes,
			StatusChangeNotes:  input.Body.StatusChangeNotes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubPhaseEnvelope `json:"body"`
		}{Body: SubPhaseEnvelope{SubPhase: sub}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-sub-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase_id}/sub-phases/{sub_phase_id}/complete",
		Summary:     "Complete sub-phase",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                `path:"project_id"`
		PhaseID    string                `path:"phase_id"`
		SubPhaseID string                `path:"sub_phase_id"`
		Body       SubPhaseActionRequest `json:"body"`
	}) (*struct {
		Body SubPhaseEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.update"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.CompleteSubPhase(ctx, engine.SubPhaseUpdateOptions{
			TenantID:          tenantID,
			ProjectID:         input.ProjectID,
			PhaseID:           input.PhaseID,
			SubPhaseID:        input.SubPhaseID,
			ActorID:           actorID,
			StatusChangeNotes: input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubPhaseEnvelope `json:"body"`
		}{Body: SubPhaseEnvelope{SubPhase: sub}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-sub-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase_id}/sub-phases/{sub_phase_id}/skip",
		Summary:     "Skip sub-phase",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                `path:"project_id"`
		PhaseID    string                `path:"phase_id"`
		SubPhaseID string                `path:"sub_phase_id"`
		Body       SubPhaseActionRequest `json:"body"`
	}) (*struct {
		Body SubPhaseEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.update"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.SkipSubPhase(ctx, engine.SubPhaseSkipOptions{
			TenantID:   tenantID,
			ProjectID:  input.ProjectID,
			PhaseID:    input.PhaseID,
			SubPhaseID: input.SubPhaseID,
			ActorID:    actorID,
			Notes:      input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubPhaseEnvelope `json:"body"`
		}{Body: SubPhaseEnvelope{SubPhase: sub}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-sub-phase",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/phases/{phase_id}/sub-phases/{sub_phase_id}",
		Summary:     "Delete sub-phase",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		PhaseID    string `path:"phase_id"`
		SubPhaseID string `path:"sub_phase_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "phase.delete"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteSubPhase(ctx, tenantID, input.ProjectID, input.PhaseID, input.SubPhaseID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sub-phase-logs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_id}/sub-phases/{sub_phase_id}/logs",
		Summary:     "Sub-phase status history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		PhaseID    string `path:"phase_id"`
		SubPhaseID string `path:"sub_phase_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body LogsEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "log.read"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		logs, err := e.ListSubPhaseLogs(ctx, tenantID, input.ProjectID, input.PhaseID, input.SubPhaseID, input.Limit, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogsEnvelope `json:"body"`
		}{Body: logsEnvelope(logs, input.Limit)}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/members",
		Summary:     "List members",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MembersEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "project.read"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		members, err := e.Repo.ListMembers(ctx, tenantID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]MemberResponse, 0, len(members))
		for _, m := range members {
			res = append(res, MemberResponse{User: m.User, RoleID: m.RoleID, Level: m.Level})
		}
		return &struct {
			Body MembersEnvelope `json:"body"`
		}{Body: MembersEnvelope{Members: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-member",
		Method:      http.MethodDelete,
		Path:        "/members/{user_id}",
		Summary:     "Remove member",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "member.invite"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveMember(ctx, tenantID, actorID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "invite-member",
		Method:        http.MethodPost,
		Path:          "/invitations",
		Summary:       "Invite member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body InviteMemberRequest `json:"body"`
	}) (*struct {
		Body InvitationEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "member.invite"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.InviteMember(ctx, engine.InviteOptions{
			TenantID: tenantID,
			ActorID:  actorID,
			Email:    input.Body.Email,
			RoleID:   input.Body.RoleID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvitationEnvelope `json:"body"`
		}{Body: InvitationEnvelope{Invitation: inv}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-invitations",
		Method:      http.MethodGet,
		Path:        "/invitations",
		Summary:     "List invitations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,accepted,declined,revoked,"`
	}) (*struct {
		Body InvitationsEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "member.invite"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListInvitations(ctx, tenantID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Invitation{}
		}
		return &struct {
			Body InvitationsEnvelope `json:"body"`
		}{Body: InvitationsEnvelope{Invitations: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-invitation",
		Method:      http.MethodPost,
		Path:        "/invitations/{invitation_id}/accept",
		Summary:     "Accept invitation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InvitationID string                  `path:"invitation_id"`
		Body         AcceptInvitationRequest `json:"body"`
	}) (*struct {
		Body MembershipEnvelope `json:"body"`
	}, error) {
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AcceptInvitation(ctx, engine.AcceptInvitationOptions{
			TenantID:     tenantID,
			InvitationID: input.InvitationID,
			Name:         input.Body.Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MembershipEnvelope `json:"body"`
		}{Body: MembershipEnvelope{Membership: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-invitation",
		Method:      http.MethodPost,
		Path:        "/invitations/{invitation_id}/decline",
		Summary:     "Decline invitation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InvitationID string `path:"invitation_id"`
	}) (*struct{}, error) {
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeclineInvitation(ctx, tenantID, input.InvitationID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-invitation",
		Method:      http.MethodDelete,
		Path:        "/invitations/{invitation_id}",
		Summary:     "Revoke invitation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InvitationID string `path:"invitation_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "member.invite"); err != nil {
			return nil, handleError(err)
		}
		tenantID, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeInvitation(ctx, tenantID, input.InvitationID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates/{category}",
		Summary:     "List phase templates for a category",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Category string `path:"category"`
	}) (*struct {
		Body TemplatesEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.read"); err != nil {
			return nil, handleError(err)
		}
		templates, err := e.Repo.ListPhaseTemplates(ctx, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]PhaseTemplateResponse, 0, len(templates))
		for _, t := range templates {
			subs, err := e.Repo.ListSubPhaseTemplates(ctx, nil, t.ID)
			if err != nil {
				return nil, handleError(err)
			}
			res = append(res, PhaseTemplateResponse{PhaseTemplate: t, SubPhases: subs})
		}
		return &struct {
			Body TemplatesEnvelope `json:"body"`
		}{Body: TemplatesEnvelope{Templates: res}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyEnvelope `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := "plk_" + uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			UserID:  actorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		key.KeyHash = ""
		return &struct {
			Body APIKeyEnvelope `json:"body"`
		}{Body: APIKeyEnvelope{APIKey: key, Key: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body APIKeysEnvelope `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range keys {
			keys[i].KeyHash = ""
		}
		return &struct {
			Body APIKeysEnvelope `json:"body"`
		}{Body: APIKeysEnvelope{APIKeys: keys}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func logsEnvelope(logs []domain.StatusLog, limit int) LogsEnvelope {
	env := LogsEnvelope{Logs: logs}
	if env.Logs == nil {
		env.Logs = []domain.StatusLog{}
	}
	if limit > 0 && len(logs) == limit {
		env.NextCursor = logs[len(logs)-1].ID
	}
	return env
}
