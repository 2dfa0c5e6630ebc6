package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"govline/internal/audit"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/identity"
	"govline/internal/registry"
	"govline/internal/repo"
)

// RoleAdmin may manage configs and role grants for its tenant, and is
// the only role allowed to force-cancel an instance.
const RoleAdmin = "admin"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Registry registry.Registry
	Identity identity.Service
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"approvals_pending"`
	Message string         `json:"message" example:"stage submitted requires 2 approvals, has 1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Govline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Govline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerConfigs(group, cfg)
	registerInstances(group, cfg)
	registerApprovals(group, cfg)
	registerAudit(group, cfg)
	registerRoles(group, cfg)

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

// handleError translates the engine's typed errors into the envelope. Every
// error kind keeps a stable code so clients can branch without parsing
// messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"reason": ve.Reason})
	}
	var ce domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"expected_version": ce.ExpectedVersion})
	}
	var te domain.TerminalStateError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "terminal_state", err.Error(), map[string]any{"status": string(te.Status)})
	}
	var ie domain.InvalidTransitionError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"stage_id": ie.StageID, "decision": ie.Decision})
	}
	var pe domain.ApprovalsPendingError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "approvals_pending", err.Error(), map[string]any{"have": pe.Have, "need": pe.Need})
	}
	var fe domain.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"stage_id": fe.StageID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// requireTenantRole admits callers whose token carries the role or who hold
// it in the tenant's role table.
func requireTenantRole(ctx context.Context, cfg Config, tenantID, role string) error {
	principal, authErr := actorPrincipal(ctx)
	if authErr != nil {
		return authErr
	}
	for _, r := range principal.Roles {
		if r == role {
			return nil
		}
	}
	ok, err := cfg.Identity.HasRole(ctx, principal.ActorID, tenantID, role)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ForbiddenError{ActorID: principal.ActorID}
	}
	return nil
}

func actorPrincipal(ctx context.Context) (Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p, nil
}

// tenantInstance loads an instance and hides it from other tenants.
func tenantInstance(ctx context.Context, cfg Config, tenantID, instanceID string) (domain.Instance, error) {
	in, err := cfg.Engine.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Instance{}, err
	}
	if in.TenantID != tenantID {
		return domain.Instance{}, repo.ErrNotFound
	}
	return in, nil
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

func registerConfigs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-config",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/configs",
		Summary:       "Create workflow config",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string              `path:"tenant_id"`
		Body     CreateConfigRequest `json:"body"`
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if err := requireTenantRole(ctx, cfg, input.TenantID, RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		c, err := cfg.Registry.CreateConfig(ctx, input.TenantID, input.Body.Definition)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-configs",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/configs",
		Summary:     "List workflow configs",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body []ConfigResponse `json:"body"`
	}, error) {
		if _, authErr := actorPrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Engine.Repo.ListConfigs(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ConfigResponse `json:"body"`
		}{Body: mapConfigs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/configs/{config_id}",
		Summary:     "Get workflow config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ConfigID string `path:"config_id"`
		Version  int    `query:"version"`
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if _, authErr := actorPrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := cfg.Registry.GetConfig(ctx, input.TenantID, input.ConfigID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-config",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/configs/{config_id}",
		Summary:     "Publish new config version",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string              `path:"tenant_id"`
		ConfigID string              `path:"config_id"`
		Body     UpdateConfigRequest `json:"body"`
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if err := requireTenantRole(ctx, cfg, input.TenantID, RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		c, err := cfg.Registry.UpdateConfig(ctx, input.TenantID, input.ConfigID, input.Body.Definition)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-config",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/configs/{config_id}/deactivate",
		Summary:     "Deactivate workflow config",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ConfigID string `path:"config_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireTenantRole(ctx, cfg, input.TenantID, RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Registry.DeactivateConfig(ctx, input.TenantID, input.ConfigID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deactivated"}}, nil
	})
}

func registerInstances(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-instance",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/instances",
		Summary:       "Start workflow instance",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string               `path:"tenant_id"`
		Body     StartInstanceRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ConfigID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "config_id is required", nil)
		}
		if input.Body.EntityID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_id is required", nil)
		}
		in, err := cfg.Engine.StartInstance(ctx, input.TenantID, input.Body.ConfigID, input.Body.ConfigVersion,
			domain.EntityType(input.Body.EntityType), input.Body.EntityID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/instances",
		Summary:     "List workflow instances",
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		Status     string `query:"status"`
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []InstanceResponse `json:"body"`
	}, error) {
		if _, authErr := actorPrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Engine.Repo.ListInstances(ctx, repo.InstanceFilters{
			TenantID:   input.TenantID,
			Status:     input.Status,
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InstanceResponse `json:"body"`
		}{Body: mapInstances(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/instances/{instance_id}",
		Summary:     "Get workflow instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		if _, authErr := actorPrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		in, err := tenantInstance(ctx, cfg, input.TenantID, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/instances/{instance_id}/transition",
		Summary:     "Request stage transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TenantID   string            `path:"tenant_id"`
		InstanceID string            `path:"instance_id"`
		Body       TransitionRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Decision == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision is required", nil)
		}
		if _, err := tenantInstance(ctx, cfg, input.TenantID, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		in, err := cfg.Engine.RequestTransition(ctx, input.InstanceID, input.Body.Decision, actorID, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/instances/{instance_id}/cancel",
		Summary:     "Cancel workflow instance",
		Errors: []int{
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TenantID   string        `path:"tenant_id"`
		InstanceID string        `path:"instance_id"`
		Body       CancelRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireTenantRole(ctx, cfg, input.TenantID, RoleAdmin); err != nil {
			return nil, err
		}
		if _, err := tenantInstance(ctx, cfg, input.TenantID, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		in, err := cfg.Engine.CancelInstance(ctx, input.InstanceID, actorID, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})
}

func registerApprovals(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-approval",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/instances/{instance_id}/approvals",
		Summary:       "Record approval decision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TenantID   string          `path:"tenant_id"`
		InstanceID string          `path:"instance_id"`
		Body       ApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := tenantInstance(ctx, cfg, input.TenantID, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		wcfg, err := cfg.Engine.Repo.GetConfig(ctx, in.TenantID, in.ConfigID, in.ConfigVersion)
		if err != nil {
			return nil, handleError(err)
		}
		step, err := cfg.Engine.Approvals.RecordApproval(ctx, input.InstanceID, actorID,
			domain.ApprovalDecision(input.Body.Decision), input.Body.Comment, input.Body.ExpectedVersion, wcfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(step)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/instances/{instance_id}/approvals",
		Summary:     "List approval decisions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		if _, authErr := actorPrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := tenantInstance(ctx, cfg, input.TenantID, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Engine.Repo.ListApprovals(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})
}

func registerAudit(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "read-audit",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/instances/{instance_id}/audit",
		Summary:     "Read audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		if _, authErr := actorPrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := tenantInstance(ctx, cfg, input.TenantID, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		entries, err := cfg.Engine.Audit.Read(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAuditEntries(entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/instances/{instance_id}/audit/verify",
		Summary:     "Verify audit chain and replay state",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorPrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		in, err := tenantInstance(ctx, cfg, input.TenantID, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := cfg.Engine.Audit.Read(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := audit.Verify(entries); err != nil {
			return nil, newAPIError(http.StatusConflict, "audit_corrupt", err.Error(), nil)
		}
		state, err := audit.Replay(entries)
		if err != nil {
			return nil, newAPIError(http.StatusConflict, "audit_corrupt", err.Error(), nil)
		}
		consistent := state.StageID == in.CurrentStageID &&
			state.Status == in.Status &&
			state.Version == in.Version
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"entries":    len(entries),
			"chain_ok":   true,
			"consistent": consistent,
			"replayed": map[string]any{
				"stage_id":    state.StageID,
				"stage_visit": state.StageVisit,
				"status":      string(state.Status),
				"version":     state.Version,
			},
		}}, nil
	})
}

func registerRoles(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/roles",
		Summary:       "Grant tenant role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantID string           `path:"tenant_id"`
		Body     RoleGrantRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireTenantRole(ctx, cfg, input.TenantID, RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		if err := cfg.Identity.Grant(ctx, input.TenantID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "granted"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/tenants/{tenant_id}/roles",
		Summary:     "Revoke tenant role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantID string           `path:"tenant_id"`
		Body     RoleGrantRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireTenantRole(ctx, cfg, input.TenantID, RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Identity.Revoke(ctx, input.TenantID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "revoked"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actor-roles",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/roles/{actor_id}",
		Summary:     "List an actor's tenant roles",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ActorID  string `path:"actor_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorPrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		roles, err := cfg.Identity.ActorRoles(ctx, input.TenantID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"actor_id": input.ActorID, "roles": roles}}, nil
	})
}
