package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shopline/internal/domain"
	apperrors "shopline/internal/errors"
	"shopline/internal/logger"
	"shopline/internal/repo"
	"shopline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store    store.Service
	BasePath string
	Auth     AuthConfig
	Log      *logger.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"state transition Stopped -> Testing denied"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"Stopped\",\"to\":\"Testing\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the shopline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logger.New()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Shopline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSchedule(group, cfg.Store)
	registerMachines(group, cfg.Store)
	registerStatusRecords(group, cfg.Store)
	registerWorkOrders(group, cfg.Store)
	registerEvents(group, cfg.Store)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("request")
		})
	}
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
	var fe *apperrors.FormError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusBadRequest, "invalid_form", err.Error(), map[string]any{"fields": fe.Fields})
	}
	var ve *apperrors.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"field": ve.Field}
		if c := ve.Conflict; c != nil {
			details["conflict_id"] = c.ConflictID
			details["machine_id"] = c.MachineID
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	var te *apperrors.StateTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": te.From, "to": te.To, "reason": te.Reason,
		})
	}
	switch {
	case errors.Is(err, apperrors.ErrNotEditable):
		return newAPIError(http.StatusConflict, "not_editable", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, apperrors.ErrInvalidRange), errors.Is(err, apperrors.ErrInvalidTime):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
    <title>Shopline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; when the server has a secret.
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

func registerSchedule(api huma.API, s store.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/areas/{area}/schedule",
		Summary:     "Work orders and status records of an area",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Area  string `path:"area"`
		Start string `query:"start" doc:"window start, RFC 3339"`
		End   string `query:"end" doc:"window end, RFC 3339"`
	}) (*struct {
		Body ScheduleResponse `json:"body"`
	}, error) {
		var from, to *time.Time
		for _, b := range []struct {
			raw string
			dst **time.Time
		}{{input.Start, &from}, {input.End, &to}} {
			if strings.TrimSpace(b.raw) == "" {
				continue
			}
			t, err := s.Transform.Normalizer.Parse(b.raw)
			if err != nil {
				return nil, handleError(err)
			}
			*b.dst = &t
		}
		recs, err := s.FetchSchedule(ctx, input.Area, from, to)
		if err != nil {
			return nil, handleError(err)
		}
		if recs == nil {
			recs = []domain.ExternalRecord{}
		}
		return &struct {
			Body ScheduleResponse `json:"body"`
		}{Body: ScheduleResponse{Area: strings.ToUpper(input.Area), Records: recs}}, nil
	})
}

func registerMachines(api huma.API, s store.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-machines",
		Method:      http.MethodGet,
		Path:        "/machines",
		Summary:     "List machines",
	}, func(ctx context.Context, input *struct {
		Area string `query:"area"`
	}) (*struct {
		Body MachineList `json:"body"`
	}, error) {
		machines, err := s.FetchMachines(ctx, input.Area)
		if err != nil {
			return nil, handleError(err)
		}
		if machines == nil {
			machines = []domain.Machine{}
		}
		return &struct {
			Body MachineList `json:"body"`
		}{Body: MachineList{Items: machines}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-machine",
		Method:        http.MethodPost,
		Path:          "/machines",
		Summary:       "Register a machine",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body AddMachineRequest `json:"body"`
	}) (*struct {
		Body domain.Machine `json:"body"`
	}, error) {
		m, err := s.AddMachine(ctx, domain.Machine{
			ID:      input.Body.ID,
			Area:    input.Body.Area,
			Name:    input.Body.Name,
			Process: input.Body.Process,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Machine `json:"body"`
		}{Body: m}, nil
	})
}

func registerStatusRecords(api huma.API, s store.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-status-record",
		Method:        http.MethodPost,
		Path:          "/status-records",
		Summary:       "Create a status record",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body domain.ExternalRecord `json:"body"`
	}) (*struct {
		Body domain.ExternalRecord `json:"body"`
	}, error) {
		rec, err := s.CreateStatusRecord(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExternalRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-status-record",
		Method:      http.MethodPut,
		Path:        "/status-records/{id}",
		Summary:     "Replace a status record",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body domain.ExternalRecord `json:"body"`
	}) (*struct {
		Body domain.ExternalRecord `json:"body"`
	}, error) {
		rec := input.Body.Clone()
		if rec.MachineStatus == nil {
			return nil, handleError(apperrors.NewValidationError("machineStatus", "machineStatus is required"))
		}
		rec.MachineStatus.MachineStatusID = input.ID
		out, err := s.UpdateStatusRecord(ctx, rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExternalRecord `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-status-record",
		Method:      http.MethodDelete,
		Path:        "/status-records/{id}",
		Summary:     "Delete a status record",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		ok, err := s.DeleteStatusRecord(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Success: ok}}, nil
	})
}

func registerWorkOrders(api huma.API, s store.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "move-work-order",
		Method:      http.MethodPut,
		Path:        "/work-orders/{id}",
		Summary:     "Move a work order",
		Description: "Only machineSN, area and planOnMachineDate are applied; the planned end follows the start.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body domain.ExternalRecord `json:"body"`
	}) (*struct {
		Body domain.ExternalRecord `json:"body"`
	}, error) {
		rec := input.Body.Clone()
		if rec.ProductionSchedule == nil {
			rec.ProductionSchedule = &domain.ProductionSchedule{}
		}
		rec.ProductionSchedule.ProductionScheduleID = input.ID
		out, err := s.UpdateWorkOrder(ctx, rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExternalRecord `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-work-orders",
		Method:      http.MethodPost,
		Path:        "/work-orders",
		Summary:     "Import work orders",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ImportRequest `json:"body"`
	}) (*struct {
		Body store.ImportResult `json:"body"`
	}, error) {
		res, err := s.ImportWorkOrders(ctx, input.Body.Orders)
		if err != nil {
			return nil, handleError(err)
		}
		if res.Imported == nil {
			res.Imported = []domain.ExternalRecord{}
		}
		return &struct {
			Body store.ImportResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, s store.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Area       string `query:"area"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"machine,status_record,work_order"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
		After      int64  `query:"after" doc:"return events newer than this id, oldest first"`
	}) (*struct {
		Body PaginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := s.ListEvents(ctx, repo.EventFilter{
			Area:       strings.ToUpper(input.Area),
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			After:      input.After,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			if input.After == 0 {
				resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			}
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body PaginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
