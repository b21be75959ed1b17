package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"apbdes/internal/config"
	"apbdes/internal/domain"
	"apbdes/internal/engine"
	"apbdes/internal/notify"
	"apbdes/internal/store"
	"apbdes/internal/summary"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Store    *store.DB
	Inbox    notify.Inbox
	BasePath string
	Auth     AuthConfig
	Webhooks []config.WebhookConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"cannot approve budget line in status approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the APBDes workflow API.
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("APBDes Workflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBudget(group, cfg.Engine, cfg.Store)
	registerRealizations(group, cfg.Engine, cfg.Store)
	registerNotifications(group, cfg.Inbox)
	registerEvents(group, cfg.Store)
	registerBudgetWatch(router, basePath, cfg.Store)

	startWebhookForwarder(cfg)

	return router, nil
}

// registerBudgetWatch streams the scoped budget over SSE. One data frame per
// committed change: the full result set plus its recomputed summary.
func registerBudgetWatch(router chi.Router, basePath string, s *store.DB) {
	router.Get(basePath+"/villages/{village}/budget/watch", func(w http.ResponseWriter, req *http.Request) {
		if _, authErr := identityFromContext(req.Context()); authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		village := chi.URLParam(req, "village")
		year, _ := strconv.Atoi(req.URL.Query().Get("year"))

		ch, cancel := s.Subscribe(village, year)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		for {
			select {
			case <-req.Context().Done():
				return
			case snapshot, open := <-ch:
				if !open {
					return
				}
				frame, err := json.Marshal(LineListResponse{
					Items:   mapLines(snapshot),
					Summary: summary.Calculate(snapshot),
				})
				if err != nil {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			}
		}
	})
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
	var authErr engine.AuthorizationError
	if errors.As(err, &authErr) {
		return newAPIError(http.StatusForbidden, "not_permitted", err.Error(), nil)
	}
	var stateErr engine.InvalidStateError
	if errors.As(err, &stateErr) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"line_id": stateErr.LineID,
			"status":  string(stateErr.Status),
		})
	}
	var valErr engine.ValidationError
	if errors.As(err, &valErr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": valErr.Field})
	}
	var depErr engine.DependencyError
	if errors.As(err, &depErr) {
		return newAPIError(http.StatusBadGateway, "dependency_failed", err.Error(), nil)
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "budget line not found", nil)
	}
	if errors.Is(err, store.ErrPreconditionFailed) {
		return newAPIError(http.StatusConflict, "invalid_state", "state changed, please refresh", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "not_permitted"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerBudget(api huma.API, e engine.Engine, s *store.DB) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-budget-line",
		Method:        http.MethodPost,
		Path:          "/villages/{village}/budget",
		Summary:       "Create budget line",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Village string            `path:"village"`
		Body    CreateLineRequest `json:"body"`
	}) (*struct {
		Body LineResponse `json:"body"`
	}, error) {
		ident, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if ident.Role == domain.RoleVillageAdmin && ident.Village != input.Village {
			return nil, handleError(engine.AuthorizationError{Op: "create", Village: input.Village})
		}
		line, err := e.Create(ctx, ident, engine.CreateOptions{
			FiscalYear: input.Body.FiscalYear,
			Kind:       domain.Kind(input.Body.Kind),
			Category:   input.Body.Category,
			Amount:     input.Body.Amount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LineResponse `json:"body"`
		}{Body: lineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-budget-lines",
		Method:      http.MethodGet,
		Path:        "/villages/{village}/budget",
		Summary:     "List budget lines for a village and fiscal year",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Village string `path:"village"`
		Year    int    `query:"year"`
	}) (*struct {
		Body LineListResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		lines, err := s.ListLines(ctx, input.Village, input.Year)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LineListResponse `json:"body"`
		}{Body: LineListResponse{
			Items:   mapLines(lines),
			Summary: summary.Calculate(lines),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "budget-summary",
		Method:      http.MethodGet,
		Path:        "/villages/{village}/budget/summary",
		Summary:     "Income/expense totals for a village and fiscal year",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Village string `path:"village"`
		Year    int    `query:"year"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		lines, err := s.ListLines(ctx, input.Village, input.Year)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: SummaryResponse{
			Village:    input.Village,
			FiscalYear: input.Year,
			Totals:     summary.Calculate(lines),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-budget-line",
		Method:      http.MethodGet,
		Path:        "/budget/{line_id}",
		Summary:     "Get budget line",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LineID string `path:"line_id"`
	}) (*struct {
		Body LineResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		line, err := s.GetLine(ctx, input.LineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LineResponse `json:"body"`
		}{Body: lineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-budget-line",
		Method:      http.MethodPatch,
		Path:        "/budget/{line_id}",
		Summary:     "Edit a draft or rejected budget line",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LineID string          `path:"line_id"`
		Body   EditLineRequest `json:"body"`
	}) (*struct {
		Body LineResponse `json:"body"`
	}, error) {
		ident, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EditOptions{
			Category: input.Body.Category,
			Amount:   input.Body.Amount,
		}
		if input.Body.Kind != nil {
			k := domain.Kind(*input.Body.Kind)
			opts.Kind = &k
		}
		line, err := e.Edit(ctx, ident, input.LineID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LineResponse `json:"body"`
		}{Body: lineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-budget-line",
		Method:      http.MethodPost,
		Path:        "/budget/{line_id}/submit",
		Summary:     "Submit a budget line for district review",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		LineID string `path:"line_id"`
	}) (*struct {
		Body LineResponse `json:"body"`
	}, error) {
		ident, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		line, err := e.Submit(ctx, ident, input.LineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LineResponse `json:"body"`
		}{Body: lineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-budget-line",
		Method:      http.MethodPost,
		Path:        "/budget/{line_id}/approve",
		Summary:     "Approve a submitted budget line",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		LineID string `path:"line_id"`
	}) (*struct {
		Body LineResponse `json:"body"`
	}, error) {
		ident, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		line, err := e.Approve(ctx, ident, input.LineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LineResponse `json:"body"`
		}{Body: lineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-budget-line",
		Method:      http.MethodPost,
		Path:        "/budget/{line_id}/reject",
		Summary:     "Reject a submitted budget line with a reason",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LineID string            `path:"line_id"`
		Body   RejectLineRequest `json:"body"`
	}) (*struct {
		Body LineResponse `json:"body"`
	}, error) {
		ident, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		line, err := e.Reject(ctx, ident, input.LineID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LineResponse `json:"body"`
		}{Body: lineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-budget-line",
		Method:        http.MethodDelete,
		Path:          "/budget/{line_id}",
		Summary:       "Delete a budget line and all of its realizations",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		LineID string `path:"line_id"`
	}) (*struct{}, error) {
		ident, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, ident, input.LineID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRealizations(api huma.API, e engine.Engine, s *store.DB) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-realization",
		Method:        http.MethodPost,
		Path:          "/budget/{line_id}/realizations",
		Summary:       "Record a realization under an approved line",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LineID string                `path:"line_id"`
		Body   AddRealizationRequest `json:"body"`
	}) (*struct {
		Body RealizationResponse `json:"body"`
	}, error) {
		ident, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.AddRealization(ctx, ident, input.LineID, input.Body.Amount, input.Body.Date, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RealizationResponse `json:"body"`
		}{Body: realizationResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-realizations",
		Method:      http.MethodGet,
		Path:        "/budget/{line_id}/realizations",
		Summary:     "List realizations under a line",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LineID string `path:"line_id"`
	}) (*struct {
		Body []RealizationResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := s.GetLine(ctx, input.LineID); err != nil {
			return nil, handleError(err)
		}
		items, err := s.ListRealizations(ctx, input.LineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RealizationResponse `json:"body"`
		}{Body: mapRealizations(items)}, nil
	})
}

func registerNotifications(api huma.API, inbox notify.Inbox) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List inbox notifications for the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		ident, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// District admins read the role inbox; village admins their village's.
		var items []domain.Notification
		var err error
		if ident.Role == domain.RoleDistrictAdmin {
			items, err = inbox.List(ctx, domain.RoleDistrictAdmin, "", input.Limit)
		} else {
			items, err = inbox.List(ctx, "", ident.Village, input.Limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: mapNotifications(items)}, nil
	})
}

func registerEvents(api huma.API, s *store.DB) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/villages/{village}/events",
		Summary:     "Latest workflow events for a village",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Village string `path:"village"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.LatestEvents(ctx, input.Limit, input.Village)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
