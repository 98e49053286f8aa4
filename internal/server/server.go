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

	"cardflow/internal/engine"
	"cardflow/internal/repo"
	"cardflow/internal/rules"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rule_validation_failed"`
	Message string         `json:"message" example:"rules[0].action.config.columnId: is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Cardflow API.
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
	hcfg := huma.DefaultConfig("Cardflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBoards(group, cfg.Engine)
	registerColumns(group, cfg.Engine)
	registerCards(group, cfg.Engine)
	registerCustomers(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerSweeps(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var verr *rules.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "rule_validation_failed", err.Error(), map[string]any{"field": verr.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not found"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "different board"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Cardflow API Docs</title>
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

func registerBoards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-board",
		Method:        http.MethodPost,
		Path:          "/boards",
		Summary:       "Create board",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateBoardRequest `json:"body"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		b, err := e.CreateBoard(ctx, input.Body.Name, input.Body.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: boardResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}",
		Summary:     "Get board with columns",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID string `path:"board_id"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBoard(ctx, input.BoardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: boardResponse(b)}, nil
	})
}

func registerColumns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-column",
		Method:        http.MethodPost,
		Path:          "/boards/{board_id}/columns",
		Summary:       "Create column",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		BoardID string              `path:"board_id"`
		Body    CreateColumnRequest `json:"body"`
	}) (*struct {
		Body ColumnResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		opts := engine.ColumnCreateOptions{
			BoardID:     input.BoardID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Order:       input.Body.Order,
		}
		if input.Body.Rules != nil {
			opts.Rules = []byte(*input.Body.Rules)
		}
		c, err := e.CreateColumn(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ColumnResponse `json:"body"`
		}{Body: columnResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-column",
		Method:      http.MethodGet,
		Path:        "/columns/{column_id}",
		Summary:     "Get column",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ColumnID string `path:"column_id"`
	}) (*struct {
		Body ColumnResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetColumn(ctx, input.ColumnID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ColumnResponse `json:"body"`
		}{Body: columnResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-column-rules",
		Method:      http.MethodPut,
		Path:        "/columns/{column_id}/rules",
		Summary:     "Replace a column's rule configuration",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ColumnID string `path:"column_id"`
		// Raw so the engine's own validation pipeline sees the exact bytes;
		// huma must not schema-validate the rule document.
		RawBody []byte
	}) (*struct {
		Body ColumnResponse `json:"body"`
	}, error) {
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		c, err := e.UpdateColumnRules(ctx, input.ColumnID, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ColumnResponse `json:"body"`
		}{Body: columnResponse(c)}, nil
	})
}

func registerCards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/columns/{column_id}/cards",
		Summary:       "Create card",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ColumnID string            `path:"column_id"`
		Body     CreateCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		opts := engine.CardCreateOptions{
			ColumnID:    input.ColumnID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			CustomerID:  input.Body.CustomerID,
			Labels:      input.Body.Labels,
		}
		for _, f := range input.Body.CustomFields {
			opts.CustomFields = append(opts.CustomFields, f.toDomain())
		}
		if input.Body.DueDate != "" {
			due, err := time.Parse(time.RFC3339, input.Body.DueDate)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid due_date", map[string]any{"error": err.Error()})
			}
			opts.DueDate = &due
		}
		c, err := e.CreateCard(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}",
		Summary:     "Get card",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-card",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/move",
		Summary:     "Move card to another column",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CardID string          `path:"card_id"`
		Body   MoveCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		if input.Body.ColumnID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "column_id is required", nil)
		}
		c, err := e.MoveCard(ctx, input.CardID, input.Body.ColumnID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "card-history",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}/history",
		Summary:     "Card change history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body []HistoryResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCard(ctx, input.CardID); err != nil {
			return nil, handleError(err)
		}
		hist, err := e.Repo.ListCardHistory(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryResponse `json:"body"`
		}{Body: mapHistory(hist)}, nil
	})
}

func registerCustomers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-customer",
		Method:        http.MethodPost,
		Path:          "/customers",
		Summary:       "Create customer",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateCustomerRequest `json:"body"`
	}) (*struct {
		Body CustomerResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		c, err := e.CreateCustomer(ctx, input.Body.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CustomerResponse `json:"body"`
		}{Body: customerResponse(c)}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" || input.Body.Email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name and email are required", nil)
		}
		u, err := e.CreateUser(ctx, input.Body.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerSweeps(api huma.API, e engine.Engine) {
	parseRef := func(raw string, now time.Time) (time.Time, error) {
		if raw == "" {
			return now, nil
		}
		if ref, err := time.Parse("2006-01-02", raw); err == nil {
			return ref, nil
		}
		return time.Parse(time.RFC3339, raw)
	}

	huma.Register(api, huma.Operation{
		OperationID: "run-due-date-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps/due-date-approaching",
		Summary:     "Run the approaching-due-date sweep",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date" doc:"Reference date (YYYY-MM-DD); defaults to today"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		ref, err := parseRef(input.Date, e.Now())
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid date", map[string]any{"date": input.Date})
		}
		summary, err := e.RunApproachingDueDateSweep(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{
			Status:  "ok",
			Message: fmt.Sprintf("processed %d card(s)", summary.ProcessedCount),
			Count:   summary.ProcessedCount,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-owner-digest-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps/owner-digest",
		Summary:     "Run the accountant digest sweep",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date" doc:"Reference date (YYYY-MM-DD); defaults to today"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		ref, err := parseRef(input.Date, e.Now())
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid date", map[string]any{"date": input.Date})
		}
		summary, err := e.RunOwnerDigestSweep(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{
			Status:  "ok",
			Message: fmt.Sprintf("notified %d accountant(s) about %d card(s)", summary.AccountantGroupCount, summary.NotifiedCardCount),
			Count:   summary.NotifiedCardCount,
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AfterID int64  `query:"after_id"`
		BoardID string `query:"board_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.EventsAfter(ctx, limit, input.AfterID, input.BoardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
