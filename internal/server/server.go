package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"teamboard/internal/conflict"
	"teamboard/internal/domain"
	"teamboard/internal/engine"
	"teamboard/internal/repo"
	"teamboard/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rule_violation"`
	Message string         `json:"message" example:"a comment is required to move a task to Cancelled"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"guard\":\"comment\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server is the HTTP API. Close leaves every team channel it joined.
type Server struct {
	http.Handler
	engine   engine.Engine
	sessions *sessionPool
	logger   zerolog.Logger
	attempts int
	interval time.Duration
}

// New returns the Teamboard API.
func New(cfg Config) (*Server, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	s := &Server{
		engine:   cfg.Engine,
		sessions: newSessionPool(cfg.Engine),
		logger:   cfg.Logger,
		attempts: 3,
		interval: 100 * time.Millisecond,
	}
	if c := cfg.Engine.Config; c != nil {
		s.attempts = c.RetryAttempts()
		s.interval = c.RetryInterval()
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Logger))
	hcfg := huma.DefaultConfig("Teamboard API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMe(group)
	registerTasks(group, s)
	registerMoves(group, s)
	registerBoard(group, s)
	registerConflicts(group, s)
	registerPresence(group, s)
	registerEvents(group, s)
	registerStream(group, s)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	s.Handler = router
	return s, nil
}

// Close leaves the team channels opened on behalf of callers.
func (s *Server) Close(ctx context.Context) error {
	return s.sessions.closeAll(ctx)
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
	var rv *engine.RuleViolationError
	if errors.As(err, &rv) {
		return newAPIError(http.StatusUnprocessableEntity, "rule_violation", rv.Decision.Reason, map[string]any{"guard": rv.Decision.Guard})
	}
	switch {
	case errors.Is(err, conflict.ErrConflictNotFound):
		return newAPIError(http.StatusNotFound, "conflict_not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, conflict.ErrSelectedStatusRequired),
		errors.Is(err, conflict.ErrInvalidSelectedStatus),
		errors.Is(err, conflict.ErrInvalidResolution):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrTransport):
		return newAPIError(http.StatusServiceUnavailable, "transport_failure", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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
	case http.StatusUnauthorized:
		return "unauthorized"
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

// retry runs op with exponential backoff until it succeeds, returns a permanent
// error, or the configured attempts are spent.
func (s *Server) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.interval
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.attempts-1)), ctx))
}

func (s *Server) session(ctx context.Context, teamID string) (*engine.Session, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return nil, authErr
	}
	return s.sessions.get(ctx, teamID, p)
}

// teamTask loads a task and hides tasks that belong to another team.
func (s *Server) teamTask(ctx context.Context, teamID, taskID string) (domain.Task, error) {
	t, err := s.engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.TeamID != teamID {
		return domain.Task{}, newAPIError(http.StatusNotFound, "not_found", "task not found in team", nil)
	}
	return t, nil
}

func parseStatus(field, value string) (domain.Status, error) {
	st, ok := workflow.ParseStatus(value)
	if !ok {
		return "", newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q", value), map[string]any{"field": field})
	}
	return st, nil
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
	errSchema := &huma.Schema{Ref: "#/components/schemas/ApiError"}
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
						Schema: errSchema,
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := p.Name
		if name == "" {
			name = p.ActorID
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, ActorName: name, Role: p.Role, Source: p.Source}}, nil
	})
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Name, input.Body.Role, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerTasks(api huma.API, s *Server) {
	e := s.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/tasks",
		Summary:       "Create task",
		Description:   "New tasks and cross-team requests both start awaiting approval.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TeamID string            `path:"team_id"`
		Body   CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := engine.TaskCreateOptions{
			TeamID:    input.TeamID,
			Title:     input.Body.Title,
			DueDate:   input.Body.DueDate,
			IsRequest: input.Body.IsRequest,
			ActorID:   p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.AssigneeID != nil {
			opts.AssigneeID = *input.Body.AssigneeID
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TeamID       string `path:"team_id"`
		Status       string `query:"status"`
		AssigneeID   string `query:"assignee_id"`
		RequestsOnly bool   `query:"requests_only"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			TeamID:          input.TeamID,
			Status:          input.Status,
			AssigneeID:      input.AssigneeID,
			RequestsOnly:    input.RequestsOnly,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			last := tasks[limit-1]
			resp.NextCursor = composeCursor(repo.FormatTime(last.CreatedAt), last.ID)
			tasks = tasks[:limit]
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := s.teamTask(ctx, input.TeamID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-score",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tasks/{id}/score",
		Summary:     "Priority score for one task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body ScoreResponse `json:"body"`
	}, error) {
		if _, err := s.teamTask(ctx, input.TeamID, input.ID); err != nil {
			return nil, handleError(err)
		}
		t, res, err := e.Score(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScoreResponse `json:"body"`
		}{Body: ScoreResponse{Task: taskResponse(t), Priority: res}}, nil
	})
}

func registerMoves(api huma.API, s *Server) {
	e := s.engine
	huma.Register(api, huma.Operation{
		OperationID: "task-transitions",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tasks/{id}/transitions",
		Summary:     "Available transitions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		ID     string `path:"id"`
		Limit  int    `query:"limit" doc:"Cap on the options returned; 0 returns all"`
	}) (*struct {
		Body TransitionsResponse `json:"body"`
	}, error) {
		if _, err := s.teamTask(ctx, input.TeamID, input.ID); err != nil {
			return nil, handleError(err)
		}
		t, opts, err := e.Transitions(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionsResponse `json:"body"`
		}{Body: TransitionsResponse{TaskID: t.ID, Status: string(t.Status), Transitions: nonNilSlice(opts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-transition",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{id}/transitions/validate",
		Summary:     "Check a move against the team policy without applying it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string              `path:"team_id"`
		ID     string              `path:"id"`
		Body   ValidateMoveRequest `json:"body"`
	}) (*struct {
		Body workflow.Decision `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.teamTask(ctx, input.TeamID, input.ID); err != nil {
			return nil, handleError(err)
		}
		to := domain.Status(input.Body.To)
		role := p.Role
		if role == "" {
			if m, err := e.Repo.GetMember(ctx, input.TeamID, p.ActorID); err == nil {
				role = m.Role
			}
		}
		d, err := e.ValidateMove(ctx, input.ID, to, role, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.Decision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{id}/move",
		Summary:     "Move a task",
		Description: "Validates, broadcasts and registers the movement. A conflicting movement is reported with applied=false and is not persisted.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string          `path:"team_id"`
		ID     string          `path:"id"`
		Body   MoveTaskRequest `json:"body"`
	}) (*struct {
		Body MoveTaskResponse `json:"body"`
	}, error) {
		to, err := parseStatus("to", input.Body.To)
		if err != nil {
			return nil, err
		}
		var from domain.Status
		if input.Body.From != "" {
			if from, err = parseStatus("from", input.Body.From); err != nil {
				return nil, err
			}
		}
		sess, err := s.session(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		var res engine.MoveResult
		err = s.retry(ctx, func() error {
			var moveErr error
			res, moveErr = sess.MoveTask(ctx, engine.MoveRequest{TaskID: input.ID, From: from, To: to, Comment: input.Body.Comment})
			if moveErr != nil && !errors.Is(moveErr, engine.ErrTransport) {
				return backoff.Permanent(moveErr)
			}
			return moveErr
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MoveTaskResponse `json:"body"`
		}{Body: moveResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{id}/approve",
		Summary:     "Approve a request",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		ID     string `path:"id"`
	}) (*struct {
		Body MoveTaskResponse `json:"body"`
	}, error) {
		if _, err := s.teamTask(ctx, input.TeamID, input.ID); err != nil {
			return nil, handleError(err)
		}
		sess, err := s.session(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := sess.ApproveRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MoveTaskResponse `json:"body"`
		}{Body: moveResponse(res)}, nil
	})
}

func registerBoard(api huma.API, s *Server) {
	e := s.engine
	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/board",
		Summary:     "Tasks in priority order with scores and insights",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID       string `path:"team_id"`
		Status       string `query:"status"`
		AssigneeID   string `query:"assignee_id"`
		RequestsOnly bool   `query:"requests_only"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTeam(ctx, input.TeamID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Board(ctx, engine.BoardFilters{
			TeamID:       input.TeamID,
			Status:       input.Status,
			AssigneeID:   input.AssigneeID,
			RequestsOnly: input.RequestsOnly,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: boardResponse(input.TeamID, items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "team-stats",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/stats",
		Summary:     "Task counts by status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body engine.Stats `json:"body"`
	}, error) {
		st, err := e.Stats(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Stats `json:"body"`
		}{Body: st}, nil
	})
}

func registerConflicts(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/conflicts",
		Summary:     "Active conflicts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body ConflictsResponse `json:"body"`
	}, error) {
		sess, err := s.session(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConflictsResponse `json:"body"`
		}{Body: ConflictsResponse{Items: nonNilSlice(sess.Conflicts())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/conflicts/{id}/resolve",
		Summary:     "Resolve a conflict",
		Description: "accept keeps the latest movement, reject restores the pre-conflict status, merge applies selected_status.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string                 `path:"team_id"`
		ID     string                 `path:"id"`
		Body   ResolveConflictRequest `json:"body"`
	}) (*struct {
		Body conflict.Outcome `json:"body"`
	}, error) {
		resolution := domain.Resolution(input.Body.Resolution)
		if !resolution.Valid() {
			return nil, handleError(conflict.ErrInvalidResolution)
		}
		var selected domain.Status
		if input.Body.SelectedStatus != "" {
			var err error
			if selected, err = parseStatus("selected_status", input.Body.SelectedStatus); err != nil {
				return nil, err
			}
		}
		sess, err := s.session(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		var out conflict.Outcome
		err = s.retry(ctx, func() error {
			var resErr error
			out, resErr = sess.Resolve(ctx, input.ID, resolution, selected)
			switch {
			case resErr == nil:
				return nil
			case errors.Is(resErr, conflict.ErrConflictNotFound),
				errors.Is(resErr, conflict.ErrSelectedStatusRequired),
				errors.Is(resErr, conflict.ErrInvalidSelectedStatus),
				errors.Is(resErr, conflict.ErrInvalidResolution):
				return backoff.Permanent(resErr)
			}
			s.logger.Warn().Err(resErr).Str("conflict_id", input.ID).Msg("resolving conflict failed; retrying")
			return resErr
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body conflict.Outcome `json:"body"`
		}{Body: out}, nil
	})
}

func registerPresence(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "get-presence",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/presence",
		Summary:     "Who is on the board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		sess, err := s.session(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: RosterResponse{Items: nonNilSlice(sess.Roster())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-presence",
		Method:      http.MethodPut,
		Path:        "/teams/{team_id}/presence",
		Summary:     "Update own presence",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		TeamID string          `path:"team_id"`
		Body   PresenceRequest `json:"body"`
	}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		sess, err := s.session(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Status == string(domain.PresenceIdle) {
			err = sess.MarkIdle(ctx)
		} else {
			err = sess.UpdatePresence(ctx, input.Body.TaskID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: RosterResponse{Items: nonNilSlice(sess.Roster())}}, nil
	})
}

func registerEvents(api huma.API, s *Server) {
	e := s.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TeamID     string `path:"team_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"team,task,conflict,member"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			TeamID:     input.TeamID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerStream(api huma.API, s *Server) {
	sse.Register(api, huma.Operation{
		OperationID: "team-stream",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/stream",
		Summary:     "Presence, movements and conflicts as server-sent events",
	}, map[string]any{
		"presence": presenceEvent{},
		"movement": movementEvent{},
		"conflict": conflictEvent{},
		"resolved": resolvedEvent{},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}, send sse.Sender) {
		sess, err := s.session(ctx, input.TeamID)
		if err != nil {
			s.logger.Warn().Err(err).Str("team_id", input.TeamID).Msg("stream: open session failed")
			return
		}
		queue := make(chan any, 64)
		stop := sess.Subscribe(func(ev engine.Event) {
			msg := streamMessage(ev)
			if msg == nil {
				return
			}
			select {
			case queue <- msg:
			default:
				s.logger.Debug().Str("team_id", input.TeamID).Msg("stream: slow consumer, dropping event")
			}
		})
		defer stop()

		for _, rec := range sess.Roster() {
			if err := send.Data(presenceEvent{rec}); err != nil {
				return
			}
		}
		for _, rec := range sess.Conflicts() {
			if err := send.Data(conflictEvent{rec}); err != nil {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-queue:
				if err := send.Data(msg); err != nil {
					return
				}
			}
		}
	})
}

func streamMessage(ev engine.Event) any {
	switch ev.Type {
	case engine.EventPresence:
		return presenceEvent{*ev.Presence}
	case engine.EventMovement:
		m := ev.Movement
		return movementEvent{
			TaskID:     m.TaskID,
			ActorID:    m.ActorID,
			ActorName:  m.ActorName,
			FromStatus: string(m.FromStatus),
			ToStatus:   string(m.ToStatus),
			Timestamp:  m.Timestamp,
		}
	case engine.EventConflict:
		return conflictEvent{*ev.Conflict}
	case engine.EventResolved:
		return resolvedEvent{*ev.Resolved}
	}
	return nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
