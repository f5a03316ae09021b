package teamboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Teamboard HTTP API client.
type Client struct {
	BaseURL     string
	TeamID      string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers only
	// honour it with legacy headers enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, teamID string) *Client {
	return &Client{
		BaseURL: baseURL,
		TeamID:  teamID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          string     `json:"id"`
	TeamID      string     `json:"team_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	StatusLabel string     `json:"status_label"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsRequest   bool       `json:"is_request"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type CreateTaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsRequest   bool       `json:"is_request,omitempty"`
}

type Transition struct {
	Status   string   `json:"status"`
	Label    string   `json:"label"`
	Requires []string `json:"requires,omitempty"`
}

type Notification struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type Movement struct {
	TaskID     string    `json:"task_id"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Timestamp  time.Time `json:"timestamp"`
}

type Conflict struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Conflicts []Movement `json:"conflicts"`
	Timestamp time.Time  `json:"timestamp"`
}

type MoveResult struct {
	Task         Task         `json:"task"`
	Applied      bool         `json:"applied"`
	Conflict     *Conflict    `json:"conflict,omitempty"`
	Notification Notification `json:"notification"`
}

type Resolution struct {
	ConflictID  string `json:"conflict_id"`
	TaskID      string `json:"task_id"`
	Resolution  string `json:"resolution"`
	FinalStatus string `json:"final_status"`
	ResolvedBy  string `json:"resolved_by,omitempty"`
	Task        *Task  `json:"task,omitempty"`
}

type Insight struct {
	Type       string  `json:"type"`
	Message    string  `json:"message"`
	Confidence float64 `json:"confidence"`
}

type Priority struct {
	Score          float64            `json:"score"`
	Factors        map[string]float64 `json:"factors"`
	Insights       []Insight          `json:"insights"`
	EstimatedHours int                `json:"estimated_hours"`
	Tags           []string           `json:"tags"`
	Fallback       bool               `json:"fallback,omitempty"`
}

type BoardItem struct {
	Task     Task     `json:"task"`
	Priority Priority `json:"priority"`
}

type Stats struct {
	TeamID   string         `json:"team_id"`
	Total    int            `json:"total"`
	Requests int            `json:"requests"`
	ByStatus map[string]int `json:"by_status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TeamID     string `json:"team_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task awaiting approval.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.teamPath("tasks"), in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.teamPath("tasks/"+url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// MoveTask requests a status change. from may be empty to use the stored status.
// A conflicting move is reported through MoveResult.Conflict, not as an error.
func (c *Client) MoveTask(ctx context.Context, taskID, from, to, comment string) (MoveResult, error) {
	body := map[string]any{"to": to}
	if from != "" {
		body["from"] = from
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp MoveResult
	err := c.do(ctx, http.MethodPost, c.teamPath("tasks/"+url.PathEscape(taskID)+"/move"), body, &resp)
	return resp, err
}

func (c *Client) ApproveRequest(ctx context.Context, taskID string) (MoveResult, error) {
	var resp MoveResult
	err := c.do(ctx, http.MethodPost, c.teamPath("tasks/"+url.PathEscape(taskID)+"/approve"), nil, &resp)
	return resp, err
}

// Transitions lists the moves available from the task's current status.
func (c *Client) Transitions(ctx context.Context, taskID string, limit int) ([]Transition, error) {
	endpoint := c.teamPath("tasks/" + url.PathEscape(taskID) + "/transitions")
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Transitions []Transition `json:"transitions"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Transitions, err
}

// ListBoard returns tasks in priority order. status may be empty.
func (c *Client) ListBoard(ctx context.Context, status string) ([]BoardItem, error) {
	endpoint := c.teamPath("board")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []BoardItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, c.teamPath("stats"), nil, &resp)
	return resp, err
}

func (c *Client) Conflicts(ctx context.Context) ([]Conflict, error) {
	var resp struct {
		Items []Conflict `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.teamPath("conflicts"), nil, &resp)
	return resp.Items, err
}

// ResolveConflict settles a conflict with accept, reject or merge. selected is
// only used by merge.
func (c *Client) ResolveConflict(ctx context.Context, conflictID, resolution, selected string) (Resolution, error) {
	body := map[string]any{"resolution": resolution}
	if selected != "" {
		body["selected_status"] = selected
	}
	var resp Resolution
	err := c.do(ctx, http.MethodPost, c.teamPath("conflicts/"+url.PathEscape(conflictID)+"/resolve"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.teamPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) teamPath(p string) string {
	team := url.PathEscape(c.TeamID)
	return fmt.Sprintf("v1/teams/%s/%s", team, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
