package server

import (
	"time"

	"teamboard/internal/conflict"
	"teamboard/internal/domain"
	"teamboard/internal/engine"
	"teamboard/internal/scoring"
	"teamboard/internal/workflow"
)

// Request payloads

type CreateTaskRequest struct {
	ID          *string    `json:"id,omitempty"`
	Title       string     `json:"title" minLength:"1"`
	Description *string    `json:"description,omitempty"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsRequest   bool       `json:"is_request,omitempty"`
}

type MoveTaskRequest struct {
	To      string `json:"to" enum:"awaiting_approval,approved,in_progress,pending_review,rework,done,blocked,on_hold,cancelled"`
	From    string `json:"from,omitempty" doc:"Status the caller's board shows; defaults to the stored status"`
	Comment string `json:"comment,omitempty"`
}

type ValidateMoveRequest struct {
	To      string `json:"to"`
	Comment string `json:"comment,omitempty"`
}

type ResolveConflictRequest struct {
	Resolution     string `json:"resolution" enum:"accept,reject,merge"`
	SelectedStatus string `json:"selected_status,omitempty"`
}

type PresenceRequest struct {
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status,omitempty" enum:"active,idle"`
}

// Responses

type TaskResponse struct {
	ID          string     `json:"id"`
	TeamID      string     `json:"team_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	StatusLabel string     `json:"status_label"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsRequest   bool       `json:"is_request"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type TransitionsResponse struct {
	TaskID      string            `json:"task_id"`
	Status      string            `json:"status"`
	Transitions []workflow.Option `json:"transitions"`
}

type MoveTaskResponse struct {
	Task         TaskResponse           `json:"task"`
	Applied      bool                   `json:"applied"`
	Conflict     *domain.ConflictRecord `json:"conflict,omitempty"`
	Notification workflow.Notification  `json:"notification"`
}

type BoardItem struct {
	Task     TaskResponse   `json:"task"`
	Priority scoring.Result `json:"priority"`
}

type BoardResponse struct {
	TeamID string      `json:"team_id"`
	Items  []BoardItem `json:"items"`
}

type ScoreResponse struct {
	Task     TaskResponse   `json:"task"`
	Priority scoring.Result `json:"priority"`
}

type ConflictsResponse struct {
	Items []domain.ConflictRecord `json:"items"`
}

type RosterResponse struct {
	Items []domain.PresenceRecord `json:"items"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TeamID     string `json:"team_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Role      string `json:"role,omitempty"`
	Source    string `json:"source"`
}

// Stream payloads, one per SSE event type.

type presenceEvent struct {
	domain.PresenceRecord
}

type movementEvent struct {
	TaskID     string    `json:"task_id"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Timestamp  time.Time `json:"timestamp"`
}

type conflictEvent struct {
	domain.ConflictRecord
}

type resolvedEvent struct {
	conflict.Outcome
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		TeamID:      t.TeamID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		StatusLabel: workflow.Label(t.Status),
		AssigneeID:  t.AssigneeID,
		DueDate:     t.DueDate,
		IsRequest:   t.IsRequest,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func moveResponse(res engine.MoveResult) MoveTaskResponse {
	return MoveTaskResponse{
		Task:         taskResponse(res.Task),
		Applied:      res.Applied,
		Conflict:     res.Conflict,
		Notification: res.Notification,
	}
}

func boardResponse(teamID string, items []scoring.Scored) BoardResponse {
	out := BoardResponse{TeamID: teamID, Items: make([]BoardItem, 0, len(items))}
	for _, it := range items {
		out.Items = append(out.Items, BoardItem{Task: taskResponse(it.Task), Priority: it.Result})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TeamID:     e.TeamID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
