package domain

import "time"

// Status is a task workflow state.
type Status string

const (
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusInProgress       Status = "in_progress"
	StatusPendingReview    Status = "pending_review"
	StatusRework           Status = "rework"
	StatusDone             Status = "done"
	StatusBlocked          Status = "blocked"
	StatusOnHold           Status = "on_hold"
	StatusCancelled        Status = "cancelled"
)

type Team struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Task is owned by the backing store; the core only reads it and derives from it.
type Task struct {
	ID          string     `json:"id"`
	TeamID      string     `json:"team_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsRequest   bool       `json:"is_request"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasAssignee reports whether the task carries a non-empty assignee reference.
func (t Task) HasAssignee() bool {
	return t.AssigneeID != nil && *t.AssigneeID != ""
}

type PendingMovement struct {
	TaskID     string    `json:"task_id"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Timestamp  time.Time `json:"timestamp"`
}

type ConflictRecord struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Task      Task              `json:"task"`
	Conflicts []PendingMovement `json:"conflicts"`
	Timestamp time.Time         `json:"timestamp"`
}

// Resolution is the operator's choice for a conflict.
type Resolution string

const (
	ResolutionAccept Resolution = "accept"
	ResolutionReject Resolution = "reject"
	ResolutionMerge  Resolution = "merge"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionAccept, ResolutionReject, ResolutionMerge:
		return true
	}
	return false
}

// ConflictResolution is what gets persisted once a conflict is settled.
type ConflictResolution struct {
	ConflictID  string     `json:"conflict_id"`
	TaskID      string     `json:"task_id"`
	Resolution  Resolution `json:"resolution"`
	FinalStatus Status     `json:"final_status"`
	ResolvedBy  string     `json:"resolved_by"`
	ResolvedAt  time.Time  `json:"resolved_at"`
}

type PresenceState string

const (
	PresenceActive  PresenceState = "active"
	PresenceIdle    PresenceState = "idle"
	PresenceOffline PresenceState = "offline"
)

type PresenceRecord struct {
	ActorID   string        `json:"actor_id"`
	ActorName string        `json:"actor_name"`
	TaskID    string        `json:"task_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Status    PresenceState `json:"status"`
}

// Member is an actor's membership in a team; Role feeds the workflow role guard.
type Member struct {
	TeamID    string `json:"team_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TeamID     string `json:"team_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
