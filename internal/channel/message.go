// Package channel carries presence, task movements and conflict resolutions between
// the clients of one team.
//
// Delivery is at-most-once with no ordering across senders. Messages from a single
// sender arrive in send order. A client never sees its own task_movement messages.
package channel

import (
	"time"

	"teamboard/internal/domain"
)

type Kind string

const (
	KindPresence   Kind = "presence_update"
	KindMovement   Kind = "task_movement"
	KindResolution Kind = "conflict_resolution"
	KindJoin       Kind = "join_team"
	KindLeave      Kind = "leave_team"
)

// Message is the envelope published on a team topic. Exactly one payload field is
// set, matching Kind; join and leave carry none.
type Message struct {
	Kind       Kind        `json:"kind"`
	SenderID   string      `json:"sender_id"`
	TeamID     string      `json:"team_id"`
	ActorID    string      `json:"actor_id"`
	ActorName  string      `json:"actor_name"`
	Timestamp  time.Time   `json:"timestamp"`
	Presence   *Presence   `json:"presence,omitempty"`
	Movement   *Movement   `json:"movement,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

type Presence struct {
	TaskID string               `json:"task_id,omitempty"`
	Status domain.PresenceState `json:"status"`
}

type Movement struct {
	TaskID     string        `json:"task_id"`
	Task       domain.Task   `json:"task"`
	FromStatus domain.Status `json:"from_status"`
	ToStatus   domain.Status `json:"to_status"`
}

type Resolution struct {
	ConflictID     string            `json:"conflict_id"`
	TaskID         string            `json:"task_id"`
	Resolution     domain.Resolution `json:"resolution"`
	SelectedStatus domain.Status     `json:"selected_status,omitempty"`
	FinalStatus    domain.Status     `json:"final_status"`
}

// MovementEvent is a movement received from another client.
type MovementEvent struct {
	Movement
	SenderID  string
	ActorID   string
	ActorName string
	Timestamp time.Time
}

// Pending converts the event into the detector's representation, keeping the
// sender's timestamp.
func (e MovementEvent) Pending() domain.PendingMovement {
	return domain.PendingMovement{
		TaskID:     e.TaskID,
		ActorID:    e.ActorID,
		ActorName:  e.ActorName,
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		Timestamp:  e.Timestamp,
	}
}

type ResolutionEvent struct {
	Resolution
	SenderID  string
	ActorID   string
	ActorName string
	Timestamp time.Time
}

func (m Message) presenceRecord() domain.PresenceRecord {
	rec := domain.PresenceRecord{
		ActorID:   m.ActorID,
		ActorName: m.ActorName,
		Timestamp: m.Timestamp,
		Status:    domain.PresenceActive,
	}
	switch m.Kind {
	case KindLeave:
		rec.Status = domain.PresenceOffline
	case KindPresence:
		if m.Presence != nil {
			rec.TaskID = m.Presence.TaskID
			if m.Presence.Status != "" {
				rec.Status = m.Presence.Status
			}
		}
	}
	return rec
}
