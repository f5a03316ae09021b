package repo

import (
	"context"
	"database/sql"
	"strings"

	"teamboard/internal/domain"
)

const eventColumns = `id,ts,type,team_id,entity_kind,entity_id,actor_id,payload_json`

type eventRow struct {
	ID         int64          `db:"id"`
	TS         string         `db:"ts"`
	Type       string         `db:"type"`
	TeamID     sql.NullString `db:"team_id"`
	EntityKind string         `db:"entity_kind"`
	EntityID   sql.NullString `db:"entity_id"`
	ActorID    string         `db:"actor_id"`
	Payload    sql.NullString `db:"payload_json"`
}

func (r eventRow) event() domain.Event {
	return domain.Event{
		ID:         r.ID,
		TS:         r.TS,
		Type:       r.Type,
		TeamID:     r.TeamID.String,
		EntityKind: r.EntityKind,
		EntityID:   r.EntityID.String,
		ActorID:    r.ActorID,
		Payload:    r.Payload.String,
	}
}

type EventFilters struct {
	TeamID     string
	Type       string
	EntityKind string
	EntityID   string
	// Before returns only events with a smaller ID; zero means from the newest.
	Before int64
	Limit  int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.selectEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, teamID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if teamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, teamID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.selectEvents(ctx, query, args...)
}

func (r Repo) selectEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	var rows []eventRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.event())
	}
	return res, nil
}

// LatestEventID returns the most recent event ID for a team.
func (r Repo) LatestEventID(ctx context.Context, teamID string) (int64, error) {
	var id int64
	if err := r.DB.GetContext(ctx, &id, r.DB.Rebind(`SELECT COALESCE(MAX(id),0) FROM events WHERE team_id=?`), teamID); err != nil {
		return 0, err
	}
	return id, nil
}
