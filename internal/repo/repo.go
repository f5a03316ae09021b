package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"teamboard/internal/config"
	"teamboard/internal/domain"
)

// Repo is the data access layer shared by the sqlite and postgres stores. Queries
// are written with ? placeholders and rebound for the connection's driver.
type Repo struct {
	DB *sqlx.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,team_id,title,description,status,assignee_id,due_date,is_request,created_by,created_at,updated_at`

type taskRow struct {
	ID          string         `db:"id"`
	TeamID      string         `db:"team_id"`
	Title       string         `db:"title"`
	Description sql.NullString `db:"description"`
	Status      string         `db:"status"`
	AssigneeID  sql.NullString `db:"assignee_id"`
	DueDate     sql.NullString `db:"due_date"`
	IsRequest   bool           `db:"is_request"`
	CreatedBy   sql.NullString `db:"created_by"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
}

func (r taskRow) task() (domain.Task, error) {
	t := domain.Task{
		ID:          r.ID,
		TeamID:      r.TeamID,
		Title:       r.Title,
		Description: r.Description.String,
		Status:      domain.Status(r.Status),
		IsRequest:   r.IsRequest,
		CreatedBy:   r.CreatedBy.String,
	}
	if r.AssigneeID.Valid && r.AssigneeID.String != "" {
		a := r.AssigneeID.String
		t.AssigneeID = &a
	}
	var err error
	if r.DueDate.Valid && r.DueDate.String != "" {
		due, err := time.Parse(time.RFC3339Nano, r.DueDate.String)
		if err != nil {
			return t, fmt.Errorf("task %s due_date: %w", r.ID, err)
		}
		t.DueDate = &due
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, r.CreatedAt); err != nil {
		return t, fmt.Errorf("task %s created_at: %w", r.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, r.UpdatedAt); err != nil {
		return t, fmt.Errorf("task %s updated_at: %w", r.ID, err)
	}
	return t, nil
}

// timeLayout is RFC 3339 with fixed-width nanoseconds so stored values sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime is the storage representation of every timestamp column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (r Repo) InsertTeam(ctx context.Context, tx *sqlx.Tx, t domain.Team) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO teams(id,name,created_at) VALUES (?,?,?)`), t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(`SELECT id,name,created_at FROM teams WHERE id=?`), id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := r.DB.QueryxContext(ctx, `SELECT id,name,created_at FROM teams ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SingleTeam(ctx context.Context) (domain.Team, error) {
	teams, err := r.ListTeams(ctx)
	if err != nil {
		return domain.Team{}, err
	}
	if len(teams) == 0 {
		return domain.Team{}, ErrNotFound
	}
	if len(teams) > 1 {
		return domain.Team{}, fmt.Errorf("multiple teams exist; specify --team")
	}
	return teams[0], nil
}

func (r Repo) UpsertTeamConfig(ctx context.Context, teamID string, cfg *config.Config) error {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertTeamConfigTx(ctx, tx, teamID, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertTeamConfigTx(ctx context.Context, tx *sqlx.Tx, teamID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Team.ID = teamID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := FormatTime(time.Now())
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO team_configs(team_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(team_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`), teamID, string(payload), now, now)
	return err
}

func (r Repo) GetTeamConfig(ctx context.Context, teamID string) (*config.Config, error) {
	var payload string
	err := r.DB.GetContext(ctx, &payload, r.DB.Rebind(`SELECT config_json FROM team_configs WHERE team_id=?`), teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Team.ID == "" {
		cfg.Team.ID = teamID
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return FormatTime(*v)
}

func (r Repo) InsertTask(ctx context.Context, tx *sqlx.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.TeamID, t.Title, nullable(t.Description), string(t.Status), nullableStringPtr(t.AssigneeID), nullableTime(t.DueDate),
		t.IsRequest, nullable(t.CreatedBy), FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
	return err
}

// UpdateTaskStatus writes the status last-write-wins.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sqlx.Tx, id string, status domain.Status, updatedAt time.Time) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET status=?, updated_at=? WHERE id=?`), string(status), FormatTime(updatedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskAssignee(ctx context.Context, tx *sqlx.Tx, id string, assigneeID *string, updatedAt time.Time) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET assignee_id=?, updated_at=? WHERE id=?`), nullableStringPtr(assigneeID), FormatTime(updatedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var row taskRow
	err := r.DB.GetContext(ctx, &row, r.DB.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	return row.task()
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Task, error) {
	var row taskRow
	err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	return row.task()
}

type TaskFilters struct {
	TeamID          string
	Status          string
	AssigneeID      string
	RequestsOnly    bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.RequestsOnly {
		clauses = append(clauses, "is_request=?")
		args = append(args, true)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []taskRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	res := make([]domain.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.task()
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, teamID string) (map[string]int, error) {
	rows, err := r.DB.QueryxContext(ctx, r.DB.Rebind(`SELECT status, count(*) FROM tasks WHERE team_id=? GROUP BY status`), teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
