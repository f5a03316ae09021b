package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"teamboard/internal/domain"
)

// UpsertMember adds an actor to a team or changes their role.
func (r Repo) UpsertMember(ctx context.Context, tx *sqlx.Tx, m domain.Member) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO team_members(team_id,actor_id,name,role,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(team_id,actor_id) DO UPDATE SET name=excluded.name, role=excluded.role`), m.TeamID, m.ActorID, m.Name, m.Role, m.CreatedAt)
	return err
}

// EnsureMember adds an actor without touching an existing membership.
func (r Repo) EnsureMember(ctx context.Context, tx *sqlx.Tx, m domain.Member) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO team_members(team_id,actor_id,name,role,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(team_id,actor_id) DO NOTHING`), m.TeamID, m.ActorID, m.Name, m.Role, m.CreatedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, teamID, actorID string) (domain.Member, error) {
	var m domain.Member
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(`SELECT team_id,actor_id,name,role,created_at FROM team_members WHERE team_id=? AND actor_id=?`), teamID, actorID).
		Scan(&m.TeamID, &m.ActorID, &m.Name, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMembers(ctx context.Context, teamID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryxContext(ctx, r.DB.Rebind(`SELECT team_id,actor_id,name,role,created_at FROM team_members WHERE team_id=? ORDER BY name, actor_id`), teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.TeamID, &m.ActorID, &m.Name, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) RemoveMember(ctx context.Context, tx *sqlx.Tx, teamID, actorID string) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM team_members WHERE team_id=? AND actor_id=?`), teamID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
