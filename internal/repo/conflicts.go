package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"teamboard/internal/domain"
)

type resolutionRow struct {
	ConflictID  string `db:"conflict_id"`
	TaskID      string `db:"task_id"`
	Resolution  string `db:"resolution"`
	FinalStatus string `db:"final_status"`
	ResolvedBy  string `db:"resolved_by"`
	ResolvedAt  string `db:"resolved_at"`
}

// UpsertConflictResolution records a resolution; retries of the same conflict overwrite it.
func (r Repo) UpsertConflictResolution(ctx context.Context, tx *sqlx.Tx, teamID string, res domain.ConflictResolution) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO conflict_resolutions(conflict_id,team_id,task_id,resolution,final_status,resolved_by,resolved_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(conflict_id) DO UPDATE SET resolution=excluded.resolution, final_status=excluded.final_status, resolved_by=excluded.resolved_by, resolved_at=excluded.resolved_at`),
		res.ConflictID, teamID, res.TaskID, string(res.Resolution), string(res.FinalStatus), res.ResolvedBy, FormatTime(res.ResolvedAt))
	return err
}

func (r Repo) ListConflictResolutions(ctx context.Context, teamID, taskID string, limit int) ([]domain.ConflictResolution, error) {
	query := `SELECT conflict_id,task_id,resolution,final_status,resolved_by,resolved_at FROM conflict_resolutions WHERE team_id=?`
	args := []any{teamID}
	if taskID != "" {
		query += ` AND task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY resolved_at DESC, conflict_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []resolutionRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]domain.ConflictResolution, 0, len(rows))
	for _, row := range rows {
		at, err := time.Parse(time.RFC3339Nano, row.ResolvedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ConflictResolution{
			ConflictID:  row.ConflictID,
			TaskID:      row.TaskID,
			Resolution:  domain.Resolution(row.Resolution),
			FinalStatus: domain.Status(row.FinalStatus),
			ResolvedBy:  row.ResolvedBy,
			ResolvedAt:  at,
		})
	}
	return out, nil
}
