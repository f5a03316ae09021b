package repo_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamboard/internal/config"
	"teamboard/internal/db"
	"teamboard/internal/domain"
	"teamboard/internal/migrate"
	"teamboard/internal/repo"
)

var created = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func newSQLiteRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}

	tx, err := conn.Beginx()
	require.NoError(t, err)
	require.NoError(t, r.InsertTeam(context.Background(), tx, domain.Team{ID: "team-1", Name: "Core", CreatedAt: repo.FormatTime(created)}))
	require.NoError(t, tx.Commit())
	return r
}

func insertTask(t *testing.T, r repo.Repo, task domain.Task) {
	t.Helper()
	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	require.NoError(t, r.InsertTask(context.Background(), tx, task))
	require.NoError(t, tx.Commit())
}

func TestTaskRoundTripSQLite(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	due := created.Add(48 * time.Hour)
	assignee := "alice"
	insertTask(t, r, domain.Task{
		ID: "t1", TeamID: "team-1", Title: "Fix login", Description: "crash on submit",
		Status: domain.StatusAwaitingApproval, AssigneeID: &assignee, DueDate: &due, IsRequest: true,
		CreatedBy: "bob", CreatedAt: created, UpdatedAt: created,
	})
	insertTask(t, r, domain.Task{ID: "t2", TeamID: "team-1", Title: "Docs", Status: domain.StatusInProgress, CreatedAt: created.Add(time.Minute), UpdatedAt: created})

	got, err := r.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Fix login", got.Title)
	assert.True(t, got.IsRequest)
	require.NotNil(t, got.AssigneeID)
	assert.Equal(t, "alice", *got.AssigneeID)
	require.NotNil(t, got.DueDate)
	assert.True(t, due.Equal(*got.DueDate))
	assert.True(t, created.Equal(got.CreatedAt))

	_, err = r.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	all, err := r.ListTasks(ctx, repo.TaskFilters{TeamID: "team-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t2", all[0].ID, "newest first")

	requests, err := r.ListTasks(ctx, repo.TaskFilters{TeamID: "team-1", RequestsOnly: true})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "t1", requests[0].ID)

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	require.NoError(t, r.UpdateTaskStatus(ctx, tx, "t1", domain.StatusInProgress, created.Add(time.Hour)))
	assert.ErrorIs(t, r.UpdateTaskStatus(ctx, tx, "missing", domain.StatusDone, created), repo.ErrNotFound)
	require.NoError(t, tx.Commit())

	counts, err := r.CountTasksByStatus(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"in_progress": 2}, counts)
}

func TestTeamConfigAndMembers(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()

	_, err := r.GetTeamConfig(ctx, "team-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	cfg := config.Default("team-1")
	cfg.Conflicts.WindowMS = 1500
	require.NoError(t, r.UpsertTeamConfig(ctx, "team-1", cfg))
	loaded, err := r.GetTeamConfig(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, 1500, loaded.Conflicts.WindowMS)
	assert.Len(t, loaded.Workflow.Rules, 3)

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	now := repo.FormatTime(created)
	require.NoError(t, r.EnsureMember(ctx, tx, domain.Member{TeamID: "team-1", ActorID: "alice", Name: "Alice", Role: "member", CreatedAt: now}))
	require.NoError(t, r.EnsureMember(ctx, tx, domain.Member{TeamID: "team-1", ActorID: "alice", Name: "Alice", Role: "owner", CreatedAt: now}))
	require.NoError(t, tx.Commit())
	m, err := r.GetMember(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "member", m.Role, "ensure keeps the existing role")

	tx, err = r.DB.Beginx()
	require.NoError(t, err)
	require.NoError(t, r.UpsertMember(ctx, tx, domain.Member{TeamID: "team-1", ActorID: "alice", Name: "Alice", Role: "lead", CreatedAt: now}))
	require.NoError(t, tx.Commit())
	members, err := r.ListMembers(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "lead", members[0].Role)
}

func TestConflictResolutionUpsert(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	insertTask(t, r, domain.Task{ID: "t1", TeamID: "team-1", Title: "x", Status: domain.StatusAwaitingApproval, CreatedAt: created, UpdatedAt: created})

	res := domain.ConflictResolution{ConflictID: "c1", TaskID: "t1", Resolution: domain.ResolutionAccept, FinalStatus: domain.StatusInProgress, ResolvedBy: "op", ResolvedAt: created}
	for i := 0; i < 2; i++ {
		tx, err := r.DB.Beginx()
		require.NoError(t, err)
		require.NoError(t, r.UpsertConflictResolution(ctx, tx, "team-1", res))
		require.NoError(t, tx.Commit())
		res.Resolution = domain.ResolutionReject
		res.FinalStatus = domain.StatusAwaitingApproval
	}
	list, err := r.ListConflictResolutions(ctx, "team-1", "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.ResolutionReject, list[0].Resolution)
}

func TestAPIKeys(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	hash := repo.HashAPIKey(" secret ")
	assert.Equal(t, repo.HashAPIKey("secret"), hash)
	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "alice", KeyHash: hash}))
	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "alice", key.ActorID)
	keys, err := r.ListAPIKeys(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), repo.ErrNotFound)
}

func newMockRepo(t *testing.T) (repo.Repo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return repo.Repo{DB: sqlx.NewDb(conn, "postgres")}, mock
}

func TestPostgresGetTaskUsesDollarPlaceholders(t *testing.T) {
	r, mock := newMockRepo(t)
	cols := []string{"id", "team_id", "title", "description", "status", "assignee_id", "due_date", "is_request", "created_by", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM tasks WHERE id=$1`)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("t1", "team-1", "Ship it", nil, "in_progress", nil, nil, false, "bob", repo.FormatTime(created), repo.FormatTime(created)))

	task, err := r.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, task.Status)
	assert.Nil(t, task.AssigneeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateStatus(t *testing.T) {
	r, mock := newMockRepo(t)
	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET status=$1, updated_at=$2 WHERE id=$3`)).
		WithArgs("done", repo.FormatTime(created), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET status=$1, updated_at=$2 WHERE id=$3`)).
		WithArgs("done", repo.FormatTime(created), "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	require.NoError(t, r.UpdateTaskStatus(ctx, tx, "t1", domain.StatusDone, created))
	assert.ErrorIs(t, r.UpdateTaskStatus(ctx, tx, "gone", domain.StatusDone, created), repo.ErrNotFound)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestEventID(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(id),0) FROM events WHERE team_id=$1`)).
		WithArgs("team-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(42))
	id, err := r.LatestEventID(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
