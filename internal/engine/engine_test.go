package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"teamboard/internal/config"
	"teamboard/internal/db"
	"teamboard/internal/domain"
	"teamboard/internal/engine"
	"teamboard/internal/events"
	"teamboard/internal/migrate"
	"teamboard/internal/repo"
	"teamboard/internal/scoring"
	"teamboard/internal/workflow"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("team-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return base }
	ctx := context.Background()
	if _, err := eng.InitTeam(ctx, "team-1", "Core", "owner", "Olive"); err != nil {
		t.Fatalf("init team: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func at(ms int) func() time.Time {
	return func() time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }
}

func (env testEnv) open(t *testing.T, now func() time.Time, actorID, name string) *engine.Session {
	t.Helper()
	e := env.Engine
	e.Now = now
	s, err := e.Open(env.Ctx, "team-1", engine.Identity{ActorID: actorID, ActorName: name})
	if err != nil {
		t.Fatalf("open session %s: %v", actorID, err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func (env testEnv) task(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: "team-1", Title: title, ActorID: "owner"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) status(t *testing.T, id string) domain.Status {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task.Status
}

func (env testEnv) eventCount(t *testing.T, typ string) int {
	t.Helper()
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{TeamID: "team-1", Type: typ})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return len(evs)
}

func TestCreateTaskStartsAwaitingApproval(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Do work")
	if task.Status != domain.StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", task.Status)
	}
	req, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: "team-1", Title: "Help with deploy", IsRequest: true, ActorID: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.StatusAwaitingApproval || !req.IsRequest {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: "team-1", Title: "  "}); err == nil {
		t.Fatalf("expected title error")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: "nope", Title: "x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected missing team, got %v", err)
	}
	if n := env.eventCount(t, events.TaskCreated); n != 2 {
		t.Fatalf("expected 2 task.created events, got %d", n)
	}
}

func TestMoveTaskRuleViolation(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Do work")
	s := env.open(t, at(0), "alice", "Alice")

	_, err := s.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusCancelled})
	var rv *engine.RuleViolationError
	if !errors.As(err, &rv) || !errors.Is(err, engine.ErrRuleViolation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if rv.Decision.Guard != workflow.GuardComment {
		t.Fatalf("expected comment guard, got %q", rv.Decision.Guard)
	}
	_, err = s.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusDone})
	if !errors.As(err, &rv) || rv.Decision.Guard != workflow.GuardTransition {
		t.Fatalf("expected transition violation, got %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusAwaitingApproval {
		t.Fatalf("status changed to %s", got)
	}
	if len(s.Conflicts()) != 0 {
		t.Fatalf("rejected moves must not register")
	}
}

func TestMoveTaskApplies(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Do work")
	s := env.open(t, at(0), "alice", "Alice")

	res, err := s.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusInProgress})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !res.Applied || res.Conflict != nil || res.Task.Status != domain.StatusInProgress {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Notification.Title != "Request approved" {
		t.Fatalf("unexpected notification %+v", res.Notification)
	}
	if got := env.status(t, task.ID); got != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", got)
	}
	if n := env.eventCount(t, events.TaskMoved); n != 1 {
		t.Fatalf("expected 1 task.moved event, got %d", n)
	}
}

func TestConfiguredRoleGuard(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Workflow.Rules = append(env.Engine.Config.Workflow.Rules, workflow.GuardRule{
		From: string(domain.StatusAwaitingApproval), To: string(domain.StatusInProgress),
		Require: []workflow.Guard{workflow.GuardRole}, Roles: []string{"owner"},
	})
	task := env.task(t, "Do work")

	member := env.open(t, at(0), "alice", "Alice")
	_, err := member.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusInProgress})
	if !errors.Is(err, engine.ErrRuleViolation) {
		t.Fatalf("expected role violation, got %v", err)
	}
	owner := env.open(t, at(0), "owner", "Olive")
	if owner.Identity().Role != "owner" {
		t.Fatalf("role should come from membership, got %q", owner.Identity().Role)
	}
	if _, err := owner.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusInProgress}); err != nil {
		t.Fatalf("owner move: %v", err)
	}
}

func TestApproveRequest(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: "team-1", Title: "Need a hand", IsRequest: true})
	if err != nil {
		t.Fatal(err)
	}
	s := env.open(t, at(0), "alice", "Alice")
	res, err := s.ApproveRequest(env.Ctx, req.ID)
	if err != nil || res.Task.Status != domain.StatusInProgress {
		t.Fatalf("approve: %+v %v", res, err)
	}
	if n := env.eventCount(t, events.TaskApproved); n != 1 {
		t.Fatalf("expected 1 approval event, got %d", n)
	}
	if _, err := s.ApproveRequest(env.Ctx, req.ID); !errors.Is(err, engine.ErrRuleViolation) {
		t.Fatalf("second approval should be rejected, got %v", err)
	}
}

// X moves first on a clock reading 1000ms; Y, whose clock reads 800ms, moves the
// same task from its stale view. Both sessions raise the same conflict.
func TestConcurrentMovesConvergeAfterAccept(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Ship release")
	sx := env.open(t, at(1000), "x", "Xavier")
	sy := env.open(t, at(800), "y", "Yara")

	var seen []engine.Event
	stop := sx.Subscribe(func(ev engine.Event) { seen = append(seen, ev) })
	defer stop()

	rx, err := sx.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusInProgress})
	if err != nil || !rx.Applied {
		t.Fatalf("x move: %+v %v", rx, err)
	}
	ry, err := sy.MoveTask(env.Ctx, engine.MoveRequest{
		TaskID: task.ID, From: domain.StatusAwaitingApproval, To: domain.StatusCancelled, Comment: "duplicate",
	})
	if err != nil {
		t.Fatalf("y move: %v", err)
	}
	if ry.Applied || ry.Conflict == nil {
		t.Fatalf("expected a conflict, got %+v", ry)
	}
	if got := env.status(t, task.ID); got != domain.StatusInProgress {
		t.Fatalf("conflicting move must not persist, got %s", got)
	}

	cx, cy := sx.Conflicts(), sy.Conflicts()
	if len(cx) != 1 || len(cy) != 1 {
		t.Fatalf("expected one conflict per session, got %d and %d", len(cx), len(cy))
	}
	if cx[0].ID != cy[0].ID || cx[0].ID != ry.Conflict.ID {
		t.Fatalf("sessions disagree on conflict id: %s %s", cx[0].ID, cy[0].ID)
	}
	if len(cx[0].Conflicts) != 2 {
		t.Fatalf("expected two contenders, got %+v", cx[0].Conflicts)
	}

	out, err := sy.Resolve(env.Ctx, cy[0].ID, domain.ResolutionAccept, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.FinalStatus != domain.StatusInProgress {
		t.Fatalf("accept should keep the latest movement, got %s", out.FinalStatus)
	}
	if got := env.status(t, task.ID); got != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", got)
	}
	if len(sx.Conflicts()) != 0 || len(sy.Conflicts()) != 0 {
		t.Fatalf("conflict should be settled on both sessions")
	}

	var sawConflict, sawRemote bool
	for _, ev := range seen {
		switch ev.Type {
		case engine.EventConflict:
			sawConflict = true
		case engine.EventResolved:
			sawRemote = ev.Resolved.Remote && ev.Resolved.ResolvedBy == "y"
		}
	}
	if !sawConflict || !sawRemote {
		t.Fatalf("x subscriber missed events: %+v", seen)
	}
	if env.eventCount(t, events.ConflictDetected) != 1 || env.eventCount(t, events.ConflictResolved) != 1 {
		t.Fatalf("expected one detected and one resolved event")
	}
	res, err := env.Engine.Repo.ListConflictResolutions(env.Ctx, "team-1", task.ID, 0)
	if err != nil || len(res) != 1 || res[0].ResolvedBy != "y" {
		t.Fatalf("stored resolutions: %+v %v", res, err)
	}
}

func TestRejectRevertsToPreConflictStatus(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Ship release")
	sx := env.open(t, at(0), "x", "Xavier")
	sy := env.open(t, at(300), "y", "Yara")

	if _, err := sx.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusInProgress}); err != nil {
		t.Fatal(err)
	}
	ry, err := sy.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, From: domain.StatusAwaitingApproval, To: domain.StatusCancelled, Comment: "no"})
	if err != nil || ry.Conflict == nil {
		t.Fatalf("expected conflict: %+v %v", ry, err)
	}
	if _, err := sx.Resolve(env.Ctx, ry.Conflict.ID, domain.ResolutionReject, ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", got)
	}
	if _, err := sy.Resolve(env.Ctx, ry.Conflict.ID, domain.ResolutionReject, ""); err == nil {
		t.Fatalf("resolution should have reached y")
	}
}

func TestStaleFromCannotReopenTerminalTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Old request")
	if _, err := env.Engine.PersistStatus(env.Ctx, task.ID, domain.StatusCancelled, "owner"); err != nil {
		t.Fatal(err)
	}
	s := env.open(t, at(0), "x", "Xavier")

	_, err := s.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, From: domain.StatusAwaitingApproval, To: domain.StatusInProgress})
	var violation *engine.RuleViolationError
	if !errors.As(err, &violation) || violation.Decision.Guard != workflow.GuardTransition {
		t.Fatalf("expected transition violation, got %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusCancelled {
		t.Fatalf("cancelled task was reopened to %s", got)
	}
	if _, err := s.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, From: domain.StatusCancelled, To: domain.StatusInProgress}); !errors.Is(err, engine.ErrRuleViolation) {
		t.Fatalf("terminal status must stay terminal, got %v", err)
	}
}

func TestOverlappingWindowsReportTheirOwnConflict(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Ship release")
	now := base
	clock := func() time.Time { return now }
	sx := env.open(t, clock, "x", "Xavier")
	sy := env.open(t, clock, "y", "Yara")
	sz := env.open(t, clock, "z", "Zed")

	if res, err := sx.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusInProgress}); err != nil || !res.Applied {
		t.Fatalf("x move: %+v %v", res, err)
	}
	now = base.Add(500 * time.Millisecond)
	ry, err := sy.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, From: domain.StatusAwaitingApproval, To: domain.StatusCancelled, Comment: "duplicate"})
	if err != nil || ry.Conflict == nil {
		t.Fatalf("y move: %+v %v", ry, err)
	}
	now = base.Add(2100 * time.Millisecond)
	rz, err := sz.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusOnHold})
	if err != nil || rz.Conflict == nil {
		t.Fatalf("z move: %+v %v", rz, err)
	}

	if rz.Conflict.ID == ry.Conflict.ID {
		t.Fatalf("z reported the earlier conflict %s", ry.Conflict.ID)
	}
	var actors []string
	for _, m := range rz.Conflict.Conflicts {
		actors = append(actors, m.ActorID)
	}
	if len(actors) != 2 || actors[0] != "y" || actors[1] != "z" {
		t.Fatalf("unexpected contenders %v", actors)
	}

	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{TeamID: "team-1", Type: events.ConflictDetected})
	if err != nil {
		t.Fatal(err)
	}
	logged := map[string]int{}
	for _, ev := range evs {
		logged[ev.EntityID]++
	}
	if len(evs) != 2 || logged[ry.Conflict.ID] != 1 || logged[rz.Conflict.ID] != 1 {
		t.Fatalf("unexpected conflict.detected events %+v", evs)
	}
}

func TestNewScoresWithConfiguredProviderAndEngineClock(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("team-1")
	cfg.Scoring.Provider.Kind = config.ProviderStatic
	cfg.Scoring.Provider.Dependencies = 1
	cfg.Scoring.Provider.TeamWorkload = 1
	eng := engine.New(env.Engine.DB, cfg)
	eng.Now = at(90_000)

	task := env.task(t, "Write docs")
	_, res, err := eng.Score(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Fallback || res.Factors.Dependencies != 1 || res.Factors.TeamWorkload != 1 {
		t.Fatalf("static provider ignored: %+v", res)
	}
	if !res.ComputedAt.Equal(at(90_000)()) {
		t.Fatalf("expected the engine clock, got %s", res.ComputedAt)
	}
}

func TestBoardOrdersByPriority(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Scorer = scoring.New(scoring.StaticProvider{Values: scoring.Estimates{Dependencies: 0.5, TeamWorkload: 0.5}}, scoring.Options{Now: func() time.Time { return base }})
	due := base.Add(6 * time.Hour)
	docs := env.task(t, "Update docs")
	bug, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: "team-1", Title: "Critical security bug in production", DueDate: &due, ActorID: "owner",
	})
	if err != nil {
		t.Fatal(err)
	}
	board, err := env.Engine.Board(env.Ctx, engine.BoardFilters{TeamID: "team-1"})
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(board) != 2 || board[0].Task.ID != bug.ID || board[1].Task.ID != docs.ID {
		t.Fatalf("unexpected order: %+v", board)
	}
	if board[0].Result.Score <= board[1].Result.Score {
		t.Fatalf("scores not descending")
	}
}

func TestStatsAndTransitions(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "a")
	env.task(t, "b")
	if _, err := env.Engine.PersistStatus(env.Ctx, a.ID, domain.StatusInProgress, "owner"); err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.Stats(env.Ctx, "team-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus["in_progress"] != 1 || stats.ByStatus["awaiting_approval"] != 1 || stats.ByStatus["done"] != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	_, opts, err := env.Engine.Transitions(env.Ctx, a.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 2 || opts[0].Status != domain.StatusPendingReview {
		t.Fatalf("unexpected transitions %+v", opts)
	}
	if len(opts[0].Requires) != 0 || len(opts[1].Requires) != 1 || opts[1].Requires[0] != workflow.GuardComment {
		t.Fatalf("expected blocked to require a comment, got %+v", opts)
	}
	d, err := env.Engine.ValidateMove(env.Ctx, a.ID, domain.StatusBlocked, "", "")
	if err != nil || d.Valid || d.Guard != workflow.GuardComment {
		t.Fatalf("expected comment guard, got %+v %v", d, err)
	}
}

func TestAssignTaskSatisfiesAssigneeGuard(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Workflow.Rules = append(env.Engine.Config.Workflow.Rules, workflow.GuardRule{
		From: workflow.AnyStatus, To: string(domain.StatusInProgress), Require: []workflow.Guard{workflow.GuardAssignee},
	})
	task := env.task(t, "Do work")
	s := env.open(t, at(0), "alice", "Alice")
	if _, err := s.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusInProgress}); !errors.Is(err, engine.ErrRuleViolation) {
		t.Fatalf("expected assignee violation, got %v", err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, "alice", "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MoveTask(env.Ctx, engine.MoveRequest{TaskID: task.ID, To: domain.StatusInProgress}); err != nil {
		t.Fatalf("move after assign: %v", err)
	}
}

func TestPresenceRoster(t *testing.T) {
	env := newTestEnv(t)
	sx := env.open(t, at(0), "x", "Xavier")
	sy := env.open(t, at(10), "y", "Yara")
	if err := sy.UpdatePresence(env.Ctx, "task-9"); err != nil {
		t.Fatal(err)
	}
	y, ok := rosterEntry(sx.Roster(), "y")
	if !ok || y.TaskID != "task-9" || y.Status != domain.PresenceActive {
		t.Fatalf("unexpected roster %+v", sx.Roster())
	}
	if err := sy.Close(env.Ctx); err != nil {
		t.Fatal(err)
	}
	y, ok = rosterEntry(sx.Roster(), "y")
	if !ok || y.Status != domain.PresenceOffline {
		t.Fatalf("expected y offline, got %+v", sx.Roster())
	}
}

func rosterEntry(roster []domain.PresenceRecord, actorID string) (domain.PresenceRecord, bool) {
	for _, r := range roster {
		if r.ActorID == actorID {
			return r, true
		}
	}
	return domain.PresenceRecord{}, false
}
