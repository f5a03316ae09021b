package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"teamboard/internal/channel"
	"teamboard/internal/config"
	"teamboard/internal/domain"
	"teamboard/internal/events"
	"teamboard/internal/repo"
	"teamboard/internal/scoring"
	"teamboard/internal/workflow"
)

var (
	// ErrRuleViolation matches every *RuleViolationError.
	ErrRuleViolation = errors.New("rule violation")
	// ErrTransport marks a failed broadcast; the call can be retried as a whole.
	ErrTransport = errors.New("transport failure")
)

// RuleViolationError carries the rejected workflow decision.
type RuleViolationError struct {
	Decision workflow.Decision
}

func (e *RuleViolationError) Error() string {
	return e.Decision.Reason
}

func (e *RuleViolationError) Is(target error) bool {
	return target == ErrRuleViolation
}

type Engine struct {
	DB        *sqlx.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Scorer    *scoring.Engine
	Transport channel.Transport
	Logger    zerolog.Logger
	Now       func() time.Time
}

// New wires an engine over an open store. The transport defaults to an in-process
// hub; scoring follows cfg. Scores are computed against Engine.Now.
func New(db *sqlx.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Scorer:    scoring.FromConfig(cfg, nil),
		Transport: channel.NewMemoryHub(),
		Logger:    zerolog.Nop(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) policy() workflow.Policy {
	if e.Config == nil {
		return workflow.DefaultPolicy()
	}
	return e.Config.Workflow
}

// InitTeam creates a team, stores its config and makes the actor its owner.
func (e Engine) InitTeam(ctx context.Context, teamID, name, actorID, actorName string) (domain.Team, error) {
	if strings.TrimSpace(teamID) == "" {
		return domain.Team{}, errors.New("team id is required")
	}
	if name == "" {
		name = teamID
	}
	cfg := e.Config
	if cfg == nil || cfg.Team.ID != teamID {
		cfg = config.Default(teamID)
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()

	t := domain.Team{ID: teamID, Name: name, CreatedAt: repo.FormatTime(e.now())}
	if err := e.Repo.InsertTeam(ctx, tx, t); err != nil {
		return domain.Team{}, fmt.Errorf("insert team: %w", err)
	}
	if err := e.Repo.UpsertTeamConfigTx(ctx, tx, teamID, cfg); err != nil {
		return domain.Team{}, fmt.Errorf("insert team config: %w", err)
	}
	if actorID != "" {
		if actorName == "" {
			actorName = actorID
		}
		m := domain.Member{TeamID: teamID, ActorID: actorID, Name: actorName, Role: "owner", CreatedAt: t.CreatedAt}
		if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
			return domain.Team{}, fmt.Errorf("insert owner: %w", err)
		}
	}
	if err := e.events().Append(ctx, tx, events.TeamInitialized, teamID, "team", teamID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Team{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Team{}, err
	}
	return t, nil
}

// AssignMember adds an actor to a team or changes their role.
func (e Engine) AssignMember(ctx context.Context, m domain.Member, actorID string) (domain.Member, error) {
	if m.TeamID == "" || m.ActorID == "" {
		return domain.Member{}, errors.New("team and actor are required")
	}
	if m.Name == "" {
		m.Name = m.ActorID
	}
	if m.Role == "" {
		m.Role = "member"
	}
	if _, err := e.Repo.GetTeam(ctx, m.TeamID); err != nil {
		return domain.Member{}, err
	}
	m.CreatedAt = repo.FormatTime(e.now())
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	if err := e.events().Append(ctx, tx, events.TeamMemberAssigned, m.TeamID, "member", m.ActorID, actorID, events.EventPayload{"role": m.Role}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return e.Repo.GetMember(ctx, m.TeamID, m.ActorID)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	TeamID      string
	Title       string
	Description string
	AssigneeID  string
	DueDate     *time.Time
	IsRequest   bool
	ActorID     string
}

// CreateTask inserts a task. New tasks and requests both enter awaiting_approval.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.TeamID == "" {
		return domain.Task{}, errors.New("team is required")
	}
	if _, err := e.Repo.GetTeam(ctx, opts.TeamID); err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	t := domain.Task{
		ID:          id,
		TeamID:      opts.TeamID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Status:      domain.StatusAwaitingApproval,
		IsRequest:   opts.IsRequest,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.AssigneeID != "" {
		a := opts.AssigneeID
		t.AssigneeID = &a
	}
	if opts.DueDate != nil {
		due := opts.DueDate.UTC()
		t.DueDate = &due
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	payload := events.EventPayload{"title": t.Title, "status": t.Status, "is_request": t.IsRequest}
	if err := e.events().Append(ctx, tx, events.TaskCreated, t.TeamID, "task", t.ID, opts.ActorID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AssignTask sets or clears (empty assignee) the task's assignee.
func (e Engine) AssignTask(ctx context.Context, taskID, assigneeID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	var ptr *string
	if assigneeID != "" {
		ptr = &assigneeID
	}
	now := e.now().UTC()
	if err := e.Repo.UpdateTaskAssignee(ctx, tx, taskID, ptr, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.events().Append(ctx, tx, events.TaskAssigned, t.TeamID, "task", t.ID, actorID, events.EventPayload{"assignee_id": assigneeID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.AssigneeID = ptr
	t.UpdatedAt = now
	return t, nil
}

// PersistStatus writes a status last-write-wins. It does not consult the workflow
// policy: it is the store side of moves already validated and of conflict resolutions.
func (e Engine) PersistStatus(ctx context.Context, taskID string, status domain.Status, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	from := t.Status
	now := e.now().UTC()
	if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, status, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.events().Append(ctx, tx, events.TaskMoved, t.TeamID, "task", t.ID, actorID, events.EventPayload{"from": from, "to": status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Status = status
	t.UpdatedAt = now
	return t, nil
}

// PersistConflictResolution records a settled conflict. Retrying the same conflict
// overwrites the earlier row.
func (e Engine) PersistConflictResolution(ctx context.Context, res domain.ConflictResolution) error {
	t, err := e.Repo.GetTask(ctx, res.TaskID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertConflictResolution(ctx, tx, t.TeamID, res); err != nil {
		return err
	}
	payload := events.EventPayload{"task_id": res.TaskID, "resolution": res.Resolution, "final_status": res.FinalStatus}
	if err := e.events().Append(ctx, tx, events.ConflictResolved, t.TeamID, "conflict", res.ConflictID, res.ResolvedBy, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) recordConflict(ctx context.Context, rec domain.ConflictRecord, actorID string) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	movements := make([]events.EventPayload, 0, len(rec.Conflicts))
	for _, m := range rec.Conflicts {
		movements = append(movements, events.EventPayload{"actor_id": m.ActorID, "from": m.FromStatus, "to": m.ToStatus, "ts": repo.FormatTime(m.Timestamp)})
	}
	payload := events.EventPayload{"task_id": rec.TaskID, "movements": movements}
	if err := e.events().Append(ctx, tx, events.ConflictDetected, rec.Task.TeamID, "conflict", rec.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Transitions returns the states a task can move to next, capped at limit when positive,
// each with the guards the team policy requires for it.
func (e Engine) Transitions(ctx context.Context, taskID string, limit int) (domain.Task, []workflow.Option, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	opts := workflow.Limit(workflow.AvailableTransitions(t.Status), limit)
	policy := e.policy()
	for i := range opts {
		opts[i].Requires = policy.RequiredGuards(t.Status, opts[i].Status)
	}
	return t, opts, nil
}

// ValidateMove runs the team policy against a task without moving it.
func (e Engine) ValidateMove(ctx context.Context, taskID string, to domain.Status, role, comment string) (workflow.Decision, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return workflow.Decision{}, err
	}
	return e.policy().Validate(t.Status, to, workflow.GuardContext{Role: role, HasAssignee: t.HasAssignee(), Comment: comment}), nil
}

type BoardFilters struct {
	TeamID       string
	Status       string
	AssigneeID   string
	RequestsOnly bool
	Limit        int
}

// Board returns the team's tasks scored and in priority order.
func (e Engine) Board(ctx context.Context, f BoardFilters) ([]scoring.Scored, error) {
	if f.TeamID == "" {
		return nil, errors.New("team is required")
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
		TeamID:       f.TeamID,
		Status:       f.Status,
		AssigneeID:   f.AssigneeID,
		RequestsOnly: f.RequestsOnly,
		Limit:        f.Limit,
	})
	if err != nil {
		return nil, err
	}
	return scoring.SortByPriority(tasks, e.scorer().ScoreMany(ctx, tasks)), nil
}

// Score returns one task's priority result.
func (e Engine) Score(ctx context.Context, taskID string) (domain.Task, scoring.Result, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, scoring.Result{}, err
	}
	return t, e.scorer().Score(ctx, t), nil
}

func (e Engine) scorer() *scoring.Engine {
	if e.Scorer != nil {
		return e.Scorer.WithClock(e.Now)
	}
	return scoring.New(nil, scoring.Options{Now: e.Now})
}

type Stats struct {
	TeamID   string         `json:"team_id"`
	Total    int            `json:"total"`
	Requests int            `json:"requests"`
	ByStatus map[string]int `json:"by_status"`
}

// Stats counts a team's tasks per status; every known status is present.
func (e Engine) Stats(ctx context.Context, teamID string) (Stats, error) {
	if _, err := e.Repo.GetTeam(ctx, teamID); err != nil {
		return Stats{}, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, teamID)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{TeamID: teamID, ByStatus: map[string]int{}}
	for _, st := range workflow.Statuses() {
		s.ByStatus[string(st)] = counts[string(st)]
	}
	for _, n := range counts {
		s.Total += n
	}
	requests, err := e.Repo.ListTasks(ctx, repo.TaskFilters{TeamID: teamID, RequestsOnly: true})
	if err != nil {
		return Stats{}, err
	}
	s.Requests = len(requests)
	return s, nil
}
