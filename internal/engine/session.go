package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"teamboard/internal/channel"
	"teamboard/internal/conflict"
	"teamboard/internal/domain"
	"teamboard/internal/events"
	"teamboard/internal/repo"
	"teamboard/internal/workflow"
)

// Identity is the collaborator a session acts for.
type Identity struct {
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Role      string `json:"role,omitempty"`
}

type EventType string

const (
	EventPresence EventType = "presence"
	EventMovement EventType = "movement"
	EventConflict EventType = "conflict"
	EventResolved EventType = "resolved"
)

// Event is what a session reports to its subscribers. One payload is set, matching Type.
type Event struct {
	Type     EventType              `json:"type"`
	Presence *domain.PresenceRecord `json:"presence,omitempty"`
	Movement *channel.MovementEvent `json:"movement,omitempty"`
	Conflict *domain.ConflictRecord `json:"conflict,omitempty"`
	Resolved *conflict.Outcome      `json:"resolved,omitempty"`
}

// Session is one collaborator's connection to a team: a channel client joined to
// the team topic and the detector it feeds.
type Session struct {
	engine   Engine
	teamID   string
	identity Identity
	client   *channel.Client
	detector *conflict.Detector
	stops    []func()

	mu      sync.Mutex
	closed  bool
	nextSub int
	subs    map[int]func(Event)
}

// Open joins the team channel as id. The actor becomes a member when it is not one
// already; an empty Role is filled from the membership.
func (e Engine) Open(ctx context.Context, teamID string, id Identity) (*Session, error) {
	if id.ActorID == "" {
		return nil, errors.New("actor is required")
	}
	if id.ActorName == "" {
		id.ActorName = id.ActorID
	}
	if _, err := e.Repo.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	if err := e.ensureMember(ctx, teamID, id); err != nil {
		return nil, err
	}
	if id.Role == "" {
		m, err := e.Repo.GetMember(ctx, teamID, id.ActorID)
		if err != nil {
			return nil, err
		}
		id.Role = m.Role
	}
	if e.Transport == nil {
		e.Transport = channel.NewMemoryHub()
	}

	logger := e.Logger.With().Str("team_id", teamID).Str("actor_id", id.ActorID).Logger()
	window := conflict.DefaultWindow
	if e.Config != nil {
		window = e.Config.ConflictWindow()
	}
	s := &Session{
		engine:   e,
		teamID:   teamID,
		identity: id,
		client:   channel.NewClient(e.Transport, channel.ClientOptions{Now: e.now, Logger: &logger}),
		subs:     map[int]func(Event){},
	}
	s.detector = conflict.NewDetector(conflict.Options{
		Window:  window,
		Now:     e.now,
		Store:   e,
		ActorID: id.ActorID,
		Logger:  &logger,
	})
	s.stops = append(s.stops,
		s.detector.Attach(s.client),
		s.client.OnPresence(func(p domain.PresenceRecord) {
			s.emit(Event{Type: EventPresence, Presence: &p})
		}),
		s.client.OnMovement(func(m channel.MovementEvent) {
			s.emit(Event{Type: EventMovement, Movement: &m})
		}),
		s.detector.OnConflict(func(rec domain.ConflictRecord) {
			s.emit(Event{Type: EventConflict, Conflict: &rec})
		}),
		s.detector.OnResolved(func(out conflict.Outcome) {
			s.emit(Event{Type: EventResolved, Resolved: &out})
		}),
	)
	if err := s.client.Join(ctx, teamID, id.ActorID, id.ActorName); err != nil {
		s.shutdown()
		return nil, fmt.Errorf("%w: join team %s: %v", ErrTransport, teamID, err)
	}
	return s, nil
}

func (e Engine) ensureMember(ctx context.Context, teamID string, id Identity) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	role := id.Role
	if role == "" {
		role = "member"
	}
	m := domain.Member{TeamID: teamID, ActorID: id.ActorID, Name: id.ActorName, Role: role, CreatedAt: repo.FormatTime(e.now())}
	if err := e.Repo.EnsureMember(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Session) TeamID() string     { return s.teamID }
func (s *Session) Identity() Identity { return s.identity }

type MoveRequest struct {
	TaskID string `json:"task_id"`
	// From is the status the caller's board shows; the stored status when empty.
	// It may differ from the stored status only while a movement inside the
	// conflict window explains the difference.
	From    domain.Status `json:"from,omitempty"`
	To      domain.Status `json:"to"`
	Comment string        `json:"comment,omitempty"`
}

// MoveResult reports a move. Applied is false when the movement tripped a conflict;
// the stored status is then left for the resolution to settle.
type MoveResult struct {
	Task         domain.Task            `json:"task"`
	Applied      bool                   `json:"applied"`
	Conflict     *domain.ConflictRecord `json:"conflict,omitempty"`
	Notification workflow.Notification  `json:"notification"`
}

// MoveTask validates the move against the team policy, announces it to the team and
// registers it with this session's detector. It is persisted only when no conflict
// was raised. A broadcast failure returns ErrTransport before anything is registered.
func (s *Session) MoveTask(ctx context.Context, req MoveRequest) (MoveResult, error) {
	t, err := s.engine.Repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return MoveResult{}, err
	}
	if t.TeamID != s.teamID {
		return MoveResult{}, fmt.Errorf("task %s: %w", req.TaskID, repo.ErrNotFound)
	}
	from := t.Status
	if req.From != "" && req.From != t.Status {
		if !s.explainsStaleView(t, req.From) {
			return MoveResult{}, &RuleViolationError{Decision: workflow.Decision{
				Guard:  workflow.GuardTransition,
				Reason: fmt.Sprintf("task %s is %s, not %s", t.ID, workflow.Label(t.Status), workflow.Label(req.From)),
			}}
		}
		from = req.From
	}
	decision := s.engine.policy().Validate(from, req.To, workflow.GuardContext{
		Role:        s.identity.Role,
		HasAssignee: t.HasAssignee(),
		Comment:     req.Comment,
	})
	if !decision.Valid {
		return MoveResult{}, &RuleViolationError{Decision: decision}
	}

	// Peers and the local detector must see the same instant or they derive different conflict IDs.
	at := s.engine.now().UTC()
	if err := s.client.BroadcastMovementAt(ctx, channel.Movement{Task: t, FromStatus: from, ToStatus: req.To}, at); err != nil {
		return MoveResult{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	pending := domain.PendingMovement{
		TaskID:     t.ID,
		ActorID:    s.identity.ActorID,
		ActorName:  s.identity.ActorName,
		FromStatus: from,
		ToStatus:   req.To,
		Timestamp:  at,
	}
	if rec, ok := s.detector.Register(pending, t); !ok {
		if err := s.engine.recordConflict(ctx, rec, s.identity.ActorID); err != nil {
			s.engine.Logger.Warn().Err(err).Str("conflict_id", rec.ID).Msg("recording conflict event failed")
		}
		return MoveResult{
			Task:     t,
			Conflict: &rec,
			Notification: workflow.Notification{
				Title:       "Conflict detected",
				Description: fmt.Sprintf("%q was moved by someone else at the same time", t.Title),
				Severity:    workflow.SeverityError,
			},
		}, nil
	}
	moved, err := s.engine.PersistStatus(ctx, t.ID, req.To, s.identity.ActorID)
	if err != nil {
		return MoveResult{}, fmt.Errorf("persist status: %w", err)
	}
	return MoveResult{
		Task:         moved,
		Applied:      true,
		Notification: workflow.DescribeTransition(from, req.To, t.Title),
	}, nil
}

// ApproveRequest moves an awaiting task straight to in_progress.
func (s *Session) ApproveRequest(ctx context.Context, taskID string) (MoveResult, error) {
	t, err := s.engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		return MoveResult{}, err
	}
	if t.Status != domain.StatusAwaitingApproval {
		return MoveResult{}, &RuleViolationError{Decision: workflow.Decision{
			Guard:  workflow.GuardTransition,
			Reason: fmt.Sprintf("task %s is %s, not awaiting approval", taskID, workflow.Label(t.Status)),
		}}
	}
	res, err := s.MoveTask(ctx, MoveRequest{TaskID: taskID, To: domain.StatusInProgress})
	if err != nil || !res.Applied {
		return res, err
	}
	if err := s.engine.appendTaskEvent(ctx, events.TaskApproved, res.Task, s.identity.ActorID); err != nil {
		s.engine.Logger.Warn().Err(err).Str("task_id", taskID).Msg("recording approval event failed")
	}
	return res, nil
}

func (e Engine) appendTaskEvent(ctx context.Context, typ string, t domain.Task, actorID string) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.events().Append(ctx, tx, typ, t.TeamID, "task", t.ID, actorID, events.EventPayload{"status": t.Status}); err != nil {
		return err
	}
	return tx.Commit()
}

// Resolve settles a conflict known to this session and broadcasts the outcome.
func (s *Session) Resolve(ctx context.Context, conflictID string, resolution domain.Resolution, selected domain.Status) (conflict.Outcome, error) {
	return s.detector.ResolveConflict(ctx, conflictID, resolution, selected)
}

func (s *Session) Conflicts() []domain.ConflictRecord {
	return s.detector.Conflicts()
}

func (s *Session) Conflict(id string) (domain.ConflictRecord, bool) {
	return s.detector.Conflict(id)
}

// explainsStaleView reports whether a movement still inside the window took the
// task from the status the caller saw to the stored one.
func (s *Session) explainsStaleView(t domain.Task, seen domain.Status) bool {
	now := s.engine.now()
	for _, m := range s.detector.Pending(t.ID) {
		if m.FromStatus == seen && m.ToStatus == t.Status && now.Sub(m.Timestamp) <= s.detector.Window() {
			return true
		}
	}
	return false
}

func (s *Session) Roster() []domain.PresenceRecord {
	return s.client.Roster()
}

// UpdatePresence marks the actor active, on taskID when given.
func (s *Session) UpdatePresence(ctx context.Context, taskID string) error {
	if err := s.client.UpdatePresence(ctx, taskID); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (s *Session) MarkIdle(ctx context.Context) error {
	if err := s.client.MarkIdle(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Subscribe registers fn for presence, movement and conflict events. fn runs on the
// delivering goroutine and must not block.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Close leaves the team channel and stops the detector's timers.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.client.Leave(ctx)
	s.shutdown()
	return err
}

func (s *Session) shutdown() {
	for _, stop := range s.stops {
		stop()
	}
	s.detector.Close()
}

// Window is how long a movement stays eligible to conflict.
func (s *Session) Window() time.Duration {
	return s.detector.Window()
}
