package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"teamboard/internal/domain"
)

type ClientOptions struct {
	// ID identifies this connection for self-filtering; a random one is generated when empty.
	ID     string
	Now    func() time.Time
	Logger *zerolog.Logger
}

// Client is one connection to a team channel. It joins at most one team at a time.
type Client struct {
	id        string
	transport Transport
	now       func() time.Time
	logger    zerolog.Logger

	mu        sync.Mutex
	teamID    string
	actorID   string
	actorName string
	sub       Subscription
	roster    map[string]domain.PresenceRecord

	hmu         sync.RWMutex
	nextHandler int
	presence    map[int]func(domain.PresenceRecord)
	movement    map[int]func(MovementEvent)
	resolution  map[int]func(ResolutionEvent)
}

func NewClient(t Transport, opts ClientOptions) *Client {
	c := &Client{
		id:         opts.ID,
		transport:  t,
		now:        opts.Now,
		logger:     zerolog.Nop(),
		roster:     map[string]domain.PresenceRecord{},
		presence:   map[int]func(domain.PresenceRecord){},
		movement:   map[int]func(MovementEvent){},
		resolution: map[int]func(ResolutionEvent){},
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	}
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) TeamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teamID
}

// Now is the clock used to stamp outgoing messages.
func (c *Client) Now() time.Time { return c.now() }

// Join subscribes to the team topic and announces the actor. A previous team is left first.
func (c *Client) Join(ctx context.Context, teamID, actorID, actorName string) error {
	if teamID == "" || actorID == "" {
		return fmt.Errorf("team id and actor id are required")
	}
	if c.TeamID() != "" {
		if err := c.Leave(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.teamID = teamID
	c.actorID = actorID
	c.actorName = actorName
	c.roster = map[string]domain.PresenceRecord{}
	c.mu.Unlock()

	sub, err := c.transport.Subscribe(ctx, Topic(teamID), c.dispatch)
	if err != nil {
		c.reset()
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.logger.Debug().Str("team_id", teamID).Str("actor_id", actorID).Str("client_id", c.id).Msg("joined team channel")
	return c.publish(ctx, Message{Kind: KindJoin})
}

// Leave announces departure and drops the subscription. Leaving when not joined is a no-op.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	teamID := c.teamID
	c.mu.Unlock()
	if teamID == "" {
		return nil
	}
	pubErr := c.publish(ctx, Message{Kind: KindLeave})
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	var closeErr error
	if sub != nil {
		closeErr = sub.Close()
	}
	c.reset()
	c.logger.Debug().Str("team_id", teamID).Str("client_id", c.id).Msg("left team channel")
	if pubErr != nil {
		return pubErr
	}
	return closeErr
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teamID = ""
	c.actorID = ""
	c.actorName = ""
	c.sub = nil
	c.roster = map[string]domain.PresenceRecord{}
}

// UpdatePresence marks the actor active, focused on taskID when it is non-empty.
func (c *Client) UpdatePresence(ctx context.Context, taskID string) error {
	return c.publish(ctx, Message{Kind: KindPresence, Presence: &Presence{TaskID: taskID, Status: domain.PresenceActive}})
}

func (c *Client) MarkIdle(ctx context.Context) error {
	return c.publish(ctx, Message{Kind: KindPresence, Presence: &Presence{Status: domain.PresenceIdle}})
}

func (c *Client) BroadcastMovement(ctx context.Context, m Movement) error {
	return c.BroadcastMovementAt(ctx, m, time.Time{})
}

// BroadcastMovementAt stamps the movement with at instead of the client clock, so a
// sender can register the same instant with its own detector.
func (c *Client) BroadcastMovementAt(ctx context.Context, m Movement, at time.Time) error {
	if m.TaskID == "" {
		m.TaskID = m.Task.ID
	}
	return c.publish(ctx, Message{Kind: KindMovement, Movement: &m, Timestamp: at})
}

func (c *Client) BroadcastConflictResolution(ctx context.Context, r Resolution) error {
	return c.publish(ctx, Message{Kind: KindResolution, Resolution: &r})
}

func (c *Client) publish(ctx context.Context, msg Message) error {
	c.mu.Lock()
	msg.TeamID = c.teamID
	msg.ActorID = c.actorID
	msg.ActorName = c.actorName
	c.mu.Unlock()
	if msg.TeamID == "" {
		return ErrNotJoined
	}
	msg.SenderID = c.id
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if err := c.transport.Publish(ctx, Topic(msg.TeamID), msg); err != nil {
		return fmt.Errorf("broadcast %s: %w", msg.Kind, err)
	}
	return nil
}

// Roster lists the last known presence of every actor seen on the team, ordered by name.
func (c *Client) Roster() []domain.PresenceRecord {
	c.mu.Lock()
	out := make([]domain.PresenceRecord, 0, len(c.roster))
	for _, r := range c.roster {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActorName != out[j].ActorName {
			return out[i].ActorName < out[j].ActorName
		}
		return out[i].ActorID < out[j].ActorID
	})
	return out
}

func (c *Client) OnPresence(fn func(domain.PresenceRecord)) func() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.presence[id] = fn
	return func() {
		c.hmu.Lock()
		delete(c.presence, id)
		c.hmu.Unlock()
	}
}

// OnMovement receives task movements broadcast by other clients only.
func (c *Client) OnMovement(fn func(MovementEvent)) func() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.movement[id] = fn
	return func() {
		c.hmu.Lock()
		delete(c.movement, id)
		c.hmu.Unlock()
	}
}

func (c *Client) OnConflictResolution(fn func(ResolutionEvent)) func() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.resolution[id] = fn
	return func() {
		c.hmu.Lock()
		delete(c.resolution, id)
		c.hmu.Unlock()
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	current := c.teamID
	c.mu.Unlock()
	if msg.TeamID != current {
		return
	}

	switch msg.Kind {
	case KindJoin, KindLeave, KindPresence:
		rec := msg.presenceRecord()
		c.mu.Lock()
		if prev, ok := c.roster[rec.ActorID]; !ok || !rec.Timestamp.Before(prev.Timestamp) {
			c.roster[rec.ActorID] = rec
		}
		c.mu.Unlock()
		for _, fn := range sortedHandlers(&c.hmu, c.presence) {
			fn(rec)
		}
	case KindMovement:
		if msg.SenderID == c.id || msg.Movement == nil {
			return
		}
		ev := MovementEvent{
			Movement:  *msg.Movement,
			SenderID:  msg.SenderID,
			ActorID:   msg.ActorID,
			ActorName: msg.ActorName,
			Timestamp: msg.Timestamp,
		}
		for _, fn := range sortedHandlers(&c.hmu, c.movement) {
			fn(ev)
		}
	case KindResolution:
		if msg.Resolution == nil {
			return
		}
		ev := ResolutionEvent{
			Resolution: *msg.Resolution,
			SenderID:   msg.SenderID,
			ActorID:    msg.ActorID,
			ActorName:  msg.ActorName,
			Timestamp:  msg.Timestamp,
		}
		for _, fn := range sortedHandlers(&c.hmu, c.resolution) {
			fn(ev)
		}
	default:
		c.logger.Debug().Str("kind", string(msg.Kind)).Msg("ignoring unknown message kind")
	}
}

// sortedHandlers snapshots handlers in registration order so they run without the lock held.
func sortedHandlers[T any](mu *sync.RWMutex, m map[int]T) []T {
	mu.RLock()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	mu.RUnlock()
	return out
}
