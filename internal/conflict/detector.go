// Package conflict detects concurrent movements of the same task and settles them.
//
// Every client runs its own Detector fed by the team channel. Two movements of one
// task inside the detection window form a conflict; the record lists every
// contending movement and stays active until it is resolved here or elsewhere.
package conflict

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"teamboard/internal/domain"
)

const DefaultWindow = 2000 * time.Millisecond

var (
	ErrConflictNotFound       = errors.New("conflict not found")
	ErrSelectedStatusRequired = errors.New("merge requires a selected status")
	ErrInvalidResolution      = errors.New("resolution must be accept, reject or merge")
	ErrInvalidSelectedStatus  = errors.New("selected status is not reachable from the pre-conflict status")
)

var conflictNamespace = uuid.MustParse("6f1c2a0e-57c4-4b8e-9a55-2f0d8f6c1b7e")

// Timer is the handle returned by AfterFunc.
type Timer interface {
	Stop() bool
}

type Options struct {
	Window time.Duration
	Now    func() time.Time
	// AfterFunc schedules purges; time.AfterFunc when nil.
	AfterFunc func(d time.Duration, f func()) Timer
	Store     Store
	// Broadcaster publishes resolutions; Attach sets it to the channel client when nil.
	Broadcaster Broadcaster
	// ActorID is recorded as the resolver of conflicts settled by this detector.
	ActorID string
	Logger  *zerolog.Logger
}

type entry struct {
	m     domain.PendingMovement
	timer Timer
}

type Detector struct {
	window    time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	store     Store
	actorID   string
	logger    zerolog.Logger

	mu          sync.Mutex
	broadcaster Broadcaster
	pending     map[string][]*entry
	active      map[string]*domain.ConflictRecord
	nextSub     int
	onConflict  map[int]func(domain.ConflictRecord)
	onResolved  map[int]func(Outcome)
}

func NewDetector(opts Options) *Detector {
	d := &Detector{
		window:      opts.Window,
		now:         opts.Now,
		afterFunc:   opts.AfterFunc,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		actorID:     opts.ActorID,
		logger:      zerolog.Nop(),
		pending:     map[string][]*entry{},
		active:      map[string]*domain.ConflictRecord{},
		onConflict:  map[int]func(domain.ConflictRecord){},
		onResolved:  map[int]func(Outcome){},
	}
	if d.window <= 0 {
		d.window = DefaultWindow
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.afterFunc == nil {
		d.afterFunc = func(dur time.Duration, f func()) Timer { return time.AfterFunc(dur, f) }
	}
	if opts.Logger != nil {
		d.logger = *opts.Logger
	}
	return d
}

func (d *Detector) Window() time.Duration { return d.window }

// RegisterMovement records a local movement stamped with the detector clock. It returns
// false when the movement collides with another one inside the window.
func (d *Detector) RegisterMovement(taskID string, task domain.Task, actorID, actorName string, from, to domain.Status) bool {
	_, ok := d.Register(domain.PendingMovement{
		TaskID:     taskID,
		ActorID:    actorID,
		ActorName:  actorName,
		FromStatus: from,
		ToStatus:   to,
		Timestamp:  d.now().UTC(),
	}, task)
	return ok
}

// Register records a movement that already carries its timestamp, such as one
// received from another client. When it collides, the returned record is the
// conflict raised by this movement and ok is false.
func (d *Detector) Register(m domain.PendingMovement, task domain.Task) (rec domain.ConflictRecord, ok bool) {
	now := d.now()

	d.mu.Lock()
	list := d.pending[m.TaskID][:0:0]
	for _, e := range d.pending[m.TaskID] {
		if now.Sub(e.m.Timestamp) > d.window {
			if e.timer != nil {
				e.timer.Stop()
			}
			continue
		}
		list = append(list, e)
	}
	e := &entry{m: m}
	list = append(list, e)
	d.pending[m.TaskID] = list
	e.timer = d.afterFunc(d.window, func() { d.purge(m.TaskID, e) })

	if len(list) == 1 {
		d.mu.Unlock()
		return domain.ConflictRecord{}, true
	}

	rec = domain.ConflictRecord{
		TaskID:    m.TaskID,
		Task:      task,
		Conflicts: make([]domain.PendingMovement, 0, len(list)),
		Timestamp: now.UTC(),
	}
	for _, x := range list {
		rec.Conflicts = append(rec.Conflicts, x.m)
	}
	rec.ID = conflictID(m.TaskID, rec.Conflicts)
	stored := rec
	d.active[rec.ID] = &stored
	subs := snapshot(d.onConflict)
	d.mu.Unlock()

	d.logger.Info().Str("task_id", m.TaskID).Str("conflict_id", rec.ID).Int("contenders", len(rec.Conflicts)).Msg("conflicting movements detected")
	for _, fn := range subs {
		fn(copyRecord(rec))
	}
	return copyRecord(rec), false
}

func (d *Detector) purge(taskID string, target *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.pending[taskID]
	for i, e := range list {
		if e == target {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.pending, taskID)
		return
	}
	d.pending[taskID] = list
}

// Pending returns the movements currently tracked for a task.
func (d *Detector) Pending(taskID string) []domain.PendingMovement {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.PendingMovement, 0, len(d.pending[taskID]))
	for _, e := range d.pending[taskID] {
		out = append(out, e.m)
	}
	return out
}

// Conflicts lists active conflicts, oldest first.
func (d *Detector) Conflicts() []domain.ConflictRecord {
	d.mu.Lock()
	out := make([]domain.ConflictRecord, 0, len(d.active))
	for _, r := range d.active {
		out = append(out, copyRecord(*r))
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Detector) Conflict(id string) (domain.ConflictRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.active[id]
	if !ok {
		return domain.ConflictRecord{}, false
	}
	return copyRecord(*r), true
}

func (d *Detector) OnConflict(fn func(domain.ConflictRecord)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	id := d.nextSub
	d.onConflict[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.onConflict, id)
		d.mu.Unlock()
	}
}

// OnResolved fires once per conflict, whether it was settled locally or by another client.
func (d *Detector) OnResolved(fn func(Outcome)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	id := d.nextSub
	d.onResolved[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.onResolved, id)
		d.mu.Unlock()
	}
}

// Close stops every pending purge timer.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, list := range d.pending {
		for _, e := range list {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
	d.pending = map[string][]*entry{}
}

// conflictID is derived from the earliest contender so every client observing the
// same contention agrees on it.
func conflictID(taskID string, ms []domain.PendingMovement) string {
	first := earliest(ms)
	key := taskID + "|" + first.ActorID + "|" + first.Timestamp.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(conflictNamespace, []byte(key)).String()
}

// earliest returns the movement with the smallest timestamp; ties go to the first registered.
func earliest(ms []domain.PendingMovement) domain.PendingMovement {
	best := ms[0]
	for _, m := range ms[1:] {
		if m.Timestamp.Before(best.Timestamp) {
			best = m
		}
	}
	return best
}

// latest returns the movement with the greatest timestamp; ties go to the last registered.
func latest(ms []domain.PendingMovement) domain.PendingMovement {
	best := ms[0]
	for _, m := range ms[1:] {
		if !m.Timestamp.Before(best.Timestamp) {
			best = m
		}
	}
	return best
}

func copyRecord(r domain.ConflictRecord) domain.ConflictRecord {
	r.Conflicts = append([]domain.PendingMovement(nil), r.Conflicts...)
	return r
}

func snapshot[T any](m map[int]T) []T {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
