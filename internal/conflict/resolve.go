package conflict

import (
	"context"
	"fmt"

	"teamboard/internal/channel"
	"teamboard/internal/domain"
	"teamboard/internal/workflow"
)

// Store persists the outcome of a resolution.
type Store interface {
	PersistStatus(ctx context.Context, taskID string, status domain.Status, actorID string) (domain.Task, error)
	PersistConflictResolution(ctx context.Context, res domain.ConflictResolution) error
}

type Broadcaster interface {
	BroadcastConflictResolution(ctx context.Context, r channel.Resolution) error
}

// Outcome describes a settled conflict. Task is only set when the conflict was
// resolved by this detector.
type Outcome struct {
	ConflictID  string            `json:"conflict_id"`
	TaskID      string            `json:"task_id"`
	Resolution  domain.Resolution `json:"resolution"`
	FinalStatus domain.Status     `json:"final_status"`
	ResolvedBy  string            `json:"resolved_by,omitempty"`
	Task        *domain.Task      `json:"task,omitempty"`
	Remote      bool              `json:"remote"`
}

// FinalStatus computes the status a resolution settles on without applying it.
func FinalStatus(rec domain.ConflictRecord, resolution domain.Resolution, selected domain.Status) (domain.Status, error) {
	if len(rec.Conflicts) == 0 {
		return "", fmt.Errorf("conflict %s has no movements", rec.ID)
	}
	switch resolution {
	case domain.ResolutionAccept:
		return latest(rec.Conflicts).ToStatus, nil
	case domain.ResolutionReject:
		return earliest(rec.Conflicts).FromStatus, nil
	case domain.ResolutionMerge:
		if selected == "" {
			return "", ErrSelectedStatusRequired
		}
		base := earliest(rec.Conflicts).FromStatus
		if selected != base && !workflow.IsValidTransition(base, selected) {
			return "", fmt.Errorf("%w: %s -> %s", ErrInvalidSelectedStatus, base, selected)
		}
		return selected, nil
	default:
		return "", ErrInvalidResolution
	}
}

// ResolveConflict persists the final status and the resolution, then broadcasts it.
// On any failure the conflict stays active so it can be retried.
func (d *Detector) ResolveConflict(ctx context.Context, conflictID string, resolution domain.Resolution, selected domain.Status) (Outcome, error) {
	rec, ok := d.Conflict(conflictID)
	if !ok {
		return Outcome{}, ErrConflictNotFound
	}
	final, err := FinalStatus(rec, resolution, selected)
	if err != nil {
		return Outcome{}, err
	}
	if d.store == nil {
		return Outcome{}, fmt.Errorf("resolve conflict %s: no store configured", conflictID)
	}

	task, err := d.store.PersistStatus(ctx, rec.TaskID, final, d.actorID)
	if err != nil {
		d.logger.Warn().Err(err).Str("conflict_id", conflictID).Msg("persisting resolved status failed")
		return Outcome{}, fmt.Errorf("persist status for conflict %s: %w", conflictID, err)
	}
	resolved := domain.ConflictResolution{
		ConflictID:  conflictID,
		TaskID:      rec.TaskID,
		Resolution:  resolution,
		FinalStatus: final,
		ResolvedBy:  d.actorID,
		ResolvedAt:  d.now().UTC(),
	}
	if err := d.store.PersistConflictResolution(ctx, resolved); err != nil {
		d.logger.Warn().Err(err).Str("conflict_id", conflictID).Msg("persisting resolution failed")
		return Outcome{}, fmt.Errorf("persist resolution for conflict %s: %w", conflictID, err)
	}

	d.mu.Lock()
	b := d.broadcaster
	d.mu.Unlock()
	if b != nil {
		err := b.BroadcastConflictResolution(ctx, channel.Resolution{
			ConflictID:     conflictID,
			TaskID:         rec.TaskID,
			Resolution:     resolution,
			SelectedStatus: selected,
			FinalStatus:    final,
		})
		if err != nil {
			d.logger.Warn().Err(err).Str("conflict_id", conflictID).Msg("broadcasting resolution failed")
			return Outcome{}, fmt.Errorf("broadcast resolution for conflict %s: %w", conflictID, err)
		}
	}

	out := Outcome{
		ConflictID:  conflictID,
		TaskID:      rec.TaskID,
		Resolution:  resolution,
		FinalStatus: final,
		ResolvedBy:  d.actorID,
		Task:        &task,
	}
	d.settle(out)
	d.logger.Info().Str("conflict_id", conflictID).Str("resolution", string(resolution)).Str("final_status", string(final)).Msg("conflict resolved")
	return out, nil
}

// ApplyRemoteResolution drops a conflict settled by another client. It reports
// whether the conflict was known here.
func (d *Detector) ApplyRemoteResolution(r channel.Resolution, resolvedBy string) bool {
	return d.settle(Outcome{
		ConflictID:  r.ConflictID,
		TaskID:      r.TaskID,
		Resolution:  r.Resolution,
		FinalStatus: r.FinalStatus,
		ResolvedBy:  resolvedBy,
		Remote:      true,
	})
}

func (d *Detector) settle(out Outcome) bool {
	d.mu.Lock()
	rec, ok := d.active[out.ConflictID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.active, out.ConflictID)
	for _, e := range d.pending[rec.TaskID] {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	delete(d.pending, rec.TaskID)
	subs := snapshot(d.onResolved)
	d.mu.Unlock()

	for _, fn := range subs {
		fn(out)
	}
	return true
}

// Attach feeds the detector from a channel client: other clients' movements are
// registered, their resolutions applied, and local resolutions are published on it.
func (d *Detector) Attach(c *channel.Client) func() {
	d.mu.Lock()
	if d.broadcaster == nil {
		d.broadcaster = c
	}
	d.mu.Unlock()

	stopMove := c.OnMovement(func(ev channel.MovementEvent) {
		d.Register(ev.Pending(), ev.Task)
	})
	stopRes := c.OnConflictResolution(func(ev channel.ResolutionEvent) {
		if ev.SenderID == c.ID() {
			return
		}
		d.ApplyRemoteResolution(ev.Resolution, ev.ActorID)
	})
	return func() {
		stopMove()
		stopRes()
	}
}
