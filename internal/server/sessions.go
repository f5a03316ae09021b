package server

import (
	"context"
	"errors"
	"sync"

	"teamboard/internal/engine"
)

// sessionPool keeps one channel session per team and actor. Movements from
// different callers meet in each other's detectors.
type sessionPool struct {
	engine engine.Engine

	mu       sync.Mutex
	sessions map[string]*engine.Session
}

func newSessionPool(e engine.Engine) *sessionPool {
	return &sessionPool{engine: e, sessions: map[string]*engine.Session{}}
}

func (p *sessionPool) get(ctx context.Context, teamID string, pr Principal) (*engine.Session, error) {
	key := teamID + "|" + pr.ActorID
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[key]; ok {
		return s, nil
	}
	// The session outlives the request that opened it.
	s, err := p.engine.Open(context.WithoutCancel(ctx), teamID, pr.identity())
	if err != nil {
		return nil, err
	}
	p.sessions[key] = s
	return s, nil
}

func (p *sessionPool) closeAll(ctx context.Context) error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = map[string]*engine.Session{}
	p.mu.Unlock()
	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
