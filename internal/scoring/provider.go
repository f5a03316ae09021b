package scoring

import (
	"context"
	"math/rand"
	"sync"

	"teamboard/internal/domain"
)

// Estimates are the externally supplied factors, each expected in [0,1].
type Estimates struct {
	Dependencies float64 `json:"dependencies"`
	TeamWorkload float64 `json:"team_workload"`
}

type Provider interface {
	Estimate(ctx context.Context, t domain.Task) (Estimates, error)
}

// BatchProvider estimates many tasks in one round trip, keyed by task ID.
type BatchProvider interface {
	Provider
	EstimateMany(ctx context.Context, tasks []domain.Task) (map[string]Estimates, error)
}

// StaticProvider returns the same estimates for every task.
type StaticProvider struct {
	Values Estimates
}

func (p StaticProvider) Estimate(context.Context, domain.Task) (Estimates, error) {
	return p.Values, nil
}

// RandomProvider stands in when no dependency or workload data exists.
type RandomProvider struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomProvider(seed int64) *RandomProvider {
	return &RandomProvider{rng: rand.New(rand.NewSource(seed))}
}

func (p *RandomProvider) Estimate(context.Context, domain.Task) (Estimates, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Estimates{
		Dependencies: p.rng.Float64(),
		TeamWorkload: p.rng.Float64(),
	}, nil
}
