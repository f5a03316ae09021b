// Package scoring computes the composite urgency score used to order the board.
//
// Score and ScoreMany never fail: when the estimate provider is unavailable they
// return Fallback.
package scoring

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"teamboard/internal/domain"
)

type Factors struct {
	Urgency      float64 `json:"urgency"`
	Importance   float64 `json:"importance"`
	Dependencies float64 `json:"dependencies"`
	TeamWorkload float64 `json:"team_workload"`
	Deadline     float64 `json:"deadline"`
	Complexity   float64 `json:"complexity"`
}

type InsightType string

const (
	InsightPriority       InsightType = "priority"
	InsightRecommendation InsightType = "recommendation"
	InsightWarning        InsightType = "warning"
)

type Insight struct {
	Type       InsightType `json:"type" enum:"priority,recommendation,warning"`
	Message    string      `json:"message"`
	Confidence float64     `json:"confidence"`
}

type Result struct {
	TaskID          string    `json:"task_id,omitempty"`
	Score           float64   `json:"score"`
	Factors         Factors   `json:"factors"`
	Insights        []Insight `json:"insights"`
	EstimatedHours  int       `json:"estimated_hours"`
	ComplexityScore int       `json:"complexity_score"`
	Tags            []string  `json:"tags"`
	Fallback        bool      `json:"fallback,omitempty"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Fallback is the fixed result served when estimates are unavailable.
func Fallback(taskID string, now time.Time) Result {
	f := Factors{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	return Result{
		TaskID:  taskID,
		Score:   0.5,
		Factors: f,
		Insights: []Insight{{
			Type:       InsightWarning,
			Message:    "Prioritization is unavailable; using default priority",
			Confidence: 0.5,
		}},
		EstimatedHours:  estimatedHours(f.Complexity),
		ComplexityScore: complexityScore(f.Complexity),
		Tags:            []string{},
		Fallback:        true,
		ComputedAt:      now,
	}
}

type Options struct {
	CacheTTL  time.Duration
	CacheSize int
	Now       func() time.Time
	Logger    *zerolog.Logger
}

type Engine struct {
	provider Provider
	cache    *resultCache
	now      func() time.Time
	logger   zerolog.Logger
}

func New(p Provider, opts Options) *Engine {
	e := &Engine{
		provider: p,
		cache:    newResultCache(opts.CacheSize, opts.CacheTTL),
		now:      opts.Now,
		logger:   zerolog.Nop(),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if opts.Logger != nil {
		e.logger = *opts.Logger
	}
	return e
}

// Score returns the cached result for the task's current revision or computes a new one.
func (e *Engine) Score(ctx context.Context, t domain.Task) Result {
	if r, ok := e.cache.get(t); ok {
		return r
	}
	if e.provider == nil {
		return Fallback(t.ID, e.now())
	}
	est, err := e.provider.Estimate(ctx, t)
	if err != nil {
		e.logger.Debug().Err(err).Str("task_id", t.ID).Msg("scoring provider unavailable, serving fallback")
		return Fallback(t.ID, e.now())
	}
	r := e.compute(t, est)
	e.cache.add(t, r)
	return r
}

// ScoreMany scores tasks in input order. A failed batch estimate degrades to per-task scoring.
func (e *Engine) ScoreMany(ctx context.Context, tasks []domain.Task) []Result {
	results := make([]Result, len(tasks))
	var misses []int
	for i, t := range tasks {
		if r, ok := e.cache.get(t); ok {
			results[i] = r
			continue
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return results
	}
	if bp, ok := e.provider.(BatchProvider); ok {
		batch := make([]domain.Task, 0, len(misses))
		for _, i := range misses {
			batch = append(batch, tasks[i])
		}
		ests, err := bp.EstimateMany(ctx, batch)
		if err == nil {
			for _, i := range misses {
				est, ok := ests[tasks[i].ID]
				if !ok {
					results[i] = e.Score(ctx, tasks[i])
					continue
				}
				r := e.compute(tasks[i], est)
				e.cache.add(tasks[i], r)
				results[i] = r
			}
			return results
		}
		e.logger.Debug().Err(err).Int("tasks", len(batch)).Msg("batch estimate failed, scoring individually")
	}
	for _, i := range misses {
		results[i] = e.Score(ctx, tasks[i])
	}
	return results
}

// Purge drops every cached result.
func (e *Engine) Purge() {
	e.cache.purge()
}

func (e *Engine) compute(t domain.Task, est Estimates) Result {
	now := e.now()
	f := Factors{
		Urgency:      urgencyFactor(t, now),
		Importance:   importanceFactor(t),
		Dependencies: clamp(est.Dependencies, 0, 1),
		TeamWorkload: clamp(est.TeamWorkload, 0, 1),
		Deadline:     deadlineFactor(t, now),
		Complexity:   complexityFactor(t),
	}
	score := clamp(f.Urgency*Weights.Urgency+
		f.Importance*Weights.Importance+
		f.Dependencies*Weights.Dependencies+
		f.TeamWorkload*Weights.TeamWorkload+
		f.Deadline*Weights.Deadline+
		f.Complexity*Weights.Complexity, 0, 1)
	insights := deriveInsights(score, f)
	if insights == nil {
		insights = []Insight{}
	}
	tags := deriveTags(t, f)
	if tags == nil {
		tags = []string{}
	}
	return Result{
		TaskID:          t.ID,
		Score:           score,
		Factors:         f,
		Insights:        insights,
		EstimatedHours:  estimatedHours(f.Complexity),
		ComplexityScore: complexityScore(f.Complexity),
		Tags:            tags,
		ComputedAt:      now,
	}
}

func estimatedHours(complexity float64) int {
	return int(math.Round(2 * (1 + 3*complexity)))
}

func complexityScore(complexity float64) int {
	return int(math.Round(10 * complexity))
}
