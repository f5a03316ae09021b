package scoring_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamboard/internal/domain"
	"teamboard/internal/scoring"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(p scoring.Provider) *scoring.Engine {
	return scoring.New(p, scoring.Options{Now: func() time.Time { return fixedNow }})
}

type countingProvider struct {
	calls  atomic.Int32
	values scoring.Estimates
	err    error
}

func (p *countingProvider) Estimate(context.Context, domain.Task) (scoring.Estimates, error) {
	p.calls.Add(1)
	return p.values, p.err
}

type batchProvider struct {
	countingProvider
	batchCalls atomic.Int32
	batchErr   error
}

func (p *batchProvider) EstimateMany(_ context.Context, tasks []domain.Task) (map[string]scoring.Estimates, error) {
	p.batchCalls.Add(1)
	if p.batchErr != nil {
		return nil, p.batchErr
	}
	out := map[string]scoring.Estimates{}
	for _, t := range tasks {
		out[t.ID] = p.values
	}
	return out, nil
}

func task(id, title string) domain.Task {
	return domain.Task{
		ID:        id,
		Title:     title,
		Status:    domain.StatusInProgress,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}
}

func TestHighPriorityTask(t *testing.T) {
	due := fixedNow.Add(12 * time.Hour)
	tk := task("t1", "Critical security bug in production")
	tk.Status = domain.StatusBlocked
	tk.CreatedAt = fixedNow.Add(-45 * 24 * time.Hour)
	tk.DueDate = &due

	r := newEngine(scoring.StaticProvider{Values: scoring.Estimates{Dependencies: 1, TeamWorkload: 1}}).Score(context.Background(), tk)

	assert.Equal(t, 1.0, r.Factors.Urgency)
	assert.Equal(t, 1.0, r.Factors.Importance)
	assert.Equal(t, 1.0, r.Factors.Deadline)
	assert.InDelta(t, 0.3, r.Factors.Complexity, 1e-9)
	assert.InDelta(t, 0.965, r.Score, 1e-9)
	assert.Equal(t, 4, r.EstimatedHours)
	assert.Equal(t, 3, r.ComplexityScore)
	assert.Equal(t, []string{"Urgent", "Important", "Due Soon", "Dependent", "Bug"}, r.Tags)

	var kinds []scoring.InsightType
	for _, in := range r.Insights {
		kinds = append(kinds, in.Type)
		assert.GreaterOrEqual(t, in.Confidence, 0.0)
		assert.LessOrEqual(t, in.Confidence, 1.0)
	}
	assert.Equal(t, []scoring.InsightType{scoring.InsightPriority, scoring.InsightWarning, scoring.InsightRecommendation}, kinds)
	assert.False(t, r.Fallback)
}

func TestLowPriorityTask(t *testing.T) {
	r := newEngine(scoring.StaticProvider{}).Score(context.Background(), task("t2", "Update docs"))
	assert.InDelta(t, 0.235, r.Score, 1e-9)
	assert.Equal(t, 0.5, r.Factors.Deadline, "no due date")
	assert.Equal(t, 3, r.EstimatedHours)
	assert.Equal(t, 2, r.ComplexityScore)
	require.Len(t, r.Insights, 1)
	assert.Equal(t, scoring.InsightPriority, r.Insights[0].Type)
	assert.Contains(t, r.Insights[0].Message, "Low priority")
}

func TestComplexityBounds(t *testing.T) {
	e := newEngine(scoring.StaticProvider{})
	simple := e.Score(context.Background(), task("s", "fix update change add remove"))
	assert.Equal(t, 0.1, simple.Factors.Complexity)
	assert.Equal(t, 3, simple.EstimatedHours)
	assert.Equal(t, 1, simple.ComplexityScore)

	complexTask := task("c", "Database migration and API integration refactor")
	complexTask.Description = strings.Repeat("x", 600)
	c := e.Score(context.Background(), complexTask)
	assert.Equal(t, 1.0, c.Factors.Complexity)
	assert.Equal(t, 8, c.EstimatedHours)
	assert.Equal(t, 10, c.ComplexityScore)
	assert.Contains(t, c.Tags, "Complex")
	found := false
	for _, in := range c.Insights {
		if in.Type == scoring.InsightRecommendation && strings.Contains(in.Message, "subtasks") {
			found = true
		}
	}
	assert.True(t, found, "expected split recommendation")
}

func TestDeadlineBands(t *testing.T) {
	e := newEngine(scoring.StaticProvider{})
	cases := map[time.Duration]float64{
		-48 * time.Hour:     1,
		20 * time.Hour:      1,
		2 * 24 * time.Hour:  0.8,
		5 * 24 * time.Hour:  0.6,
		10 * 24 * time.Hour: 0.3,
	}
	i := 0
	for offset, want := range cases {
		due := fixedNow.Add(offset)
		tk := task(string(rune('a'+i)), "plain")
		tk.DueDate = &due
		i++
		assert.Equal(t, want, e.Score(context.Background(), tk).Factors.Deadline, "offset %s", offset)
	}
}

func TestScoreBounds(t *testing.T) {
	e := newEngine(scoring.NewRandomProvider(7))
	titles := []string{"", "bug", "Critical urgent important priority bug security production", "refactor api", "add"}
	for i, title := range titles {
		tk := task(title+string(rune('0'+i)), title)
		tk.CreatedAt = fixedNow.Add(-time.Duration(i*20) * 24 * time.Hour)
		tk.Description = strings.Repeat("word ", i*60)
		r := e.Score(context.Background(), tk)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
		for _, f := range []float64{r.Factors.Urgency, r.Factors.Importance, r.Factors.Dependencies, r.Factors.TeamWorkload, r.Factors.Deadline} {
			assert.GreaterOrEqual(t, f, 0.0)
			assert.LessOrEqual(t, f, 1.0)
		}
		assert.GreaterOrEqual(t, r.Factors.Complexity, 0.1)
		assert.LessOrEqual(t, r.Factors.Complexity, 1.0)
		assert.GreaterOrEqual(t, r.ComplexityScore, 0)
		assert.LessOrEqual(t, r.ComplexityScore, 10)
		assert.GreaterOrEqual(t, r.EstimatedHours, 2)
		assert.LessOrEqual(t, r.EstimatedHours, 8)
		assert.LessOrEqual(t, len(r.Tags), 5)
	}
}

func TestScoreIsCachedPerRevision(t *testing.T) {
	p := &countingProvider{values: scoring.Estimates{Dependencies: 0.4, TeamWorkload: 0.2}}
	e := newEngine(p)
	tk := task("t1", "feature work")

	first := e.Score(context.Background(), tk)
	second := e.Score(context.Background(), tk)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), p.calls.Load())

	tk.UpdatedAt = tk.UpdatedAt.Add(time.Second)
	e.Score(context.Background(), tk)
	assert.Equal(t, int32(2), p.calls.Load(), "new revision recomputes")

	e.Purge()
	e.Score(context.Background(), tk)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestCacheExpires(t *testing.T) {
	p := &countingProvider{}
	e := scoring.New(p, scoring.Options{CacheTTL: 20 * time.Millisecond, Now: func() time.Time { return fixedNow }})
	tk := task("t1", "x")
	e.Score(context.Background(), tk)
	time.Sleep(60 * time.Millisecond)
	e.Score(context.Background(), tk)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestFallbackOnProviderFailure(t *testing.T) {
	p := &countingProvider{err: errors.New("provider down")}
	e := newEngine(p)
	r := e.Score(context.Background(), task("t1", "Critical bug"))
	assert.True(t, r.Fallback)
	assert.Equal(t, 0.5, r.Score)
	assert.Equal(t, scoring.Factors{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, r.Factors)
	require.Len(t, r.Insights, 1)
	assert.Equal(t, scoring.InsightWarning, r.Insights[0].Type)
	assert.Contains(t, r.Insights[0].Message, "unavailable")

	e.Score(context.Background(), task("t1", "Critical bug"))
	assert.Equal(t, int32(2), p.calls.Load(), "fallbacks are not cached")

	assert.True(t, scoring.New(nil, scoring.Options{}).Score(context.Background(), task("t2", "x")).Fallback)
}

func TestScoreManyMatchesScore(t *testing.T) {
	values := scoring.Estimates{Dependencies: 0.8, TeamWorkload: 0.3}
	tasks := []domain.Task{task("a", "Security review"), task("b", "add button"), task("c", "api migration")}

	bp := &batchProvider{countingProvider: countingProvider{values: values}}
	batched := newEngine(bp).ScoreMany(context.Background(), tasks)
	assert.Equal(t, int32(1), bp.batchCalls.Load())
	assert.Equal(t, int32(0), bp.calls.Load())

	single := newEngine(scoring.StaticProvider{Values: values})
	for i, tk := range tasks {
		assert.Equal(t, single.Score(context.Background(), tk), batched[i])
	}
}

func TestScoreManyBatchFailureFallsBackPerTask(t *testing.T) {
	bp := &batchProvider{countingProvider: countingProvider{values: scoring.Estimates{Dependencies: 0.1}}, batchErr: errors.New("timeout")}
	e := newEngine(bp)
	tasks := []domain.Task{task("a", "one"), task("b", "two")}
	res := e.ScoreMany(context.Background(), tasks)
	require.Len(t, res, 2)
	for i, r := range res {
		assert.False(t, r.Fallback)
		assert.Equal(t, tasks[i].ID, r.TaskID)
	}
	assert.Equal(t, int32(2), bp.calls.Load())

	e.ScoreMany(context.Background(), tasks)
	assert.Equal(t, int32(1), bp.batchCalls.Load(), "second pass is served from cache")
}

func TestSortByPriority(t *testing.T) {
	tasks := []domain.Task{task("low", "x"), task("high", "x"), task("mid", "x")}
	results := []scoring.Result{{Score: 0.2}, {Score: 0.9}, {Score: 0.5}}
	sorted := scoring.SortByPriority(tasks, results)
	assert.Equal(t, "high", sorted[0].Task.ID)
	assert.Equal(t, "mid", sorted[1].Task.ID)
	assert.Equal(t, "low", sorted[2].Task.ID)
}

func TestHTTPProvider(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req struct {
			Tasks []struct {
				ID string `json:"id"`
			} `json:"tasks"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := map[string]any{}
		for _, tk := range req.Tasks {
			out[tk.ID] = map[string]float64{"dependencies": 0.9, "team_workload": 0.4}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"estimates": out})
	}))
	defer srv.Close()

	p := scoring.NewHTTPProvider(scoring.HTTPProviderConfig{URL: srv.URL})
	e := newEngine(p)
	res := e.ScoreMany(context.Background(), []domain.Task{task("a", "x"), task("b", "y")})
	assert.Equal(t, 0.9, res[0].Factors.Dependencies)
	assert.Equal(t, 0.4, res[1].Factors.TeamWorkload)
	assert.Contains(t, res[0].Tags, "Dependent")
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPProviderBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newEngine(scoring.NewHTTPProvider(scoring.HTTPProviderConfig{URL: srv.URL}))
	for i := 0; i < 5; i++ {
		r := e.Score(context.Background(), task("t", "x"))
		assert.True(t, r.Fallback)
	}
	assert.Equal(t, int32(3), hits.Load(), "breaker should stop calling a failing service")
}
