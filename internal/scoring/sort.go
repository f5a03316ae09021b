package scoring

import (
	"sort"

	"teamboard/internal/domain"
)

// Scored pairs a task with its result.
type Scored struct {
	Task   domain.Task `json:"task"`
	Result Result      `json:"priority"`
}

// SortByPriority orders by descending score; ties keep the older task first, then ID.
func SortByPriority(tasks []domain.Task, results []Result) []Scored {
	out := make([]Scored, len(tasks))
	for i := range tasks {
		out[i] = Scored{Task: tasks[i], Result: results[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Result.Score != b.Result.Score {
			return a.Result.Score > b.Result.Score
		}
		if !a.Task.CreatedAt.Equal(b.Task.CreatedAt) {
			return a.Task.CreatedAt.Before(b.Task.CreatedAt)
		}
		return a.Task.ID < b.Task.ID
	})
	return out
}
