package scoring

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"teamboard/internal/domain"
)

var (
	highSignalWords    = []string{"critical", "urgent", "important", "priority", "bug", "security", "production"}
	mediumSignalWords  = []string{"feature", "enhancement", "improvement", "optimization"}
	complexSignalWords = []string{"integration", "migration", "refactor", "architecture", "database", "api", "algorithm"}
	simpleSignalWords  = []string{"fix", "update", "change", "add", "remove"}
)

// Weights of the composite score; they sum to 1.
var Weights = Factors{
	Urgency:      0.25,
	Importance:   0.30,
	Dependencies: 0.15,
	TeamWorkload: 0.10,
	Deadline:     0.15,
	Complexity:   0.05,
}

type contentTag struct {
	tag   string
	words []string
}

var contentTags = []contentTag{
	{"Bug", []string{"bug", "defect", "crash"}},
	{"Feature", []string{"feature"}},
	{"Security", []string{"security", "vulnerability", "auth"}},
	{"Performance", []string{"performance", "optimization", "slow", "latency"}},
}

const maxTags = 5

func taskText(t domain.Task) string {
	return strings.ToLower(t.Title + " " + t.Description)
}

func countMatches(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// urgencyFactor ramps linearly with age and saturates at 30 days.
func urgencyFactor(t domain.Task, now time.Time) float64 {
	if t.CreatedAt.IsZero() {
		return 0
	}
	ageDays := now.Sub(t.CreatedAt).Hours() / 24
	return clamp(ageDays/30, 0, 1)
}

func deadlineFactor(t domain.Task, now time.Time) float64 {
	if t.DueDate == nil {
		return 0.5
	}
	days := t.DueDate.Sub(now).Hours() / 24
	switch {
	case days <= 1:
		return 1
	case days < 3:
		return 0.8
	case days < 7:
		return 0.6
	default:
		return 0.3
	}
}

func importanceFactor(t domain.Task) float64 {
	text := taskText(t)
	v := 0.5
	v += 0.2 * float64(countMatches(text, highSignalWords))
	v += 0.1 * float64(countMatches(text, mediumSignalWords))
	switch t.Status {
	case domain.StatusBlocked:
		v += 0.3
	case domain.StatusPendingReview:
		v += 0.2
	}
	return clamp(v, 0, 1)
}

func complexityFactor(t domain.Task) float64 {
	text := taskText(t)
	v := 0.3
	v += 0.2 * float64(countMatches(text, complexSignalWords))
	v -= 0.1 * float64(countMatches(text, simpleSignalWords))
	n := utf8.RuneCountInString(t.Description)
	if n > 500 {
		v += 0.2
	} else if n > 200 {
		v += 0.1
	}
	return clamp(v, 0.1, 1)
}

func deriveTags(t domain.Task, f Factors) []string {
	var tags []string
	add := func(tag string) {
		if len(tags) >= maxTags {
			return
		}
		for _, x := range tags {
			if x == tag {
				return
			}
		}
		tags = append(tags, tag)
	}
	if f.Urgency > 0.7 {
		add("Urgent")
	}
	if f.Importance > 0.7 {
		add("Important")
	}
	if f.Complexity > 0.7 {
		add("Complex")
	}
	if f.Deadline > 0.8 {
		add("Due Soon")
	}
	if f.Dependencies > 0.7 {
		add("Dependent")
	}
	text := taskText(t)
	for _, ct := range contentTags {
		if countMatches(text, ct.words) > 0 {
			add(ct.tag)
		}
	}
	return tags
}

func deriveInsights(score float64, f Factors) []Insight {
	var out []Insight
	switch {
	case score > 0.8:
		out = append(out, Insight{Type: InsightPriority, Message: "High priority: address this task soon", Confidence: score})
	case score < 0.3:
		out = append(out, Insight{Type: InsightPriority, Message: "Low priority: can be scheduled later", Confidence: 1 - score})
	}
	if f.Deadline > 0.8 {
		out = append(out, Insight{Type: InsightWarning, Message: "Deadline is approaching", Confidence: f.Deadline})
	}
	if f.Complexity > 0.7 {
		out = append(out, Insight{Type: InsightRecommendation, Message: "Complex task: consider splitting into subtasks", Confidence: f.Complexity})
	}
	if f.Dependencies > 0.7 {
		out = append(out, Insight{Type: InsightRecommendation, Message: "Many dependencies: coordinate with team", Confidence: f.Dependencies})
	}
	return out
}
