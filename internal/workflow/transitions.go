// Package workflow holds the task status graph and the guard policy applied on top of it.
// Everything here is a pure decision function: no I/O, no state, no panics.
package workflow

import (
	"fmt"

	"teamboard/internal/domain"
)

type edge struct {
	from domain.Status
	to   []domain.Status
}

// graph is kept in declaration order; AvailableTransitions relies on it.
var graph = []edge{
	{domain.StatusAwaitingApproval, []domain.Status{domain.StatusInProgress, domain.StatusCancelled}},
	{domain.StatusApproved, []domain.Status{domain.StatusInProgress, domain.StatusOnHold, domain.StatusCancelled}},
	{domain.StatusInProgress, []domain.Status{domain.StatusPendingReview, domain.StatusBlocked, domain.StatusOnHold, domain.StatusCancelled}},
	{domain.StatusPendingReview, []domain.Status{domain.StatusDone, domain.StatusRework, domain.StatusCancelled}},
	{domain.StatusRework, []domain.Status{domain.StatusInProgress, domain.StatusCancelled}},
	{domain.StatusDone, nil},
	{domain.StatusBlocked, []domain.Status{domain.StatusInProgress, domain.StatusCancelled}},
	{domain.StatusOnHold, []domain.Status{domain.StatusInProgress, domain.StatusCancelled}},
	{domain.StatusCancelled, nil},
}

var statusLabels = map[domain.Status]string{
	domain.StatusAwaitingApproval: "Awaiting Approval",
	domain.StatusApproved:         "Approved",
	domain.StatusInProgress:       "In Progress",
	domain.StatusPendingReview:    "Pending Review",
	domain.StatusRework:           "Rework",
	domain.StatusDone:             "Done",
	domain.StatusBlocked:          "Blocked",
	domain.StatusOnHold:           "On Hold",
	domain.StatusCancelled:        "Cancelled",
}

// actionLabels name the button that moves a task into the status.
var actionLabels = map[domain.Status]string{
	domain.StatusApproved:      "Approve",
	domain.StatusInProgress:    "Start Work",
	domain.StatusPendingReview: "Submit for Review",
	domain.StatusRework:        "Request Rework",
	domain.StatusDone:          "Mark Done",
	domain.StatusBlocked:       "Mark Blocked",
	domain.StatusOnHold:        "Put On Hold",
	domain.StatusCancelled:     "Cancel",
}

// Statuses returns every state in declaration order.
func Statuses() []domain.Status {
	out := make([]domain.Status, 0, len(graph))
	for _, e := range graph {
		out = append(out, e.from)
	}
	return out
}

// ParseStatus maps a raw string onto a known state.
func ParseStatus(s string) (domain.Status, bool) {
	for _, e := range graph {
		if string(e.from) == s {
			return e.from, true
		}
	}
	return "", false
}

// IsKnown reports whether s is one of the nine workflow states.
func IsKnown(s domain.Status) bool {
	_, ok := ParseStatus(string(s))
	return ok
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s domain.Status) bool {
	return s == domain.StatusDone || s == domain.StatusCancelled
}

func outbound(from domain.Status) []domain.Status {
	for _, e := range graph {
		if e.from == from {
			return e.to
		}
	}
	return nil
}

// IsValidTransition is a plain membership test against the graph.
func IsValidTransition(from, to domain.Status) bool {
	for _, s := range outbound(from) {
		if s == to {
			return true
		}
	}
	return false
}

// Label is the display name of a state.
func Label(s domain.Status) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

type Option struct {
	Status domain.Status `json:"status"`
	Label  string        `json:"label"`
	// Requires lists the guards the team policy attaches to this move.
	Requires []Guard `json:"requires,omitempty"`
}

// AvailableTransitions lists the outbound states of from, in declaration order.
func AvailableTransitions(from domain.Status) []Option {
	next := outbound(from)
	out := make([]Option, 0, len(next))
	for _, s := range next {
		label, ok := actionLabels[s]
		if !ok {
			label = Label(s)
		}
		out = append(out, Option{Status: s, Label: label})
	}
	return out
}

// Limit caps the options offered to a user; n <= 0 means no cap.
func Limit(opts []Option, n int) []Option {
	if n <= 0 || len(opts) <= n {
		return opts
	}
	return opts[:n]
}

// reachable reports whether s can be reached from the entry state by following the graph.
func reachable(s domain.Status) bool {
	seen := map[domain.Status]bool{domain.StatusAwaitingApproval: true}
	queue := []domain.Status{domain.StatusAwaitingApproval}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == s {
			return true
		}
		for _, n := range outbound(cur) {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

type Notification struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// DescribeTransition builds the notification shown after a status change.
func DescribeTransition(from, to domain.Status, taskTitle string) Notification {
	n := Notification{
		Title:       fmt.Sprintf("Task moved to %s", Label(to)),
		Description: fmt.Sprintf("%q moved from %s to %s", taskTitle, Label(from), Label(to)),
		Severity:    SeverityInfo,
	}
	switch to {
	case domain.StatusCancelled:
		n.Title = "Task cancelled"
		n.Severity = SeverityError
	case domain.StatusBlocked:
		n.Title = "Task blocked"
		n.Severity = SeverityError
	case domain.StatusDone:
		n.Title = "Task completed"
	case domain.StatusInProgress:
		if from == domain.StatusAwaitingApproval {
			n.Title = "Request approved"
		}
	}
	return n
}
