package workflow

import (
	"fmt"
	"strings"

	"teamboard/internal/domain"
)

// Guard names a precondition a transition may require beyond graph membership.
type Guard string

const (
	GuardNone       Guard = ""
	GuardTransition Guard = "transition"
	GuardComment    Guard = "comment"
	GuardAssignee   Guard = "assignee"
	GuardRole       Guard = "role"
)

// AnyStatus matches every source state in a GuardRule.
const AnyStatus = "*"

// GuardRule attaches guards to the transitions it matches.
type GuardRule struct {
	From    string   `yaml:"from" json:"from"`
	To      string   `yaml:"to" json:"to"`
	Require []Guard  `yaml:"require,omitempty" json:"require,omitempty"`
	Roles   []string `yaml:"roles,omitempty" json:"roles,omitempty"`
}

func (r GuardRule) matches(from, to domain.Status) bool {
	if r.From != AnyStatus && r.From != string(from) {
		return false
	}
	return r.To == AnyStatus || r.To == string(to)
}

// Policy is the guard table; it is data so it can change without touching the graph.
type Policy struct {
	Rules []GuardRule `yaml:"guards" json:"guards"`
}

// DefaultPolicy requires a comment to cancel and for the sensitive backwards moves.
func DefaultPolicy() Policy {
	return Policy{Rules: []GuardRule{
		{From: AnyStatus, To: string(domain.StatusCancelled), Require: []Guard{GuardComment}},
		{From: string(domain.StatusPendingReview), To: string(domain.StatusRework), Require: []Guard{GuardComment}},
		{From: string(domain.StatusInProgress), To: string(domain.StatusBlocked), Require: []Guard{GuardComment}},
	}}
}

// Check verifies rule references against the state set.
func (p Policy) Check() error {
	for i, r := range p.Rules {
		if r.From != AnyStatus && !IsKnown(domain.Status(r.From)) {
			return fmt.Errorf("guard rule %d: unknown from status %q", i, r.From)
		}
		if r.To != AnyStatus && !IsKnown(domain.Status(r.To)) {
			return fmt.Errorf("guard rule %d: unknown to status %q", i, r.To)
		}
		if r.To != AnyStatus && !reachable(domain.Status(r.To)) {
			return fmt.Errorf("guard rule %d: no transition leads to %q", i, r.To)
		}
		for _, g := range r.Require {
			switch g {
			case GuardComment, GuardAssignee, GuardRole:
			default:
				return fmt.Errorf("guard rule %d: unknown guard %q", i, g)
			}
		}
		if hasGuard(r.Require, GuardRole) && len(r.Roles) == 0 {
			return fmt.Errorf("guard rule %d: role guard needs roles", i)
		}
	}
	return nil
}

// RequiredGuards collects every guard the policy attaches to from -> to.
func (p Policy) RequiredGuards(from, to domain.Status) []Guard {
	var out []Guard
	for _, r := range p.Rules {
		if !r.matches(from, to) {
			continue
		}
		for _, g := range r.Require {
			if !hasGuard(out, g) {
				out = append(out, g)
			}
		}
	}
	return out
}

// GuardContext is what the caller knows about the actor and the task.
type GuardContext struct {
	Role        string `json:"role,omitempty"`
	HasAssignee bool   `json:"has_assignee"`
	Comment     string `json:"comment,omitempty"`
}

// Decision is the typed outcome of a validation; Guard names what failed.
type Decision struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Guard  Guard  `json:"guard,omitempty"`
}

func allow() Decision { return Decision{Valid: true} }

func deny(g Guard, format string, args ...any) Decision {
	return Decision{Valid: false, Guard: g, Reason: fmt.Sprintf(format, args...)}
}

// Validate runs table membership first, then the guards in rule order.
func (p Policy) Validate(from, to domain.Status, ctx GuardContext) Decision {
	if !IsValidTransition(from, to) {
		return deny(GuardTransition, "%s -> %s is not a legal transition", from, to)
	}
	for _, r := range p.Rules {
		if !r.matches(from, to) {
			continue
		}
		for _, g := range r.Require {
			switch g {
			case GuardComment:
				if strings.TrimSpace(ctx.Comment) == "" {
					return deny(GuardComment, "a comment is required to move a task to %s", Label(to))
				}
			case GuardAssignee:
				if !ctx.HasAssignee {
					return deny(GuardAssignee, "an assignee is required to move a task to %s", Label(to))
				}
			case GuardRole:
				if !containsFold(r.Roles, ctx.Role) {
					return deny(GuardRole, "role %q may not move a task to %s", ctx.Role, Label(to))
				}
			}
		}
	}
	return allow()
}

// ValidateTransition validates against DefaultPolicy.
func ValidateTransition(from, to domain.Status, ctx GuardContext) Decision {
	return DefaultPolicy().Validate(from, to, ctx)
}

func hasGuard(gs []Guard, g Guard) bool {
	for _, x := range gs {
		if x == g {
			return true
		}
	}
	return false
}

func containsFold(items []string, v string) bool {
	for _, it := range items {
		if strings.EqualFold(it, v) {
			return true
		}
	}
	return false
}
