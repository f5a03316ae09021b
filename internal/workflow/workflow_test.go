package workflow_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamboard/internal/domain"
	"teamboard/internal/workflow"
)

var expectedGraph = map[domain.Status][]domain.Status{
	domain.StatusAwaitingApproval: {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusApproved:         {domain.StatusInProgress, domain.StatusOnHold, domain.StatusCancelled},
	domain.StatusInProgress:       {domain.StatusPendingReview, domain.StatusBlocked, domain.StatusOnHold, domain.StatusCancelled},
	domain.StatusPendingReview:    {domain.StatusDone, domain.StatusRework, domain.StatusCancelled},
	domain.StatusRework:           {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusDone:             {},
	domain.StatusBlocked:          {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusOnHold:           {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusCancelled:        {},
}

func TestTransitionClosure(t *testing.T) {
	require.Len(t, workflow.Statuses(), 9)
	for _, from := range workflow.Statuses() {
		want := expectedGraph[from]
		got := workflow.AvailableTransitions(from)
		require.Len(t, got, len(want), "outbound set of %s", from)
		for i, opt := range got {
			assert.Equal(t, want[i], opt.Status, "order of %s", from)
			assert.NotEmpty(t, opt.Label)
		}
		for _, to := range workflow.Statuses() {
			allowed := false
			for _, w := range want {
				if w == to {
					allowed = true
				}
			}
			assert.Equal(t, allowed, workflow.IsValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusDone, domain.StatusCancelled} {
		assert.True(t, workflow.IsTerminal(s))
		assert.Empty(t, workflow.AvailableTransitions(s))
		for _, to := range workflow.Statuses() {
			assert.False(t, workflow.IsValidTransition(s, to))
		}
	}
	assert.False(t, workflow.IsValidTransition("bogus", domain.StatusDone))
	assert.Empty(t, workflow.AvailableTransitions("bogus"))
}

func TestCommentGuard(t *testing.T) {
	d := workflow.ValidateTransition(domain.StatusPendingReview, domain.StatusRework, workflow.GuardContext{Comment: ""})
	if d.Valid {
		t.Fatalf("expected rework without comment to be rejected")
	}
	if !strings.Contains(d.Reason, "comment") {
		t.Fatalf("reason should mention comment: %q", d.Reason)
	}
	assert.Equal(t, workflow.GuardComment, d.Guard)

	d = workflow.ValidateTransition(domain.StatusPendingReview, domain.StatusRework, workflow.GuardContext{Comment: "tests fail on CI"})
	assert.True(t, d.Valid)

	d = workflow.ValidateTransition(domain.StatusAwaitingApproval, domain.StatusCancelled, workflow.GuardContext{Comment: "   "})
	assert.False(t, d.Valid)
	assert.Equal(t, workflow.GuardComment, d.Guard)

	d = workflow.ValidateTransition(domain.StatusInProgress, domain.StatusBlocked, workflow.GuardContext{})
	assert.False(t, d.Valid)

	d = workflow.ValidateTransition(domain.StatusAwaitingApproval, domain.StatusInProgress, workflow.GuardContext{})
	assert.True(t, d.Valid, "approval needs no comment by default")
}

func TestIllegalTransitionReason(t *testing.T) {
	d := workflow.ValidateTransition(domain.StatusDone, domain.StatusInProgress, workflow.GuardContext{Comment: "x"})
	assert.False(t, d.Valid)
	assert.Equal(t, workflow.GuardTransition, d.Guard)
	assert.Contains(t, d.Reason, "not a legal transition")
}

func TestConfiguredAssigneeAndRoleGuards(t *testing.T) {
	p := workflow.Policy{Rules: []workflow.GuardRule{
		{From: "in_progress", To: "pending_review", Require: []workflow.Guard{workflow.GuardAssignee}},
		{From: "pending_review", To: "done", Require: []workflow.Guard{workflow.GuardRole}, Roles: []string{"lead"}},
	}}
	require.NoError(t, p.Check())

	d := p.Validate(domain.StatusInProgress, domain.StatusPendingReview, workflow.GuardContext{})
	assert.False(t, d.Valid)
	assert.Contains(t, d.Reason, "assignee")
	assert.Equal(t, workflow.GuardAssignee, d.Guard)
	assert.True(t, p.Validate(domain.StatusInProgress, domain.StatusPendingReview, workflow.GuardContext{HasAssignee: true}).Valid)

	d = p.Validate(domain.StatusPendingReview, domain.StatusDone, workflow.GuardContext{Role: "member"})
	assert.False(t, d.Valid)
	assert.Contains(t, d.Reason, "role")
	assert.True(t, p.Validate(domain.StatusPendingReview, domain.StatusDone, workflow.GuardContext{Role: "Lead"}).Valid)

	// no default comment rule in this policy
	assert.True(t, p.Validate(domain.StatusRework, domain.StatusCancelled, workflow.GuardContext{}).Valid)
}

func TestPolicyCheck(t *testing.T) {
	require.NoError(t, workflow.DefaultPolicy().Check())
	bad := []workflow.Policy{
		{Rules: []workflow.GuardRule{{From: "nope", To: "done"}}},
		{Rules: []workflow.GuardRule{{From: "*", To: "later"}}},
		{Rules: []workflow.GuardRule{{From: "*", To: "*", Require: []workflow.Guard{"signature"}}}},
		{Rules: []workflow.GuardRule{{From: "*", To: "done", Require: []workflow.Guard{workflow.GuardRole}}}},
		{Rules: []workflow.GuardRule{{From: "*", To: "approved", Require: []workflow.Guard{workflow.GuardComment}}}},
	}
	for i, p := range bad {
		assert.Error(t, p.Check(), "policy %d", i)
	}
	assert.Equal(t, []workflow.Guard{workflow.GuardComment},
		workflow.DefaultPolicy().RequiredGuards(domain.StatusPendingReview, domain.StatusCancelled))
}

func TestDescribeTransitionSeverity(t *testing.T) {
	n := workflow.DescribeTransition(domain.StatusInProgress, domain.StatusCancelled, "Ship it")
	assert.Equal(t, workflow.SeverityError, n.Severity)
	assert.Contains(t, n.Description, "Ship it")
	assert.Equal(t, workflow.SeverityError, workflow.DescribeTransition(domain.StatusInProgress, domain.StatusBlocked, "x").Severity)
	assert.Equal(t, workflow.SeverityInfo, workflow.DescribeTransition(domain.StatusPendingReview, domain.StatusDone, "x").Severity)
	assert.Equal(t, "Request approved", workflow.DescribeTransition(domain.StatusAwaitingApproval, domain.StatusInProgress, "x").Title)
}

func TestReachabilityAndLimit(t *testing.T) {
	for _, to := range []string{"done", "rework", "on_hold"} {
		p := workflow.Policy{Rules: []workflow.GuardRule{{From: "*", To: to, Require: []workflow.Guard{workflow.GuardComment}}}}
		assert.NoError(t, p.Check(), to)
	}

	opts := workflow.AvailableTransitions(domain.StatusInProgress)
	assert.Len(t, workflow.Limit(opts, 2), 2)
	assert.Len(t, workflow.Limit(opts, 0), 4)

	s, ok := workflow.ParseStatus("on_hold")
	assert.True(t, ok)
	assert.Equal(t, domain.StatusOnHold, s)
	_, ok = workflow.ParseStatus("archived")
	assert.False(t, ok)
}
