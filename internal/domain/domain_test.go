package domain

import (
	"errors"
	"testing"
)

func TestRequiredApprovals(t *testing.T) {
	cases := []struct {
		priority Priority
		critical bool
		want     int
	}{
		{PriorityLow, false, 1},
		{PriorityMedium, false, 1},
		{PriorityHigh, false, 2},
		{PriorityCritical, false, 3},
		{PriorityLow, true, 3},
	}
	for _, tc := range cases {
		if got := RequiredApprovals(tc.priority, tc.critical); got != tc.want {
			t.Fatalf("RequiredApprovals(%s, %v) = %d, want %d", tc.priority, tc.critical, got, tc.want)
		}
	}
}

func TestApprovalCountUsesLatestDecisionPerApprover(t *testing.T) {
	u := HotUpdate{Approvals: []Approval{
		{Approver: "a", Approved: true},
		{Approver: "a", Approved: true},
		{Approver: "b", Approved: true},
		{Approver: "b", Approved: false},
		{Approver: "c", Approved: true},
	}}
	if got := u.ApprovalCount(); got != 2 {
		t.Fatalf("expected 2 distinct approvals, got %d", got)
	}
}

func TestThresholdSatisfied(t *testing.T) {
	th := Threshold{Metric: "response_time", Operator: "<", Value: 200}
	ok, err := th.Satisfied(150)
	if err != nil || !ok {
		t.Fatalf("expected 150 < 200 to hold, got %v %v", ok, err)
	}
	ok, _ = th.Satisfied(250)
	if ok {
		t.Fatal("expected 250 < 200 to fail")
	}
	_, err = Threshold{Operator: "~"}.Satisfied(1)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	suite := Summarize([]CheckResult{{Status: CheckPass}, {Status: CheckWarning}})
	if !suite.Passed || suite.Warnings != 1 || suite.HealthStatus() != HealthDegraded {
		t.Fatalf("unexpected suite: %+v", suite)
	}
	suite = Summarize([]CheckResult{{Status: CheckPass}, {Status: CheckFail}})
	if suite.Passed || suite.Failed != 1 || suite.HealthStatus() != HealthUnhealthy {
		t.Fatalf("unexpected suite: %+v", suite)
	}
}
