package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allMilestoneStatuses = []MilestoneStatus{
	MilestonePending,
	MilestoneApproved,
	MilestoneAccepted,
	MilestoneRejected,
	MilestoneReleased,
}

func TestMilestoneStatusTransitions(t *testing.T) {
	tests := []struct {
		from MilestoneStatus
		to   MilestoneStatus
		want bool
	}{
		{MilestonePending, MilestoneApproved, true},
		{MilestonePending, MilestoneAccepted, true},
		{MilestonePending, MilestoneRejected, true},
		{MilestonePending, MilestoneReleased, false},
		{MilestoneApproved, MilestoneReleased, true},
		{MilestoneAccepted, MilestoneReleased, true},
		{MilestoneApproved, MilestoneRejected, false},
		{MilestoneRejected, MilestonePending, true},
		{MilestoneRejected, MilestoneReleased, false},
		{MilestoneReleased, MilestonePending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMilestoneStatusProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	status := gen.IntRange(0, len(allMilestoneStatuses)-1).Map(func(i int) MilestoneStatus {
		return allMilestoneStatuses[i]
	})

	properties.Property("released is terminal", prop.ForAll(
		func(next MilestoneStatus) bool {
			return !MilestoneReleased.CanTransition(next)
		},
		status,
	))

	properties.Property("only releasable statuses may move to released", prop.ForAll(
		func(s MilestoneStatus) bool {
			return s.CanTransition(MilestoneReleased) == s.Releasable()
		},
		status,
	))

	properties.Property("no status transitions to itself", prop.ForAll(
		func(s MilestoneStatus) bool {
			return !s.CanTransition(s)
		},
		status,
	))

	properties.Property("unknown statuses are invalid", prop.ForAll(
		func(s string) bool {
			ms := MilestoneStatus(s)
			for _, known := range allMilestoneStatuses {
				if ms == known {
					return ms.Valid()
				}
			}
			return !ms.Valid()
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestApprovalStrategy(t *testing.T) {
	if got := StrategySingle.ApprovedStatus(); got != MilestoneApproved {
		t.Errorf("single ApprovedStatus() = %v, want %v", got, MilestoneApproved)
	}
	if got := StrategyQuorum.ApprovedStatus(); got != MilestoneAccepted {
		t.Errorf("quorum ApprovedStatus() = %v, want %v", got, MilestoneAccepted)
	}
	if StrategySingle.AllowsAppend() {
		t.Error("single strategy should not allow appended milestones")
	}
	if !StrategyQuorum.AllowsAppend() {
		t.Error("quorum strategy should allow appended milestones")
	}
}

func TestParseCampaignStatus(t *testing.T) {
	for _, s := range []string{"active", "completed", "expired"} {
		if got, ok := ParseCampaignStatus(s); !ok || string(got) != s {
			t.Errorf("ParseCampaignStatus(%q) = %v, %v", s, got, ok)
		}
	}
	for _, s := range []string{"", "Active", "cancelled"} {
		if _, ok := ParseCampaignStatus(s); ok {
			t.Errorf("ParseCampaignStatus(%q) should fail", s)
		}
	}
}
