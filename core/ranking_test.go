package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRankMembers(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	members := []ClubMembership{
		{CharacterID: "late", WeeklyContribution: 50, LastContributionAt: &t1},
		{CharacterID: "idle", WeeklyContribution: 0},
		{CharacterID: "top", WeeklyContribution: 80, LastContributionAt: &t1},
		{CharacterID: "early", WeeklyContribution: 50, LastContributionAt: &t0},
	}
	ranked := RankMembers(members)
	got := make([]CharacterID, 0, len(ranked))
	for _, m := range ranked {
		got = append(got, m.CharacterID)
	}
	assert.Equal(t, []CharacterID{"top", "early", "late", "idle"}, got)
	assert.Equal(t, CharacterID("late"), members[0].CharacterID, "input must stay untouched")
}

func TestSumContributions(t *testing.T) {
	members := []ClubMembership{
		{WeeklyContribution: 5, TotalContribution: 50},
		{WeeklyContribution: 7, TotalContribution: 70},
	}
	assert.Equal(t, int64(12), SumContributions(members, WindowWeekly))
	assert.Equal(t, int64(120), SumContributions(members, WindowLifetime))
}
