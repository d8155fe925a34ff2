package core

import "sort"

// ContributionWindow selects which contribution counter a report uses.
type ContributionWindow string

const (
	WindowWeekly   ContributionWindow = "weekly"
	WindowLifetime ContributionWindow = "lifetime"
)

// RankMembers orders members by weekly contribution descending. Ties go to the
// earliest last contribution; members that never contributed sort after those
// that did. The input slice is not modified.
func RankMembers(members []ClubMembership) []ClubMembership {
	out := append([]ClubMembership(nil), members...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.WeeklyContribution != b.WeeklyContribution {
			return a.WeeklyContribution > b.WeeklyContribution
		}
		switch {
		case a.LastContributionAt == nil && b.LastContributionAt == nil:
		case a.LastContributionAt == nil:
			return false
		case b.LastContributionAt == nil:
			return true
		case !a.LastContributionAt.Equal(*b.LastContributionAt):
			return a.LastContributionAt.Before(*b.LastContributionAt)
		}
		return a.CharacterID < b.CharacterID
	})
	return out
}

// SumContributions totals the members' counters for the window.
func SumContributions(members []ClubMembership, window ContributionWindow) int64 {
	var total int64
	for _, m := range members {
		if window == WindowWeekly {
			total += m.WeeklyContribution
		} else {
			total += m.TotalContribution
		}
	}
	return total
}
