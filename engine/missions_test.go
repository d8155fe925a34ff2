package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMDESIGN8/lupiback/adapters/storagetest"
	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

func TestIndividualMissionCompletesOnce(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 0)
	ctx := context.Background()

	m, err := h.missions.CreateMission(ctx, core.Mission{Title: "Play three", Type: "match_played", TargetValue: 3, RewardExp: 50, RewardCoins: 20, Scope: core.ScopeIndividual})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, core.MissionActive, m.Status)

	out, err := h.missions.RecordEvent(ctx, "c1", "match_played", 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Progress)
	assert.False(t, out[0].Completed)
	assert.Empty(t, out[0].Rewards)

	out, err = h.missions.RecordEvent(ctx, "c1", "match_played", 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0].Progress)
	assert.True(t, out[0].Completed)
	require.Len(t, out[0].Rewards, 1)
	assert.Equal(t, engine.IndividualRewardID(m.ID, "c1"), out[0].Rewards[0].Record.EventID)

	out, err = h.missions.RecordEvent(ctx, "c1", "match_played", 1)
	require.NoError(t, err)
	assert.Empty(t, out)

	c, err := h.store.GetCharacter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), c.Experience)
	assert.Equal(t, 1, h.count(core.EventMissionCompleted))

	p, err := h.store.GetProgress(ctx, m.ID, "c1")
	require.NoError(t, err)
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, fixedNow, *p.CompletedAt)
}

func TestRecordSourceEventCountsOnce(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 0)
	ctx := context.Background()
	m, err := h.missions.CreateMission(ctx, core.Mission{Type: "training", TargetValue: 2, RewardCoins: 10, Scope: core.ScopeIndividual})
	require.NoError(t, err)

	for range 3 {
		_, err = h.missions.RecordSourceEvent(ctx, "t1", "c1", "training", 1)
		require.NoError(t, err)
	}
	view, err := h.missions.Progress(ctx, m.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Own)

	out, err := h.missions.RecordSourceEvent(ctx, "t2", "c1", "training", 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Completed)

	p, err := h.store.GetProgress(ctx, m.ID, "c1")
	require.NoError(t, err)
	assert.Empty(t, p.AppliedEvents)
}

func TestMissionRewardReconciled(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 0)
	ctx := context.Background()

	m, err := h.missions.CreateMission(ctx, core.Mission{Type: "training", TargetValue: 1, RewardExp: 40, RewardCoins: 10, Scope: core.ScopeIndividual})
	require.NoError(t, err)

	// progress committed but the reward never settled
	done := fixedNow
	_, err = h.store.UpdateMissionProgress(ctx, m.ID, "c1", func(p *core.MissionProgress) error {
		p.ProgressValue = 1
		p.CompletedAt = &done
		return nil
	})
	require.NoError(t, err)

	out, err := h.missions.RecordEvent(ctx, "c1", "training", 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].Completed)
	require.Len(t, out[0].Rewards, 1)

	out, err = h.missions.RecordEvent(ctx, "c1", "training", 1)
	require.NoError(t, err)
	assert.Empty(t, out)

	c, err := h.store.GetCharacter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), c.Experience)
}

func clubWith(t *testing.T, h *harness, owner core.CharacterID, members ...core.CharacterID) core.Club {
	t.Helper()
	ctx := context.Background()
	storagetest.Seed(t, h.store, owner, 0)
	club, err := h.clubs.CreateClub(ctx, "Lupi FC", "", owner)
	require.NoError(t, err)
	for _, id := range members {
		storagetest.Seed(t, h.store, id, 0)
		_, err := h.clubs.Join(ctx, club.ID, id)
		require.NoError(t, err)
	}
	return club
}

func TestClubMissionRewardsOncePerClub(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	club := clubWith(t, h, "a", "b")
	storagetest.Seed(t, h.store, "outsider", 0)
	ctx := context.Background()

	m, err := h.missions.CreateMission(ctx, core.Mission{Type: "club_contribution", TargetValue: 10, RewardExp: 100, RewardCoins: 50, Scope: core.ScopeClub, ClubID: club.ID})
	require.NoError(t, err)

	out, err := h.missions.RecordEvent(ctx, "outsider", "club_contribution", 50)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = h.missions.RecordEvent(ctx, "a", "club_contribution", 6)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(6), out[0].Progress)
	assert.False(t, out[0].Completed)

	out, err = h.missions.RecordEvent(ctx, "b", "club_contribution", 6)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Completed)
	assert.Equal(t, int64(10), out[0].Progress)
	require.Len(t, out[0].Rewards, 1)
	assert.Equal(t, engine.ClubRewardID(m.ID, club.ID), out[0].Rewards[0].Record.EventID)
	assert.Equal(t, core.CharacterID("b"), out[0].Rewards[0].Record.CharacterID)

	out, err = h.missions.RecordEvent(ctx, "a", "club_contribution", 6)
	require.NoError(t, err)
	assert.Empty(t, out)

	stored, err := h.missions.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, core.MissionCompleted, stored.Status)
	assert.Equal(t, core.CharacterID("b"), stored.CompletedBy)

	a, _ := h.store.GetCharacter(ctx, "a")
	b, _ := h.store.GetCharacter(ctx, "b")
	assert.Zero(t, a.Experience)
	assert.Equal(t, int64(100), b.Experience)

	view, err := h.missions.Progress(ctx, m.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), view.Own)
	assert.Equal(t, int64(12), view.Aggregate)
	assert.True(t, view.Completed)
}

func TestClubMissionPerMember(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	club := clubWith(t, h, "a", "b", "c")
	ctx := context.Background()

	m, err := h.missions.CreateMission(ctx, core.Mission{Type: "match_won", TargetValue: 2, RewardExp: 30, RewardCoins: 5, Scope: core.ScopeClub, ClubID: club.ID, PerMember: true})
	require.NoError(t, err)

	out, err := h.missions.RecordEvent(ctx, "c", "match_won", 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Completed)
	assert.Len(t, out[0].Rewards, 3)

	for _, id := range []core.CharacterID{"a", "b", "c"} {
		rec, err := h.store.GetSettlement(ctx, engine.IndividualRewardID(m.ID, id))
		require.NoError(t, err, id)
		assert.Equal(t, id, rec.CharacterID)
	}
}

func TestMissionGuards(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 0)
	ctx := context.Background()

	_, err := h.missions.RecordEvent(ctx, "c1", "match_played", -1)
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = h.missions.CreateMission(ctx, core.Mission{Type: "match_played", TargetValue: 0, Scope: core.ScopeIndividual})
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = h.missions.CreateMission(ctx, core.Mission{Type: "match_played", TargetValue: 1, Scope: core.ScopeClub, ClubID: "missing"})
	require.ErrorIs(t, err, core.ErrNotFound)

	past := fixedNow.Add(-time.Hour)
	expired, err := h.missions.CreateMission(ctx, core.Mission{Type: "match_played", TargetValue: 1, RewardExp: 10, Scope: core.ScopeIndividual, Deadline: &past})
	require.NoError(t, err)
	out, err := h.missions.RecordEvent(ctx, "c1", "match_played", 1)
	require.NoError(t, err)
	assert.Empty(t, out)
	_, err = h.missions.Advance(ctx, expired.ID, "c1", 1)
	require.ErrorIs(t, err, core.ErrInvalidState)

	single, err := h.missions.CreateMission(ctx, core.Mission{Type: "scrimmage", TargetValue: 2, RewardExp: 10, Scope: core.ScopeIndividual})
	require.NoError(t, err)
	res, err := h.missions.Advance(ctx, single.ID, "c1", 5)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	_, err = h.missions.Advance(ctx, single.ID, "c1", 1)
	require.ErrorIs(t, err, core.ErrInvalidState)

	_, err = h.missions.Advance(ctx, "nope", "c1", 1)
	require.ErrorIs(t, err, core.ErrNotFound)
}
