// Package storagetest holds behaviour tests shared by every engine.Storage adapter.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) engine.Storage

var epoch = time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

// Run exercises the full storage contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Characters", func(t *testing.T) { testCharacters(t, newStore(t)) })
	t.Run("SettleOnce", func(t *testing.T) { testSettleOnce(t, newStore(t)) })
	t.Run("SettleAbort", func(t *testing.T) { testSettleAbort(t, newStore(t)) })
	t.Run("SettleConcurrent", func(t *testing.T) { testSettleConcurrent(t, newStore(t)) })
	t.Run("Missions", func(t *testing.T) { testMissions(t, newStore(t)) })
	t.Run("Clubs", func(t *testing.T) { testClubs(t, newStore(t)) })
	t.Run("WeeklyReset", func(t *testing.T) { testWeeklyReset(t, newStore(t)) })
}

// Seed stores a level 1 character with the given wallet balance.
func Seed(t *testing.T, s engine.Storage, id core.CharacterID, balance int64) core.Character {
	t.Helper()
	c := core.Character{ID: id, Name: string(id), Position: "pivot", Level: 1, Stats: core.DefaultStats(), CreatedAt: epoch, UpdatedAt: epoch}
	w := core.Wallet{CharacterID: id, Address: string(id) + ".lupi", Balance: decimal.NewFromInt(balance), UpdatedAt: epoch}
	require.NoError(t, s.CreateCharacter(context.Background(), c, w))
	return c
}

func grant(exp int64, coins int64) engine.SettleFunc {
	return func(c core.Character, w core.Wallet) (core.Character, core.Wallet, core.SettlementRecord, error) {
		c.Experience += exp
		w.Balance = w.Balance.Add(decimal.NewFromInt(coins))
		return c, w, core.SettlementRecord{
			CharacterID:     c.ID,
			Reason:          "test",
			ExperienceDelta: exp,
			CurrencyDelta:   decimal.NewFromInt(coins),
			LevelBefore:     c.Level,
			LevelAfter:      c.Level,
			ExperienceAfter: c.Experience,
			BalanceAfter:    w.Balance,
			AppliedAt:       epoch,
		}, nil
	}
}

func withEvent(id core.EventID, fn engine.SettleFunc) engine.SettleFunc {
	return func(c core.Character, w core.Wallet) (core.Character, core.Wallet, core.SettlementRecord, error) {
		c, w, rec, err := fn(c, w)
		rec.EventID = id
		return c, w, rec, err
	}
}

func testCharacters(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	Seed(t, s, "c1", 100)

	err := s.CreateCharacter(ctx, core.Character{ID: "c1", Level: 1}, core.Wallet{CharacterID: "c1"})
	require.ErrorIs(t, err, core.ErrConflict)

	c, err := s.GetCharacter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.Name)
	assert.Equal(t, 1, c.Level)
	assert.Equal(t, 50, c.Stats[core.StatSpeed])

	w, err := s.GetWallet(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(100)), "balance %s", w.Balance)

	_, err = s.GetCharacter(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.GetWallet(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)

	updated, err := s.UpdateCharacter(ctx, "c1", func(c *core.Character) error {
		c.Stats[core.StatPower]++
		c.AvailableSkillPoints = 3
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 51, updated.Stats[core.StatPower])

	boom := errors.New("boom")
	_, err = s.UpdateCharacter(ctx, "c1", func(c *core.Character) error {
		c.AvailableSkillPoints = 99
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err = s.GetCharacter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.AvailableSkillPoints)
	assert.Equal(t, 51, c.Stats[core.StatPower])
}

func testSettleOnce(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	Seed(t, s, "c1", 100)

	rec, applied, err := s.Settle(ctx, "ev-1", "c1", withEvent("ev-1", grant(60, 80)))
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, int64(60), rec.ExperienceDelta)

	rec, applied, err = s.Settle(ctx, "ev-1", "c1", withEvent("ev-1", grant(999, 999)))
	require.NoError(t, err)
	require.False(t, applied)
	assert.Equal(t, int64(60), rec.ExperienceDelta)
	assert.True(t, rec.BalanceAfter.Equal(decimal.NewFromInt(180)))

	c, err := s.GetCharacter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), c.Experience)
	w, err := s.GetWallet(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(180)), "balance %s", w.Balance)

	stored, err := s.GetSettlement(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, core.CharacterID("c1"), stored.CharacterID)
	assert.True(t, stored.CurrencyDelta.Equal(decimal.NewFromInt(80)))

	_, err = s.GetSettlement(ctx, "ev-2")
	require.ErrorIs(t, err, core.ErrNotFound)

	_, _, err = s.Settle(ctx, "ev-3", "missing", grant(1, 1))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func testSettleAbort(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	Seed(t, s, "c1", 10)

	_, _, err := s.Settle(ctx, "ev-1", "c1", func(c core.Character, w core.Wallet) (core.Character, core.Wallet, core.SettlementRecord, error) {
		return c, w, core.SettlementRecord{}, core.ErrConflict
	})
	require.ErrorIs(t, err, core.ErrConflict)

	_, err = s.GetSettlement(ctx, "ev-1")
	require.ErrorIs(t, err, core.ErrNotFound)
	w, err := s.GetWallet(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(10)))
}

func testSettleConcurrent(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	Seed(t, s, "c1", 0)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Settle(ctx, "same", "c1", withEvent("same", grant(10, 5)))
			assert.NoError(t, err)
			mu.Lock()
			if ok {
				applied++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)

	c, err := s.GetCharacter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.Experience)
}

func testMissions(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	deadline := epoch.Add(24 * time.Hour)
	m := core.Mission{
		ID: "m1", Title: "Play", Type: "match_played", TargetValue: 3,
		RewardExp: 50, RewardCoins: 20, Scope: core.ScopeIndividual,
		Status: core.MissionActive, Deadline: &deadline, CreatedAt: epoch,
	}
	require.NoError(t, s.CreateMission(ctx, m))
	require.ErrorIs(t, s.CreateMission(ctx, m), core.ErrConflict)
	require.NoError(t, s.CreateMission(ctx, core.Mission{ID: "m2", Type: "training", TargetValue: 1, Scope: core.ScopeIndividual, Status: core.MissionActive, CreatedAt: epoch}))

	got, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TargetValue)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(deadline))

	list, err := s.ListMissionsByType(ctx, "match_played")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, core.MissionID("m1"), list[0].ID)

	_, err = s.GetProgress(ctx, "m1", "c1")
	require.ErrorIs(t, err, core.ErrNotFound)

	for _, id := range []core.CharacterID{"c1", "c2"} {
		p, err := s.UpdateMissionProgress(ctx, "m1", id, func(p *core.MissionProgress) error {
			p.ProgressValue += 2
			p.UpdatedAt = epoch
			p.MarkCounted("match-1")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), p.ProgressValue)
	}
	counted, err := s.GetProgress(ctx, "m1", "c2")
	require.NoError(t, err)
	assert.True(t, counted.Counted("match-1"))
	assert.False(t, counted.Counted("match-2"))
	done := epoch.Add(time.Minute)
	p, err := s.UpdateMissionProgress(ctx, "m1", "c1", func(p *core.MissionProgress) error {
		p.ProgressValue++
		p.CompletedAt = &done
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.ProgressValue)

	p, err = s.GetProgress(ctx, "m1", "c1")
	require.NoError(t, err)
	require.NotNil(t, p.CompletedAt)
	assert.True(t, p.CompletedAt.Equal(done))

	sum, err := s.SumMissionProgress(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)

	ok, err := s.CompleteMission(ctx, "m1", "c2", done)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CompleteMission(ctx, "m1", "c1", done)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, core.MissionCompleted, got.Status)
	assert.Equal(t, core.CharacterID("c2"), got.CompletedBy)

	// completed missions stay listed for reconciliation
	list, err = s.ListMissionsByType(ctx, "match_played")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testClubs(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	club := core.Club{ID: "club1", Name: "Lupi", CreatedBy: "owner", CreatedAt: epoch}
	require.NoError(t, s.CreateClub(ctx, club, core.ClubMembership{ClubID: "club1", CharacterID: "owner", Role: core.RoleOwner, JoinedAt: epoch}))
	require.NoError(t, s.AddMember(ctx, core.ClubMembership{ClubID: "club1", CharacterID: "m1", Role: core.RoleMember, JoinedAt: epoch}))
	require.ErrorIs(t, s.AddMember(ctx, core.ClubMembership{ClubID: "club1", CharacterID: "m1", Role: core.RoleMember, JoinedAt: epoch}), core.ErrConflict)
	require.ErrorIs(t, s.AddMember(ctx, core.ClubMembership{ClubID: "nope", CharacterID: "m2", Role: core.RoleMember, JoinedAt: epoch}), core.ErrNotFound)

	got, err := s.GetClub(ctx, "club1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MemberCount)

	_, err = s.AddContribution(ctx, "club1", "owner", 30, epoch)
	require.NoError(t, err)
	later := epoch.Add(time.Hour)
	m, err := s.AddContribution(ctx, "club1", "m1", 20, later)
	require.NoError(t, err)
	assert.Equal(t, int64(20), m.WeeklyContribution)
	assert.Equal(t, int64(20), m.TotalContribution)
	require.NotNil(t, m.LastContributionAt)
	assert.True(t, m.LastContributionAt.Equal(later))

	_, err = s.AddContribution(ctx, "club1", "stranger", 5, epoch)
	require.ErrorIs(t, err, core.ErrNotFound)

	got, err = s.GetClub(ctx, "club1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.WeeklyContribution)
	assert.Equal(t, int64(50), got.TotalContribution)

	m, err = s.SetRole(ctx, "club1", "m1", core.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, core.RoleAdmin, m.Role)

	members, err := s.ListMembers(ctx, "club1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, got.TotalContribution, core.SumContributions(members, core.WindowLifetime))

	require.NoError(t, s.RemoveMember(ctx, "club1", "m1"))
	require.ErrorIs(t, s.RemoveMember(ctx, "club1", "m1"), core.ErrNotFound)
	_, err = s.GetMembership(ctx, "m1")
	require.ErrorIs(t, err, core.ErrNotFound)

	got, err = s.GetClub(ctx, "club1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.MemberCount)
	assert.Equal(t, int64(30), got.TotalContribution)
	assert.Equal(t, int64(30), got.WeeklyContribution)

	owner, err := s.GetMembership(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, core.ClubID("club1"), owner.ClubID)
	assert.Equal(t, core.RoleOwner, owner.Role)
}

func testWeeklyReset(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateClub(ctx, core.Club{ID: "a", Name: "A", CreatedBy: "a1", CreatedAt: epoch}, core.ClubMembership{ClubID: "a", CharacterID: "a1", Role: core.RoleOwner, JoinedAt: epoch}))
	require.NoError(t, s.CreateClub(ctx, core.Club{ID: "b", Name: "B", CreatedBy: "b1", CreatedAt: epoch}, core.ClubMembership{ClubID: "b", CharacterID: "b1", Role: core.RoleOwner, JoinedAt: epoch}))
	require.NoError(t, s.AddMember(ctx, core.ClubMembership{ClubID: "a", CharacterID: "a2", Role: core.RoleMember, JoinedAt: epoch}))

	for _, c := range []struct {
		club core.ClubID
		id   core.CharacterID
		amt  int64
	}{{"a", "a1", 10}, {"a", "a2", 15}, {"b", "b1", 7}} {
		_, err := s.AddContribution(ctx, c.club, c.id, c.amt, epoch)
		require.NoError(t, err)
	}

	rows, err := s.ResetWeeklyContributions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)

	for _, id := range []core.CharacterID{"a1", "a2", "b1"} {
		m, err := s.GetMembership(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, m.WeeklyContribution, id)
		assert.Positive(t, m.TotalContribution, id)
	}
	a, err := s.GetClub(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, a.WeeklyContribution)
	assert.Equal(t, int64(25), a.TotalContribution)

	// a reset with nothing to clear is still a success
	_, err = s.ResetWeeklyContributions(ctx)
	require.NoError(t, err)
}
