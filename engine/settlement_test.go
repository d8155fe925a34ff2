package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "github.com/CMDESIGN8/lupiback/adapters/memory"
	"github.com/CMDESIGN8/lupiback/adapters/storagetest"
	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

var fixedNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type harness struct {
	store      *mem.Store
	bus        *engine.EventBus
	settlement *engine.SettlementEngine
	missions   *engine.MissionTracker
	clubs      *engine.ClubAggregator
	svc        *engine.Service
	events     []core.Event
}

func newHarness(t *testing.T, cfg engine.SettlementConfig) *harness {
	t.Helper()
	if cfg.PointsPerLevel == 0 {
		cfg.PointsPerLevel = core.DefaultPointsPerLevel
	}
	h := &harness{store: mem.New(), bus: engine.NewEventBus(engine.DispatchSync)}
	var err error
	h.settlement, err = engine.NewSettlementEngine(h.store, core.DefaultLevelCurve(), core.DefaultRewardPolicy(), h.bus, cfg, nil, fixedClock)
	require.NoError(t, err)
	h.missions = engine.NewMissionTracker(h.store, h.settlement, h.bus, nil, fixedClock)
	h.clubs = engine.NewClubAggregator(h.store, h.bus, nil, fixedClock)
	h.svc = engine.NewService(h.store, h.bus, h.settlement, h.missions, h.clubs, engine.ServiceConfig{StartingBalance: decimal.NewFromInt(100), Seed: 7}, nil)
	var mu sync.Mutex
	h.bus.SubscribeAll(func(ctx context.Context, e core.Event) {
		mu.Lock()
		h.events = append(h.events, e)
		mu.Unlock()
	}, core.EventSettlementApplied, core.EventLevelUp, core.EventMissionProgressed,
		core.EventMissionCompleted, core.EventContributionAdded, core.EventWeeklyReset)
	return h
}

func (h *harness) count(typ core.EventType) int {
	n := 0
	for _, e := range h.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func coins(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestSettleLevelsUpAcrossThresholds(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 100)

	res, err := h.settlement.Settle(context.Background(), engine.SettleRequest{
		EventID: "match-1", CharacterID: "c1", Experience: 250, Coins: coins(80), Reason: "match_win",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, 2, res.LevelsGained)
	assert.Equal(t, 3, res.Character.Level)
	assert.Equal(t, int64(250), res.Character.Experience)
	assert.Equal(t, 10, res.Character.AvailableSkillPoints)
	assert.True(t, res.Wallet.Balance.Equal(coins(180)))
	assert.Equal(t, 1, res.Record.LevelBefore)
	assert.Equal(t, 3, res.Record.LevelAfter)
	assert.Equal(t, fixedNow, res.Record.AppliedAt)

	assert.Equal(t, 1, h.count(core.EventSettlementApplied))
	require.Equal(t, 1, h.count(core.EventLevelUp))
	for _, e := range h.events {
		if e.Type == core.EventLevelUp {
			assert.Equal(t, 2, e.LevelsGained)
			assert.Equal(t, 3, e.Level)
		}
	}
}

func TestSettleReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 0)
	ctx := context.Background()
	req := engine.SettleRequest{EventID: "ev", CharacterID: "c1", Experience: 60, Coins: coins(80)}

	first, err := h.settlement.Settle(ctx, req)
	require.NoError(t, err)
	second, err := h.settlement.Settle(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record, second.Record)
	assert.Equal(t, int64(60), second.Character.Experience)
	assert.True(t, second.Wallet.Balance.Equal(coins(80)))
	assert.Equal(t, 1, h.count(core.EventSettlementApplied))
}

func TestSettleReplayMismatch(t *testing.T) {
	ctx := context.Background()

	t.Run("lenient", func(t *testing.T) {
		h := newHarness(t, engine.SettlementConfig{})
		storagetest.Seed(t, h.store, "c1", 0)
		_, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: "ev", CharacterID: "c1", Experience: 60, Coins: coins(80)})
		require.NoError(t, err)

		res, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: "ev", CharacterID: "c1", Experience: 999, Coins: coins(1)})
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Equal(t, int64(60), res.Record.ExperienceDelta)
		assert.Equal(t, int64(60), res.Character.Experience)
	})

	t.Run("strict", func(t *testing.T) {
		h := newHarness(t, engine.SettlementConfig{StrictReplay: true})
		storagetest.Seed(t, h.store, "c1", 0)
		_, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: "ev", CharacterID: "c1", Experience: 60, Coins: coins(80)})
		require.NoError(t, err)

		_, err = h.settlement.Settle(ctx, engine.SettleRequest{EventID: "ev", CharacterID: "c1", Experience: 999, Coins: coins(1)})
		require.ErrorIs(t, err, core.ErrInvalidState)

		res, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: "ev", CharacterID: "c1", Experience: 60, Coins: coins(80)})
		require.NoError(t, err)
		assert.True(t, res.Replayed)
	})
}

func TestSettleOutcomeReplayMismatch(t *testing.T) {
	ctx := context.Background()
	win := engine.OutcomeRequest{EventID: "e1", CharacterID: "c1", Kind: core.OutcomeWin, OpponentLevel: 1}

	t.Run("strict", func(t *testing.T) {
		h := newHarness(t, engine.SettlementConfig{StrictReplay: true})
		storagetest.Seed(t, h.store, "c1", 0)
		storagetest.Seed(t, h.store, "c2", 0)
		_, err := h.settlement.SettleOutcome(ctx, win)
		require.NoError(t, err)

		loss := win
		loss.Kind = core.OutcomeLoss
		_, err = h.settlement.SettleOutcome(ctx, loss)
		require.ErrorIs(t, err, core.ErrInvalidState)

		other := win
		other.CharacterID = "c2"
		_, err = h.settlement.SettleOutcome(ctx, other)
		require.ErrorIs(t, err, core.ErrInvalidState)

		res, err := h.settlement.SettleOutcome(ctx, win)
		require.NoError(t, err)
		assert.True(t, res.Replayed)
	})

	t.Run("lenient", func(t *testing.T) {
		h := newHarness(t, engine.SettlementConfig{})
		storagetest.Seed(t, h.store, "c1", 0)
		_, err := h.settlement.SettleOutcome(ctx, win)
		require.NoError(t, err)

		loss := win
		loss.Kind = core.OutcomeLoss
		res, err := h.settlement.SettleOutcome(ctx, loss)
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Equal(t, engine.OutcomeReason(core.OutcomeWin), res.Record.Reason)
	})
}

func TestSettleRejectsNegativeBalance(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 10)
	ctx := context.Background()

	_, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: "spend", CharacterID: "c1", Coins: coins(-11)})
	require.ErrorIs(t, err, core.ErrConflict)

	_, found, err := h.settlement.Lookup(ctx, "spend")
	require.NoError(t, err)
	assert.False(t, found)

	res, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: "spend", CharacterID: "c1", Coins: coins(-10)})
	require.NoError(t, err)
	assert.True(t, res.Wallet.Balance.IsZero())
}

func TestSettleNegativeExperienceKeepsLevel(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 0)
	ctx := context.Background()

	_, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: "a", CharacterID: "c1", Experience: 210})
	require.NoError(t, err)
	res, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: "b", CharacterID: "c1", Experience: -500})
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.Character.Experience)
	assert.Equal(t, 3, res.Character.Level)
	assert.False(t, res.LeveledUp)
	assert.Equal(t, 10, res.Character.AvailableSkillPoints)
}

func TestSettleValidation(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	ctx := context.Background()

	_, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: " ", CharacterID: "c1"})
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = h.settlement.Settle(ctx, engine.SettleRequest{EventID: "e", CharacterID: "c1", BonusSkillPoints: -1})
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = h.settlement.Settle(ctx, engine.SettleRequest{EventID: "e", CharacterID: "ghost"})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestSettleBonusSkillPoints(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 0)

	res, err := h.settlement.Settle(context.Background(), engine.SettleRequest{EventID: "e", CharacterID: "c1", Experience: 100, BonusSkillPoints: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Character.Level)
	assert.Equal(t, 7, res.Record.SkillPointsGranted)
}

func TestSettleConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 0)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make([]engine.SettlementResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.settlement.Settle(ctx, engine.SettleRequest{
				EventID: "dup", CharacterID: "c1", Experience: int64(10 + i), Coins: coins(1),
				Reason: fmt.Sprintf("worker-%d", i),
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Replayed {
			fresh++
		}
		assert.Equal(t, results[0].Record.EventID, results[i].Record.EventID)
	}
	assert.Equal(t, 1, fresh)

	c, err := h.store.GetCharacter(ctx, "c1")
	require.NoError(t, err)
	rec, err := h.store.GetSettlement(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, rec.ExperienceDelta, c.Experience)
	assert.Equal(t, 1, h.count(core.EventSettlementApplied))
}

func TestSettleOutcomeUsesRewardPolicy(t *testing.T) {
	h := newHarness(t, engine.SettlementConfig{})
	storagetest.Seed(t, h.store, "c1", 0)
	ctx := context.Background()

	_, err := h.settlement.Settle(ctx, engine.SettleRequest{EventID: "boost", CharacterID: "c1", Experience: 250})
	require.NoError(t, err)

	res, err := h.settlement.SettleOutcome(ctx, engine.OutcomeRequest{EventID: "m1", CharacterID: "c1", Kind: core.OutcomeWin, OpponentLevel: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(72), res.Record.ExperienceDelta)
	assert.True(t, res.Record.CurrencyDelta.Equal(coins(96)))
	assert.Equal(t, "match_win", res.Record.Reason)

	// level changed since; a replay must not be re-priced
	_, err = h.settlement.Settle(ctx, engine.SettleRequest{EventID: "boost-2", CharacterID: "c1", Experience: 5000})
	require.NoError(t, err)
	again, err := h.settlement.SettleOutcome(ctx, engine.OutcomeRequest{EventID: "m1", CharacterID: "c1", Kind: core.OutcomeWin, OpponentLevel: 5})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(72), again.Record.ExperienceDelta)

	_, err = h.settlement.SettleOutcome(ctx, engine.OutcomeRequest{EventID: "m2", CharacterID: "c1", Kind: "forfeit"})
	require.ErrorIs(t, err, core.ErrValidation)
}
