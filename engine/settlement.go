package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/CMDESIGN8/lupiback/core"
)

const defaultReplayCacheSize = 4096

// SettleRequest is one experience/currency grant keyed by its event id.
type SettleRequest struct {
	EventID          core.EventID     `json:"event_id"`
	CharacterID      core.CharacterID `json:"character_id"`
	Experience       int64            `json:"experience"`
	Coins            decimal.Decimal  `json:"coins"`
	BonusSkillPoints int              `json:"bonus_skill_points,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// OutcomeRequest settles a match outcome through the reward policy.
// A zero ActorLevel means the character's persisted level.
type OutcomeRequest struct {
	EventID       core.EventID     `json:"event_id"`
	CharacterID   core.CharacterID `json:"character_id"`
	Kind          core.OutcomeKind `json:"kind"`
	ActorLevel    int              `json:"actor_level,omitempty"`
	OpponentLevel int              `json:"opponent_level"`
}

// SettlementResult is what a settlement produced. On replay Record is the
// stored record and Character/Wallet are the current snapshots.
type SettlementResult struct {
	Record       core.SettlementRecord `json:"record"`
	Character    core.Character        `json:"character"`
	Wallet       core.Wallet           `json:"wallet"`
	LeveledUp    bool                  `json:"leveled_up"`
	LevelsGained int                   `json:"levels_gained"`
	Replayed     bool                  `json:"replayed"`
}

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	// PointsPerLevel is the skill point grant per level gained.
	PointsPerLevel int
	// StrictReplay turns a replay with a different payload into ErrInvalidState
	// instead of returning the stored result.
	StrictReplay bool
	// ReplayCacheSize bounds the in-process cache of committed records.
	ReplayCacheSize int
}

type settlementBackend interface {
	CharacterStore
	SettlementStore
}

// SettlementEngine is the only writer of experience, levels and wallet balances.
type SettlementEngine struct {
	store          settlementBackend
	curve          *core.LevelCurve
	policy         core.RewardPolicy
	bus            *EventBus
	logger         *slog.Logger
	clock          Clock
	pointsPerLevel int
	strict         bool

	inflight singleflight.Group
	// committed records never change, so caching them cannot go stale
	replays *lru.Cache
}

func NewSettlementEngine(store settlementBackend, curve *core.LevelCurve, policy core.RewardPolicy, bus *EventBus, cfg SettlementConfig, logger *slog.Logger, clock Clock) (*SettlementEngine, error) {
	if store == nil || curve == nil || bus == nil {
		return nil, errors.New("settlement engine requires non-nil storage, curve and bus")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = systemClock
	}
	if cfg.PointsPerLevel < 0 {
		return nil, fmt.Errorf("%w: points per level cannot be negative", core.ErrValidation)
	}
	size := cfg.ReplayCacheSize
	if size <= 0 {
		size = defaultReplayCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	return &SettlementEngine{
		store:          store,
		curve:          curve,
		policy:         policy,
		bus:            bus,
		logger:         logger.With("component", "settlement"),
		clock:          clock,
		pointsPerLevel: cfg.PointsPerLevel,
		strict:         cfg.StrictReplay,
		replays:        cache,
	}, nil
}

// Curve exposes the level curve used for settlements.
func (e *SettlementEngine) Curve() *core.LevelCurve { return e.curve }

// Policy exposes the reward policy used for outcomes.
func (e *SettlementEngine) Policy() core.RewardPolicy { return e.policy }

// Settle applies req exactly once per event id.
func (e *SettlementEngine) Settle(ctx context.Context, req SettleRequest) (SettlementResult, error) {
	req, err := normalizeSettleRequest(req)
	if err != nil {
		return SettlementResult{}, err
	}
	if rec, ok := e.cached(req.EventID); ok {
		return e.replay(ctx, req, rec)
	}
	v, err, _ := e.inflight.Do(string(req.EventID), func() (any, error) {
		return e.settleOnce(ctx, req)
	})
	if err != nil {
		return SettlementResult{}, err
	}
	res := v.(SettlementResult)
	// callers coalesced onto another request's flight may carry a different payload
	if !matchesRecord(req, res.Record) {
		if err := e.mismatch(req, res.Record); err != nil {
			return SettlementResult{}, err
		}
		res.Replayed = true
	}
	res.Character = res.Character.Clone()
	return res, nil
}

// SettleOutcome grants the policy reward for a match outcome.
func (e *SettlementEngine) SettleOutcome(ctx context.Context, req OutcomeRequest) (SettlementResult, error) {
	eventID, err := core.NormalizeID(string(req.EventID))
	if err != nil {
		return SettlementResult{}, err
	}
	charID, err := core.NormalizeID(string(req.CharacterID))
	if err != nil {
		return SettlementResult{}, fmt.Errorf("character id: %w", err)
	}
	req.CharacterID = core.CharacterID(charID)
	if _, err := core.ParseOutcome(string(req.Kind)); err != nil {
		return SettlementResult{}, err
	}
	// a replay must not be re-priced against the character's current level
	if rec, ok, err := e.Lookup(ctx, core.EventID(eventID)); err != nil {
		return SettlementResult{}, err
	} else if ok {
		return e.ReplayOf(ctx, rec, req.CharacterID, OutcomeReason(req.Kind))
	}

	actorLevel := req.ActorLevel
	if actorLevel <= 0 {
		c, err := e.store.GetCharacter(ctx, req.CharacterID)
		if err != nil {
			return SettlementResult{}, err
		}
		actorLevel = c.Level
	}
	reward, err := e.policy.RewardFor(req.Kind, actorLevel, req.OpponentLevel)
	if err != nil {
		return SettlementResult{}, err
	}
	return e.Settle(ctx, SettleRequest{
		EventID:     core.EventID(eventID),
		CharacterID: req.CharacterID,
		Experience:  reward.Exp,
		Coins:       decimal.NewFromInt(reward.Coins),
		Reason:      OutcomeReason(req.Kind),
	})
}

// OutcomeReason is the settlement reason recorded for a match outcome.
func OutcomeReason(kind core.OutcomeKind) string { return "match_" + string(kind) }

// ReplayOf returns the stored result of rec for a caller that asked for
// characterID and reason. An empty reason matches any. A mismatch follows the
// replay policy: InvalidState in strict mode, the stored result otherwise.
func (e *SettlementEngine) ReplayOf(ctx context.Context, rec core.SettlementRecord, characterID core.CharacterID, reason string) (SettlementResult, error) {
	if rec.CharacterID != characterID || (reason != "" && rec.Reason != reason) {
		req := SettleRequest{EventID: rec.EventID, CharacterID: characterID, Reason: reason}
		if err := e.mismatch(req, rec); err != nil {
			return SettlementResult{}, err
		}
	}
	return e.snapshot(ctx, rec, true)
}

// Lookup returns the committed record for eventID, if any.
func (e *SettlementEngine) Lookup(ctx context.Context, eventID core.EventID) (core.SettlementRecord, bool, error) {
	if rec, ok := e.cached(eventID); ok {
		return rec, true, nil
	}
	rec, err := e.store.GetSettlement(ctx, eventID)
	if errors.Is(err, core.ErrNotFound) {
		return core.SettlementRecord{}, false, nil
	}
	if err != nil {
		return core.SettlementRecord{}, false, err
	}
	e.replays.Add(eventID, rec)
	return rec, true, nil
}

func (e *SettlementEngine) settleOnce(ctx context.Context, req SettleRequest) (SettlementResult, error) {
	var (
		after  core.Character
		wallet core.Wallet
	)
	// adapters may retry fn on contention; only the last call's output is committed
	rec, applied, err := e.store.Settle(ctx, req.EventID, req.CharacterID, func(c core.Character, w core.Wallet) (core.Character, core.Wallet, core.SettlementRecord, error) {
		nc, nw, rec, err := e.apply(req, c, w)
		after, wallet = nc, nw
		return nc, nw, rec, err
	})
	if err != nil {
		return SettlementResult{}, err
	}
	e.replays.Add(req.EventID, rec)

	if !applied {
		e.logger.Debug("settlement replayed", "event_id", req.EventID, "character_id", rec.CharacterID)
		return e.snapshot(ctx, rec, true)
	}

	e.logger.Info("settlement applied",
		"event_id", rec.EventID,
		"character_id", rec.CharacterID,
		"reason", rec.Reason,
		"experience", rec.ExperienceDelta,
		"coins", rec.CurrencyDelta.String(),
		"level", rec.LevelAfter)
	e.bus.Publish(ctx, core.NewSettlementApplied(rec))
	if rec.LevelsGained() > 0 {
		e.bus.Publish(ctx, core.NewLevelUp(rec))
	}
	return SettlementResult{
		Record:       rec,
		Character:    after,
		Wallet:       wallet,
		LeveledUp:    rec.LevelsGained() > 0,
		LevelsGained: rec.LevelsGained(),
	}, nil
}

// apply computes the settlement. Level never regresses, even for negative grants.
func (e *SettlementEngine) apply(req SettleRequest, c core.Character, w core.Wallet) (core.Character, core.Wallet, core.SettlementRecord, error) {
	newExp, err := core.AddSafe(c.Experience, req.Experience)
	if err != nil {
		return c, w, core.SettlementRecord{}, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	if newExp < 0 {
		newExp = 0
	}
	before := max(c.Level, 1)
	level := max(before, e.curve.LevelFor(newExp))
	granted := (level-before)*e.pointsPerLevel + req.BonusSkillPoints

	balance := w.Balance.Add(req.Coins)
	if balance.IsNegative() {
		return c, w, core.SettlementRecord{}, fmt.Errorf("%w: insufficient balance for character %s", core.ErrConflict, c.ID)
	}

	now := e.clock()
	c = c.Clone()
	c.Experience = newExp
	c.Level = level
	c.AvailableSkillPoints += granted
	c.UpdatedAt = now
	w.Balance = balance
	w.UpdatedAt = now

	return c, w, core.SettlementRecord{
		EventID:            req.EventID,
		CharacterID:        c.ID,
		Reason:             req.Reason,
		ExperienceDelta:    req.Experience,
		CurrencyDelta:      req.Coins,
		BonusSkillPoints:   req.BonusSkillPoints,
		SkillPointsGranted: granted,
		LevelBefore:        before,
		LevelAfter:         level,
		ExperienceAfter:    newExp,
		BalanceAfter:       balance,
		AppliedAt:          now,
	}, nil
}

func (e *SettlementEngine) replay(ctx context.Context, req SettleRequest, rec core.SettlementRecord) (SettlementResult, error) {
	if !matchesRecord(req, rec) {
		if err := e.mismatch(req, rec); err != nil {
			return SettlementResult{}, err
		}
	}
	return e.snapshot(ctx, rec, true)
}

func (e *SettlementEngine) snapshot(ctx context.Context, rec core.SettlementRecord, replayed bool) (SettlementResult, error) {
	c, err := e.store.GetCharacter(ctx, rec.CharacterID)
	if err != nil {
		return SettlementResult{}, err
	}
	w, err := e.store.GetWallet(ctx, rec.CharacterID)
	if err != nil {
		return SettlementResult{}, err
	}
	return SettlementResult{
		Record:       rec,
		Character:    c,
		Wallet:       w,
		LeveledUp:    rec.LevelsGained() > 0,
		LevelsGained: rec.LevelsGained(),
		Replayed:     replayed,
	}, nil
}

func (e *SettlementEngine) mismatch(req SettleRequest, rec core.SettlementRecord) error {
	if e.strict {
		return fmt.Errorf("%w: event %s already settled with a different payload", core.ErrInvalidState, req.EventID)
	}
	e.logger.Warn("settlement replay with different payload, returning stored result",
		"event_id", req.EventID,
		"character_id", req.CharacterID,
		"stored_character_id", rec.CharacterID,
		"reason", req.Reason,
		"stored_reason", rec.Reason,
		"experience", req.Experience,
		"stored_experience", rec.ExperienceDelta)
	return nil
}

func (e *SettlementEngine) cached(id core.EventID) (core.SettlementRecord, bool) {
	v, ok := e.replays.Get(id)
	if !ok {
		return core.SettlementRecord{}, false
	}
	return v.(core.SettlementRecord), true
}

func normalizeSettleRequest(req SettleRequest) (SettleRequest, error) {
	eventID, err := core.NormalizeID(string(req.EventID))
	if err != nil {
		return req, fmt.Errorf("event id: %w", err)
	}
	charID, err := core.NormalizeID(string(req.CharacterID))
	if err != nil {
		return req, fmt.Errorf("character id: %w", err)
	}
	if req.BonusSkillPoints < 0 {
		return req, fmt.Errorf("%w: bonus skill points cannot be negative", core.ErrValidation)
	}
	req.EventID = core.EventID(eventID)
	req.CharacterID = core.CharacterID(charID)
	return req, nil
}

func matchesRecord(req SettleRequest, rec core.SettlementRecord) bool {
	return req.CharacterID == rec.CharacterID &&
		req.Experience == rec.ExperienceDelta &&
		req.Coins.Equal(rec.CurrencyDelta) &&
		req.BonusSkillPoints == rec.BonusSkillPoints
}
