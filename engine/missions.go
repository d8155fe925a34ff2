package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/CMDESIGN8/lupiback/core"
)

// memberSettleConcurrency bounds parallel reward settlements for per-member club missions.
const memberSettleConcurrency = 4

// MissionOutcome reports what one event did to one mission.
type MissionOutcome struct {
	MissionID core.MissionID    `json:"mission_id"`
	Scope     core.MissionScope `json:"scope"`
	// Progress is the character's own progress for individual missions and the
	// club aggregate for club missions.
	Progress  int64              `json:"progress"`
	Target    int64              `json:"target"`
	Completed bool               `json:"completed"`
	Rewards   []SettlementResult `json:"rewards,omitempty"`
}

// MissionProgressView is the read model for one character and one mission.
type MissionProgressView struct {
	Mission   core.Mission `json:"mission"`
	Own       int64        `json:"own_progress"`
	Aggregate int64        `json:"aggregate_progress"`
	Completed bool         `json:"completed"`
}

type missionBackend interface {
	MissionStore
	ClubStore
}

// MissionTracker accumulates mission progress and pays rewards through the
// settlement engine.
type MissionTracker struct {
	store      missionBackend
	settlement *SettlementEngine
	bus        *EventBus
	logger     *slog.Logger
	clock      Clock
}

func NewMissionTracker(store missionBackend, settlement *SettlementEngine, bus *EventBus, logger *slog.Logger, clock Clock) *MissionTracker {
	if store == nil || settlement == nil || bus == nil {
		panic("mission tracker requires non-nil storage, settlement and bus")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = systemClock
	}
	return &MissionTracker{
		store:      store,
		settlement: settlement,
		bus:        bus,
		logger:     logger.With("component", "missions"),
		clock:      clock,
	}
}

// IndividualRewardID is the settlement event id of a character's mission reward.
func IndividualRewardID(missionID core.MissionID, characterID core.CharacterID) core.EventID {
	return core.EventID("mission:" + string(missionID) + ":" + string(characterID))
}

// ClubRewardID is the settlement event id of a club mission's single reward.
func ClubRewardID(missionID core.MissionID, clubID core.ClubID) core.EventID {
	return core.EventID("mission:" + string(missionID) + ":club:" + string(clubID))
}

// CreateMission validates and stores a new active mission.
func (t *MissionTracker) CreateMission(ctx context.Context, m core.Mission) (core.Mission, error) {
	if m.ID == "" {
		m.ID = core.MissionID(uuid.NewString())
	}
	m.Type = strings.TrimSpace(m.Type)
	if m.Scope == "" {
		m.Scope = core.ScopeIndividual
	}
	m.Status = core.MissionActive
	m.CompletedAt = nil
	m.CompletedBy = ""
	m.CreatedAt = t.clock()
	if err := m.Validate(); err != nil {
		return core.Mission{}, err
	}
	if m.Scope == core.ScopeClub {
		if _, err := t.store.GetClub(ctx, m.ClubID); err != nil {
			return core.Mission{}, fmt.Errorf("mission club: %w", err)
		}
	}
	if err := t.store.CreateMission(ctx, m); err != nil {
		return core.Mission{}, err
	}
	t.logger.Info("mission created", "mission_id", m.ID, "type", m.Type, "scope", m.Scope, "target", m.TargetValue)
	return m, nil
}

// GetMission returns a mission definition.
func (t *MissionTracker) GetMission(ctx context.Context, id core.MissionID) (core.Mission, error) {
	return t.store.GetMission(ctx, id)
}

// RecordEvent advances every active mission qualifying on eventType for the
// character, including its club's missions.
func (t *MissionTracker) RecordEvent(ctx context.Context, characterID core.CharacterID, eventType string, magnitude int64) ([]MissionOutcome, error) {
	return t.RecordSourceEvent(ctx, "", characterID, eventType, magnitude)
}

// RecordSourceEvent is RecordEvent keyed by the event that caused it: a mission
// row counts a given source at most once, so the call can be repeated after a
// partial failure without double counting.
func (t *MissionTracker) RecordSourceEvent(ctx context.Context, source core.EventID, characterID core.CharacterID, eventType string, magnitude int64) ([]MissionOutcome, error) {
	if magnitude < 0 {
		return nil, fmt.Errorf("%w: magnitude cannot be negative", core.ErrValidation)
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", core.ErrValidation)
	}
	missions, err := t.store.ListMissionsByType(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if len(missions) == 0 {
		return nil, nil
	}

	clubID, err := t.clubOf(ctx, characterID)
	if err != nil {
		return nil, err
	}

	now := t.clock()
	var outcomes []MissionOutcome
	for _, m := range missions {
		if m.ExpiredAt(now) {
			continue
		}
		var (
			out     MissionOutcome
			changed bool
		)
		switch m.Scope {
		case core.ScopeIndividual:
			if m.Status != core.MissionActive {
				continue
			}
			out, changed, err = t.advanceIndividual(ctx, m, characterID, magnitude, source)
		case core.ScopeClub:
			if clubID == "" || m.ClubID != clubID {
				continue
			}
			if m.Status == core.MissionCompleted {
				out, changed, err = t.reconcileClub(ctx, m)
			} else {
				out, changed, err = t.advanceClub(ctx, m, characterID, magnitude, source)
			}
		default:
			continue
		}
		if err != nil {
			return outcomes, fmt.Errorf("mission %s: %w", m.ID, err)
		}
		if changed {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}

// Advance applies magnitude to a single mission.
func (t *MissionTracker) Advance(ctx context.Context, missionID core.MissionID, characterID core.CharacterID, magnitude int64) (MissionOutcome, error) {
	if magnitude < 0 {
		return MissionOutcome{}, fmt.Errorf("%w: magnitude cannot be negative", core.ErrValidation)
	}
	m, err := t.store.GetMission(ctx, missionID)
	if err != nil {
		return MissionOutcome{}, err
	}
	if m.Status == core.MissionCompleted {
		return MissionOutcome{}, fmt.Errorf("%w: mission %s already completed", core.ErrInvalidState, m.ID)
	}
	if m.ExpiredAt(t.clock()) {
		return MissionOutcome{}, fmt.Errorf("%w: mission %s expired", core.ErrInvalidState, m.ID)
	}

	switch m.Scope {
	case core.ScopeClub:
		clubID, err := t.clubOf(ctx, characterID)
		if err != nil {
			return MissionOutcome{}, err
		}
		if clubID != m.ClubID {
			return MissionOutcome{}, fmt.Errorf("%w: character %s is not a member of club %s", core.ErrInvalidState, characterID, m.ClubID)
		}
		out, _, err := t.advanceClub(ctx, m, characterID, magnitude, "")
		return out, err
	default:
		p, err := t.store.GetProgress(ctx, m.ID, characterID)
		if err == nil && p.CompletedAt != nil {
			return MissionOutcome{}, fmt.Errorf("%w: mission %s already completed by %s", core.ErrInvalidState, m.ID, characterID)
		}
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return MissionOutcome{}, err
		}
		out, _, err := t.advanceIndividual(ctx, m, characterID, magnitude, "")
		return out, err
	}
}

// Progress returns the character's view of a mission.
func (t *MissionTracker) Progress(ctx context.Context, missionID core.MissionID, characterID core.CharacterID) (MissionProgressView, error) {
	m, err := t.store.GetMission(ctx, missionID)
	if err != nil {
		return MissionProgressView{}, err
	}
	view := MissionProgressView{Mission: m}
	p, err := t.store.GetProgress(ctx, missionID, characterID)
	switch {
	case err == nil:
		view.Own = p.ProgressValue
		view.Completed = p.CompletedAt != nil
	case !errors.Is(err, core.ErrNotFound):
		return MissionProgressView{}, err
	}
	if m.Scope == core.ScopeClub {
		agg, err := t.store.SumMissionProgress(ctx, missionID)
		if err != nil {
			return MissionProgressView{}, err
		}
		view.Aggregate = agg
		view.Completed = m.Status == core.MissionCompleted
	} else {
		view.Aggregate = view.Own
	}
	return view, nil
}

func (t *MissionTracker) advanceIndividual(ctx context.Context, m core.Mission, characterID core.CharacterID, magnitude int64, source core.EventID) (MissionOutcome, bool, error) {
	now := t.clock()
	var progressed, completedNow bool
	p, err := t.store.UpdateMissionProgress(ctx, m.ID, characterID, func(p *core.MissionProgress) error {
		progressed, completedNow = false, false
		if p.CompletedAt != nil || p.Counted(source) {
			return nil
		}
		next := clampProgress(p.ProgressValue, magnitude, m.TargetValue)
		if next == p.ProgressValue {
			return nil
		}
		p.ProgressValue = next
		p.UpdatedAt = now
		p.MarkCounted(source)
		progressed = true
		if next >= m.TargetValue {
			at := now
			p.CompletedAt = &at
			p.AppliedEvents = nil
			completedNow = true
		}
		return nil
	})
	if err != nil {
		return MissionOutcome{}, false, err
	}

	out := MissionOutcome{MissionID: m.ID, Scope: m.Scope, Progress: p.ProgressValue, Target: m.TargetValue, Completed: completedNow}
	if progressed {
		t.bus.Publish(ctx, core.NewMissionProgressed(p))
	}
	if completedNow {
		t.logger.Info("mission completed", "mission_id", m.ID, "character_id", characterID)
		t.bus.Publish(ctx, core.NewMissionCompleted(m, characterID))
	}
	if p.CompletedAt == nil {
		return out, progressed, nil
	}

	// settling on every later event repairs a reward lost after progress was committed
	res, err := t.settleReward(ctx, m, IndividualRewardID(m.ID, characterID), characterID)
	if err != nil {
		return out, progressed, err
	}
	if !res.Replayed {
		if !completedNow {
			t.logger.Warn("mission reward reconciled", "mission_id", m.ID, "character_id", characterID)
		}
		out.Rewards = append(out.Rewards, res)
	}
	return out, progressed || !res.Replayed, nil
}

func (t *MissionTracker) advanceClub(ctx context.Context, m core.Mission, characterID core.CharacterID, magnitude int64, source core.EventID) (MissionOutcome, bool, error) {
	now := t.clock()
	var progressed bool
	p, err := t.store.UpdateMissionProgress(ctx, m.ID, characterID, func(p *core.MissionProgress) error {
		progressed = false
		if p.Counted(source) {
			return nil
		}
		next := clampProgress(p.ProgressValue, magnitude, m.TargetValue)
		if next == p.ProgressValue {
			return nil
		}
		p.ProgressValue = next
		p.UpdatedAt = now
		p.MarkCounted(source)
		progressed = true
		return nil
	})
	if err != nil {
		return MissionOutcome{}, false, err
	}
	if progressed {
		t.bus.Publish(ctx, core.NewMissionProgressed(p))
	}

	agg, err := t.store.SumMissionProgress(ctx, m.ID)
	if err != nil {
		return MissionOutcome{}, false, err
	}
	out := MissionOutcome{MissionID: m.ID, Scope: m.Scope, Progress: min(agg, m.TargetValue), Target: m.TargetValue}
	if agg < m.TargetValue {
		return out, progressed, nil
	}

	won, err := t.store.CompleteMission(ctx, m.ID, characterID, now)
	if err != nil {
		return out, progressed, err
	}
	if !won {
		return out, progressed, nil
	}
	m.Status = core.MissionCompleted
	m.CompletedBy = characterID
	m.CompletedAt = &now
	out.Completed = true
	t.logger.Info("club mission completed", "mission_id", m.ID, "club_id", m.ClubID, "character_id", characterID)
	t.bus.Publish(ctx, core.NewMissionCompleted(m, characterID))

	rewards, err := t.settleClubRewards(ctx, m)
	out.Rewards = rewards
	return out, true, err
}

// reconcileClub pays any club reward missing for an already completed mission.
func (t *MissionTracker) reconcileClub(ctx context.Context, m core.Mission) (MissionOutcome, bool, error) {
	out := MissionOutcome{MissionID: m.ID, Scope: m.Scope, Progress: m.TargetValue, Target: m.TargetValue}
	if m.CompletedBy == "" {
		return out, false, nil
	}
	rewards, err := t.settleClubRewards(ctx, m)
	if err != nil {
		return out, false, err
	}
	if len(rewards) > 0 {
		t.logger.Warn("club mission reward reconciled", "mission_id", m.ID, "club_id", m.ClubID)
	}
	out.Rewards = rewards
	return out, len(rewards) > 0, nil
}

// settleClubRewards returns only the settlements newly applied.
func (t *MissionTracker) settleClubRewards(ctx context.Context, m core.Mission) ([]SettlementResult, error) {
	if !m.PerMember {
		res, err := t.settleReward(ctx, m, ClubRewardID(m.ID, m.ClubID), m.CompletedBy)
		if err != nil || res.Replayed {
			return nil, err
		}
		return []SettlementResult{res}, nil
	}

	members, err := t.store.ListMembers(ctx, m.ClubID)
	if err != nil {
		return nil, err
	}
	// members settle independently; results keep the member order
	results := make([]SettlementResult, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(memberSettleConcurrency)
	for i, member := range members {
		g.Go(func() error {
			res, err := t.settleReward(gctx, m, IndividualRewardID(m.ID, member.CharacterID), member.CharacterID)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	err = g.Wait()
	var applied []SettlementResult
	for _, res := range results {
		if res.Record.EventID != "" && !res.Replayed {
			applied = append(applied, res)
		}
	}
	return applied, err
}

func (t *MissionTracker) settleReward(ctx context.Context, m core.Mission, eventID core.EventID, characterID core.CharacterID) (SettlementResult, error) {
	return t.settlement.Settle(ctx, SettleRequest{
		EventID:          eventID,
		CharacterID:      characterID,
		Experience:       m.RewardExp,
		Coins:            decimal.NewFromInt(m.RewardCoins),
		BonusSkillPoints: m.RewardSkillPoints,
		Reason:           "mission:" + string(m.ID),
	})
}

func (t *MissionTracker) clubOf(ctx context.Context, characterID core.CharacterID) (core.ClubID, error) {
	membership, err := t.store.GetMembership(ctx, characterID)
	if errors.Is(err, core.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return membership.ClubID, nil
}

func clampProgress(current, magnitude, target int64) int64 {
	next, err := core.AddSafe(current, magnitude)
	if err != nil || next > target {
		return target
	}
	return max(next, 0)
}
