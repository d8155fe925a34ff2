package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"

	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/match"
)

// Mission event types emitted by the service itself.
const (
	EventTypeMatchPlayed      = "match_played"
	EventTypeMatchWon         = "match_won"
	EventTypeTraining         = "training"
	EventTypeClubContribution = "club_contribution"
)

// ServiceConfig carries the facade's own settings.
type ServiceConfig struct {
	StartingBalance decimal.Decimal
	Bots            []match.Bot
	// Seed makes bot matches reproducible; zero picks a random seed.
	Seed uint64
}

// ActionResult is a settlement plus the mission outcomes it triggered.
type ActionResult struct {
	Settlement SettlementResult `json:"settlement"`
	Missions   []MissionOutcome `json:"missions,omitempty"`
}

// BotMatchResult is a simulated match and its settlement. Match and Opponent
// are empty when the event id was already settled.
type BotMatchResult struct {
	ActionResult
	Opponent *match.Bot    `json:"opponent,omitempty"`
	Match    *match.Result `json:"match,omitempty"`
}

// ContributionResult is the updated membership plus triggered mission outcomes.
type ContributionResult struct {
	Membership core.ClubMembership `json:"membership"`
	Missions   []MissionOutcome    `json:"missions,omitempty"`
}

// Service composes settlement, missions and clubs behind one API.
type Service struct {
	store      Storage
	bus        *EventBus
	settlement *SettlementEngine
	missions   *MissionTracker
	clubs      *ClubAggregator
	logger     *slog.Logger
	clock      Clock

	startingBalance decimal.Decimal
	bots            []match.Bot

	rngMu sync.Mutex
	rng   match.Rand
}

func NewService(store Storage, bus *EventBus, settlement *SettlementEngine, missions *MissionTracker, clubs *ClubAggregator, cfg ServiceConfig, logger *slog.Logger) *Service {
	if store == nil || bus == nil || settlement == nil || missions == nil || clubs == nil {
		panic("NewService requires non-nil storage, bus, settlement, missions, and clubs")
	}
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(uuid.New().ID())<<32 | uint64(uuid.New().ID())
	}
	bots := cfg.Bots
	if len(bots) == 0 {
		bots = match.DefaultRoster()
	}
	return &Service{
		store:           store,
		bus:             bus,
		settlement:      settlement,
		missions:        missions,
		clubs:           clubs,
		logger:          logger,
		clock:           settlement.clock,
		startingBalance: cfg.StartingBalance,
		bots:            bots,
		rng:             match.NewRand(seed),
	}
}

func (s *Service) Settlement() *SettlementEngine { return s.settlement }
func (s *Service) Missions() *MissionTracker     { return s.missions }
func (s *Service) Clubs() *ClubAggregator        { return s.clubs }

// Subscribe convenience method.
func (s *Service) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

// SubscribeAll registers handler for the listed types, or every type when none are given.
func (s *Service) SubscribeAll(handler func(context.Context, core.Event), types ...core.EventType) func() {
	if len(types) == 0 {
		types = core.AllEventTypes
	}
	return s.bus.SubscribeAll(handler, types...)
}

func (s *Service) Close() { s.bus.Close() }

// CreateCharacter stores a level 1 character with default stats and a funded wallet.
func (s *Service) CreateCharacter(ctx context.Context, name, position string) (core.Character, core.Wallet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Character{}, core.Wallet{}, fmt.Errorf("%w: character name is required", core.ErrValidation)
	}
	now := s.clock()
	c := core.Character{
		ID:        core.CharacterID(uuid.NewString()),
		Name:      name,
		Position:  strings.TrimSpace(position),
		Level:     1,
		Stats:     core.DefaultStats(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	w := core.Wallet{
		CharacterID: c.ID,
		Address:     walletAddress(name),
		Balance:     s.startingBalance,
		UpdatedAt:   now,
	}
	if err := s.store.CreateCharacter(ctx, c, w); err != nil {
		return core.Character{}, core.Wallet{}, err
	}
	s.logger.Info("character created", "character_id", c.ID, "name", c.Name)
	return c, w, nil
}

func (s *Service) GetCharacter(ctx context.Context, id core.CharacterID) (core.Character, error) {
	return s.store.GetCharacter(ctx, id)
}

func (s *Service) GetWallet(ctx context.Context, id core.CharacterID) (core.Wallet, error) {
	return s.store.GetWallet(ctx, id)
}

// ReportOutcome settles a match outcome and advances match missions.
func (s *Service) ReportOutcome(ctx context.Context, req OutcomeRequest) (ActionResult, error) {
	res, err := s.settlement.SettleOutcome(ctx, req)
	if err != nil {
		return ActionResult{}, err
	}
	return s.afterMatch(ctx, res)
}

// Train grants the flat training reward. An empty eventID makes the call
// non-idempotent.
func (s *Service) Train(ctx context.Context, eventID core.EventID, characterID core.CharacterID) (ActionResult, error) {
	if strings.TrimSpace(string(eventID)) == "" {
		eventID = core.EventID("training:" + uuid.NewString())
	}
	reward := s.settlement.Policy().Training
	res, err := s.settlement.Settle(ctx, SettleRequest{
		EventID:     eventID,
		CharacterID: characterID,
		Experience:  reward.Exp,
		Coins:       decimal.NewFromInt(reward.Coins),
		Reason:      EventTypeTraining,
	})
	if err != nil {
		return ActionResult{}, err
	}
	out := ActionResult{Settlement: res}
	// a lenient replay of another kind of event must not count as training
	if res.Record.Reason != EventTypeTraining {
		return out, nil
	}
	out.Missions, err = s.missions.RecordSourceEvent(ctx, res.Record.EventID, res.Record.CharacterID, EventTypeTraining, 1)
	return out, err
}

// AllocateSkill spends one skill point on stat.
func (s *Service) AllocateSkill(ctx context.Context, characterID core.CharacterID, stat string) (core.Character, error) {
	st, err := core.ParseStat(stat)
	if err != nil {
		return core.Character{}, err
	}
	now := s.clock()
	return s.store.UpdateCharacter(ctx, characterID, func(c *core.Character) error {
		if c.AvailableSkillPoints <= 0 {
			return fmt.Errorf("%w: no skill points available", core.ErrConflict)
		}
		stats := c.Stats.Clone()
		if stats == nil {
			stats = core.DefaultStats()
		}
		if stats[st] >= core.StatMax {
			return fmt.Errorf("%w: %s is already at %d", core.ErrConflict, st, core.StatMax)
		}
		stats[st]++
		c.Stats = stats
		c.AvailableSkillPoints--
		c.UpdatedAt = now
		return nil
	})
}

// PlayBotMatch simulates a match against a level-matched bot and settles it.
func (s *Service) PlayBotMatch(ctx context.Context, eventID core.EventID, characterID core.CharacterID) (BotMatchResult, error) {
	if strings.TrimSpace(string(eventID)) == "" {
		eventID = core.EventID("bot_match:" + uuid.NewString())
	}
	if rec, found, err := s.settlement.Lookup(ctx, eventID); err != nil {
		return BotMatchResult{}, err
	} else if found {
		res, err := s.settlement.ReplayOf(ctx, rec, characterID, "")
		if err != nil {
			return BotMatchResult{}, err
		}
		action, err := s.afterMatch(ctx, res)
		return BotMatchResult{ActionResult: action}, err
	}

	c, err := s.store.GetCharacter(ctx, characterID)
	if err != nil {
		return BotMatchResult{}, err
	}
	s.rngMu.Lock()
	bot, ok := match.PickOpponent(s.bots, c.Level, s.rng)
	var result match.Result
	if ok {
		result = match.Simulate(match.Side{ID: string(c.ID), Level: c.Level, Stats: c.Stats}, bot.Side(), s.rng)
	}
	s.rngMu.Unlock()
	if !ok {
		return BotMatchResult{}, fmt.Errorf("%w: no bot opponents configured", core.ErrInvalidState)
	}

	res, err := s.settlement.SettleOutcome(ctx, OutcomeRequest{
		EventID:       eventID,
		CharacterID:   c.ID,
		Kind:          result.Kind,
		ActorLevel:    c.Level,
		OpponentLevel: bot.Level,
	})
	if err != nil {
		return BotMatchResult{}, err
	}
	action, err := s.afterMatch(ctx, res)
	out := BotMatchResult{ActionResult: action}
	// a concurrent call with the same event id settled first; its simulation stands
	if res.Replayed {
		return out, err
	}
	s.logger.Info("bot match played",
		"character_id", c.ID,
		"bot_id", bot.ID,
		"score", fmt.Sprintf("%d-%d", result.ActorScore, result.OpponentScore),
		"kind", result.Kind)
	out.Opponent, out.Match = &bot, &result
	return out, err
}

// Contribute credits a club contribution and advances contribution missions.
func (s *Service) Contribute(ctx context.Context, clubID core.ClubID, characterID core.CharacterID, amount int64) (ContributionResult, error) {
	m, err := s.clubs.AddContribution(ctx, clubID, characterID, amount)
	if err != nil {
		return ContributionResult{}, err
	}
	outcomes, err := s.missions.RecordEvent(ctx, characterID, EventTypeClubContribution, amount)
	return ContributionResult{Membership: m, Missions: outcomes}, err
}

// RecordEvent forwards an external qualifying event to the mission tracker.
func (s *Service) RecordEvent(ctx context.Context, characterID core.CharacterID, eventType string, magnitude int64) ([]MissionOutcome, error) {
	if _, err := s.store.GetCharacter(ctx, characterID); err != nil {
		return nil, err
	}
	return s.missions.RecordEvent(ctx, characterID, eventType, magnitude)
}

// afterMatch feeds the match missions from the stored record, replays included:
// missions count each settlement event once, so a retry after a failed
// notification completes it instead of skipping it.
func (s *Service) afterMatch(ctx context.Context, res SettlementResult) (ActionResult, error) {
	out := ActionResult{Settlement: res}
	rec := res.Record
	won := rec.Reason == OutcomeReason(core.OutcomeWin)
	if !won && rec.Reason != OutcomeReason(core.OutcomeDraw) && rec.Reason != OutcomeReason(core.OutcomeLoss) {
		return out, nil
	}
	played, err := s.missions.RecordSourceEvent(ctx, rec.EventID, rec.CharacterID, EventTypeMatchPlayed, 1)
	out.Missions = append(out.Missions, played...)
	if err != nil || !won {
		return out, err
	}
	wins, err := s.missions.RecordSourceEvent(ctx, rec.EventID, rec.CharacterID, EventTypeMatchWon, 1)
	out.Missions = append(out.Missions, wins...)
	return out, err
}

// walletAddress derives "<handle>.<8 hex>.lupi"; the handle is the ASCII slug of name without separators.
func walletAddress(name string) string {
	handle := strings.ReplaceAll(slug.Make(name), "-", "")
	if handle == "" {
		handle = "player"
	}
	return handle + "." + uuid.NewString()[:8] + ".lupi"
}
