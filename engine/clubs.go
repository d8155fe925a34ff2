package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/CMDESIGN8/lupiback/core"
)

// ClubAggregator maintains club membership and contribution counters.
type ClubAggregator struct {
	store  ClubStore
	bus    *EventBus
	logger *slog.Logger
	clock  Clock
}

func NewClubAggregator(store ClubStore, bus *EventBus, logger *slog.Logger, clock Clock) *ClubAggregator {
	if store == nil || bus == nil {
		panic("club aggregator requires non-nil storage and bus")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = systemClock
	}
	return &ClubAggregator{store: store, bus: bus, logger: logger.With("component", "clubs"), clock: clock}
}

// CreateClub stores a club with its creator as owner.
func (a *ClubAggregator) CreateClub(ctx context.Context, name, description string, creator core.CharacterID) (core.Club, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Club{}, fmt.Errorf("%w: club name is required", core.ErrValidation)
	}
	creatorID, err := core.NormalizeID(string(creator))
	if err != nil {
		return core.Club{}, err
	}
	now := a.clock()
	club := core.Club{
		ID:          core.ClubID(uuid.NewString()),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   core.CharacterID(creatorID),
		MemberCount: 1,
		CreatedAt:   now,
	}
	owner := core.ClubMembership{ClubID: club.ID, CharacterID: club.CreatedBy, Role: core.RoleOwner, JoinedAt: now}
	if err := a.store.CreateClub(ctx, club, owner); err != nil {
		return core.Club{}, err
	}
	a.logger.Info("club created", "club_id", club.ID, "owner", club.CreatedBy)
	return club, nil
}

func (a *ClubAggregator) GetClub(ctx context.Context, id core.ClubID) (core.Club, error) {
	return a.store.GetClub(ctx, id)
}

// Join adds the character as a plain member. Conflict if it is already in a club.
func (a *ClubAggregator) Join(ctx context.Context, clubID core.ClubID, characterID core.CharacterID) (core.ClubMembership, error) {
	if _, err := a.store.GetClub(ctx, clubID); err != nil {
		return core.ClubMembership{}, err
	}
	m := core.ClubMembership{ClubID: clubID, CharacterID: characterID, Role: core.RoleMember, JoinedAt: a.clock()}
	if err := a.store.AddMember(ctx, m); err != nil {
		return core.ClubMembership{}, err
	}
	a.logger.Info("club member joined", "club_id", clubID, "character_id", characterID)
	return m, nil
}

// Leave removes the membership. The owner cannot leave while other members remain.
func (a *ClubAggregator) Leave(ctx context.Context, clubID core.ClubID, characterID core.CharacterID) error {
	m, err := a.store.GetMembership(ctx, characterID)
	if err != nil {
		return err
	}
	if m.ClubID != clubID {
		return fmt.Errorf("%w: character %s is not a member of club %s", core.ErrNotFound, characterID, clubID)
	}
	if m.Role == core.RoleOwner {
		club, err := a.store.GetClub(ctx, clubID)
		if err != nil {
			return err
		}
		if club.MemberCount > 1 {
			return fmt.Errorf("%w: owner must transfer ownership before leaving", core.ErrInvalidState)
		}
	}
	if err := a.store.RemoveMember(ctx, clubID, characterID); err != nil {
		return err
	}
	a.logger.Info("club member left", "club_id", clubID, "character_id", characterID)
	return nil
}

// SetRole changes a member's role. Permission checks belong to the caller.
func (a *ClubAggregator) SetRole(ctx context.Context, clubID core.ClubID, characterID core.CharacterID, role core.ClubRole) (core.ClubMembership, error) {
	r, err := core.ParseRole(string(role))
	if err != nil {
		return core.ClubMembership{}, err
	}
	return a.store.SetRole(ctx, clubID, characterID, r)
}

// Membership returns the character's membership, NotFound when it has no club.
func (a *ClubAggregator) Membership(ctx context.Context, characterID core.CharacterID) (core.ClubMembership, error) {
	return a.store.GetMembership(ctx, characterID)
}

func (a *ClubAggregator) Members(ctx context.Context, clubID core.ClubID) ([]core.ClubMembership, error) {
	if _, err := a.store.GetClub(ctx, clubID); err != nil {
		return nil, err
	}
	return a.store.ListMembers(ctx, clubID)
}

// AddContribution credits a positive amount to the member and the club.
func (a *ClubAggregator) AddContribution(ctx context.Context, clubID core.ClubID, characterID core.CharacterID, amount int64) (core.ClubMembership, error) {
	if amount <= 0 {
		return core.ClubMembership{}, fmt.Errorf("%w: contribution must be positive", core.ErrValidation)
	}
	m, err := a.store.AddContribution(ctx, clubID, characterID, amount, a.clock())
	if err != nil {
		return core.ClubMembership{}, err
	}
	a.bus.Publish(ctx, core.NewContributionAdded(m, amount))
	return m, nil
}

// ResetWeeklyContributions zeroes every weekly counter in one bulk update.
func (a *ClubAggregator) ResetWeeklyContributions(ctx context.Context) (int64, error) {
	rows, err := a.store.ResetWeeklyContributions(ctx)
	if err != nil {
		return 0, err
	}
	a.logger.Info("weekly contributions reset", "members", rows)
	a.bus.Publish(ctx, core.NewWeeklyReset(rows))
	return rows, nil
}

// WeeklyRanking returns members by weekly contribution. limit <= 0 means all.
func (a *ClubAggregator) WeeklyRanking(ctx context.Context, clubID core.ClubID, limit int) ([]core.ClubMembership, error) {
	members, err := a.Members(ctx, clubID)
	if err != nil {
		return nil, err
	}
	ranked := core.RankMembers(members)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// Totals sums the members' counters for the window.
func (a *ClubAggregator) Totals(ctx context.Context, clubID core.ClubID, window core.ContributionWindow) (int64, error) {
	switch window {
	case core.WindowWeekly, core.WindowLifetime:
	default:
		return 0, fmt.Errorf("%w: unknown window %q", core.ErrValidation, window)
	}
	members, err := a.Members(ctx, clubID)
	if err != nil {
		return 0, err
	}
	return core.SumContributions(members, window), nil
}
