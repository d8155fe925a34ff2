package engine

import (
	"context"
	"time"

	"github.com/CMDESIGN8/lupiback/core"
)

// SettleFunc computes the post-settlement character, wallet and record from the
// current snapshots. It runs inside the adapter's atomic unit and must be pure.
type SettleFunc func(c core.Character, w core.Wallet) (core.Character, core.Wallet, core.SettlementRecord, error)

// CharacterStore persists characters together with their wallets.
type CharacterStore interface {
	// CreateCharacter stores a character and its wallet together. Conflict if the id exists.
	CreateCharacter(ctx context.Context, c core.Character, w core.Wallet) error
	GetCharacter(ctx context.Context, id core.CharacterID) (core.Character, error)
	GetWallet(ctx context.Context, id core.CharacterID) (core.Wallet, error)
	// UpdateCharacter applies fn to the current character under a compare-and-set
	// or row lock; fn's error aborts the update.
	UpdateCharacter(ctx context.Context, id core.CharacterID, fn func(*core.Character) error) (core.Character, error)
}

// SettlementStore commits settlement records exactly once per event id.
type SettlementStore interface {
	// Settle returns the existing record with applied=false when eventID was
	// already settled. Otherwise it runs fn against the current character and
	// wallet and commits the record and both mutations together.
	Settle(ctx context.Context, eventID core.EventID, characterID core.CharacterID, fn SettleFunc) (rec core.SettlementRecord, applied bool, err error)
	GetSettlement(ctx context.Context, eventID core.EventID) (core.SettlementRecord, error)
}

// MissionStore persists mission definitions and per-character progress.
type MissionStore interface {
	CreateMission(ctx context.Context, m core.Mission) error
	GetMission(ctx context.Context, id core.MissionID) (core.Mission, error)
	// ListMissionsByType returns every mission (any status) qualifying on eventType.
	ListMissionsByType(ctx context.Context, eventType string) ([]core.Mission, error)
	// GetProgress returns NotFound when the character has no progress row.
	GetProgress(ctx context.Context, missionID core.MissionID, characterID core.CharacterID) (core.MissionProgress, error)
	// UpdateMissionProgress atomically applies fn to the (possibly new, zero) progress row.
	UpdateMissionProgress(ctx context.Context, missionID core.MissionID, characterID core.CharacterID, fn func(*core.MissionProgress) error) (core.MissionProgress, error)
	// SumMissionProgress totals all characters' progress for a mission.
	SumMissionProgress(ctx context.Context, missionID core.MissionID) (int64, error)
	// CompleteMission flips an active mission to completed. It reports false when
	// another caller completed it first.
	CompleteMission(ctx context.Context, id core.MissionID, by core.CharacterID, at time.Time) (bool, error)
}

// ClubStore persists clubs, memberships and contribution counters.
type ClubStore interface {
	// CreateClub stores the club and its owner membership together.
	CreateClub(ctx context.Context, club core.Club, owner core.ClubMembership) error
	GetClub(ctx context.Context, id core.ClubID) (core.Club, error)
	// AddMember is a Conflict when the character already belongs to any club.
	AddMember(ctx context.Context, m core.ClubMembership) error
	// RemoveMember deletes the membership and takes its counters out of the club aggregates.
	RemoveMember(ctx context.Context, clubID core.ClubID, characterID core.CharacterID) error
	SetRole(ctx context.Context, clubID core.ClubID, characterID core.CharacterID, role core.ClubRole) (core.ClubMembership, error)
	GetMembership(ctx context.Context, characterID core.CharacterID) (core.ClubMembership, error)
	ListMembers(ctx context.Context, clubID core.ClubID) ([]core.ClubMembership, error)
	// AddContribution increments member and club weekly/total counters in one atomic step.
	AddContribution(ctx context.Context, clubID core.ClubID, characterID core.CharacterID, amount int64, at time.Time) (core.ClubMembership, error)
	// ResetWeeklyContributions unconditionally zeroes every weekly counter and
	// returns the number of member rows touched.
	ResetWeeklyContributions(ctx context.Context) (int64, error)
}

// Storage is the full persistence port.
type Storage interface {
	CharacterStore
	SettlementStore
	MissionStore
	ClubStore
}

// Clock supplies the current time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
