package core

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CharacterID uniquely identifies a character (and its wallet).
type CharacterID string

// ClubID identifies a club.
type ClubID string

// MissionID identifies a mission definition.
type MissionID string

// EventID is the idempotency key of a settlement.
type EventID string

// Stat names one of the fixed character attributes.
type Stat string

const (
	StatSpeed        Stat = "speed"
	StatPassing      Stat = "passing"
	StatPower        Stat = "power"
	StatShooting     Stat = "shooting"
	StatDribbling    Stat = "dribbling"
	StatTechnique    Stat = "technique"
	StatStrategy     Stat = "strategy"
	StatIntelligence Stat = "intelligence"
	StatDefense      Stat = "defense"
	StatStamina      Stat = "stamina"
	StatLeadership   Stat = "leadership"
)

const (
	// StatMin and StatMax bound every stat value.
	StatMin = 0
	StatMax = 100
	// DefaultStatValue is used for new characters and for missing stats.
	DefaultStatValue = 50
)

// AllStats lists the fixed stat set in display order.
var AllStats = []Stat{
	StatSpeed, StatPassing, StatPower, StatShooting, StatDribbling, StatTechnique,
	StatStrategy, StatIntelligence, StatDefense, StatStamina, StatLeadership,
}

// ParseStat validates a stat key.
func ParseStat(s string) (Stat, error) {
	key := Stat(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range AllStats {
		if st == key {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown skill %q", ErrValidation, s)
}

// Stats maps each stat to its value in [StatMin, StatMax].
type Stats map[Stat]int

// DefaultStats returns a full stat set at DefaultStatValue.
func DefaultStats() Stats {
	st := make(Stats, len(AllStats))
	for _, s := range AllStats {
		st[s] = DefaultStatValue
	}
	return st
}

// Clone returns a copy of the stat map.
func (s Stats) Clone() Stats {
	cp := make(Stats, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Validate checks that every present stat is known and within bounds.
func (s Stats) Validate() error {
	for k, v := range s {
		if _, err := ParseStat(string(k)); err != nil {
			return err
		}
		if v < StatMin || v > StatMax {
			return fmt.Errorf("%w: stat %s out of range: %d", ErrValidation, k, v)
		}
	}
	return nil
}

// Average returns the mean over the fixed stat set, counting missing stats as DefaultStatValue.
func (s Stats) Average() float64 {
	total := 0
	for _, st := range AllStats {
		v, ok := s[st]
		if !ok {
			v = DefaultStatValue
		}
		total += v
	}
	return float64(total) / float64(len(AllStats))
}

// Character is a snapshot of a persistent player character.
type Character struct {
	ID                   CharacterID `json:"id"`
	Name                 string      `json:"name"`
	Position             string      `json:"position,omitempty"`
	Experience           int64       `json:"experience"`
	Level                int         `json:"level"`
	AvailableSkillPoints int         `json:"available_skill_points"`
	Stats                Stats       `json:"stats"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the character.
func (c Character) Clone() Character {
	cp := c
	cp.Stats = c.Stats.Clone()
	return cp
}

// Wallet holds a character's currency balance. It is owned 1:1 by a Character.
type Wallet struct {
	CharacterID CharacterID     `json:"character_id"`
	Address     string          `json:"address"`
	Balance     decimal.Decimal `json:"balance"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SettlementRecord is the idempotency unit: one committed record per EventID.
type SettlementRecord struct {
	EventID            EventID         `json:"event_id"`
	CharacterID        CharacterID     `json:"character_id"`
	Reason             string          `json:"reason,omitempty"`
	ExperienceDelta    int64           `json:"experience_delta"`
	CurrencyDelta      decimal.Decimal `json:"currency_delta"`
	BonusSkillPoints   int             `json:"bonus_skill_points"`
	SkillPointsGranted int             `json:"skill_points_granted"`
	LevelBefore        int             `json:"level_before"`
	LevelAfter         int             `json:"level_after"`
	ExperienceAfter    int64           `json:"experience_after"`
	BalanceAfter       decimal.Decimal `json:"balance_after"`
	AppliedAt          time.Time       `json:"applied_at"`
}

// LevelsGained reports how many levels the settlement granted.
func (r SettlementRecord) LevelsGained() int {
	if r.LevelAfter > r.LevelBefore {
		return r.LevelAfter - r.LevelBefore
	}
	return 0
}

// MissionScope selects whether progress is tracked per character or per club.
type MissionScope string

const (
	ScopeIndividual MissionScope = "individual"
	ScopeClub       MissionScope = "club"
)

// MissionStatus is the lifecycle state of a mission definition.
type MissionStatus string

const (
	MissionActive    MissionStatus = "active"
	MissionCompleted MissionStatus = "completed"
)

// Mission defines a progress target and the reward paid on completion.
type Mission struct {
	ID                MissionID     `json:"id"`
	ClubID            ClubID        `json:"club_id,omitempty"`
	Title             string        `json:"title"`
	Type              string        `json:"type"`
	TargetValue       int64         `json:"target_value"`
	RewardExp         int64         `json:"reward_exp"`
	RewardCoins       int64         `json:"reward_coins"`
	RewardSkillPoints int           `json:"reward_skill_points,omitempty"`
	Scope             MissionScope  `json:"scope"`
	PerMember         bool          `json:"per_member,omitempty"`
	Status            MissionStatus `json:"status"`
	Deadline          *time.Time    `json:"deadline,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	CompletedBy       CharacterID   `json:"completed_by,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Validate checks a mission definition before it is stored.
func (m Mission) Validate() error {
	var errs []string
	if strings.TrimSpace(m.Type) == "" {
		errs = append(errs, "type is required")
	}
	if m.TargetValue <= 0 {
		errs = append(errs, "target_value must be positive")
	}
	if m.RewardExp < 0 || m.RewardCoins < 0 || m.RewardSkillPoints < 0 {
		errs = append(errs, "rewards cannot be negative")
	}
	switch m.Scope {
	case ScopeIndividual:
		if m.PerMember {
			errs = append(errs, "per_member only applies to club missions")
		}
	case ScopeClub:
		if m.ClubID == "" {
			errs = append(errs, "club missions need a club_id")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown scope %q", m.Scope))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(errs, "; "))
	}
	return nil
}

// ExpiredAt reports whether the mission deadline has passed at t.
func (m Mission) ExpiredAt(t time.Time) bool {
	return m.Deadline != nil && t.After(*m.Deadline)
}

// MissionProgress tracks one character's progress toward one mission.
type MissionProgress struct {
	MissionID     MissionID   `json:"mission_id"`
	CharacterID   CharacterID `json:"character_id"`
	ProgressValue int64       `json:"progress_value"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
	// AppliedEvents lists the source events already counted while the row is
	// open; a completed row ignores every event, so the list is dropped then.
	AppliedEvents []EventID `json:"applied_events,omitempty"`
}

// Counted reports whether the source event id was already applied to this row.
func (p MissionProgress) Counted(id EventID) bool {
	return id != "" && slices.Contains(p.AppliedEvents, id)
}

// MarkCounted records id as applied. It never appends to a shared backing array.
func (p *MissionProgress) MarkCounted(id EventID) {
	if id == "" {
		return
	}
	p.AppliedEvents = append(slices.Clip(p.AppliedEvents), id)
}

// ClubRole is a member's role inside a club.
type ClubRole string

const (
	RoleOwner  ClubRole = "owner"
	RoleAdmin  ClubRole = "admin"
	RoleMember ClubRole = "member"
)

// ParseRole validates a role name.
func ParseRole(s string) (ClubRole, error) {
	switch r := ClubRole(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleOwner, RoleAdmin, RoleMember:
		return r, nil
	case "":
		return RoleMember, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
}

// Club aggregates its members' contributions.
type Club struct {
	ID                 ClubID      `json:"id"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	CreatedBy          CharacterID `json:"created_by"`
	MemberCount        int         `json:"member_count"`
	WeeklyContribution int64       `json:"weekly_contribution"`
	TotalContribution  int64       `json:"total_contribution"`
	CreatedAt          time.Time   `json:"created_at"`
}

// ClubMembership links a character to a club.
type ClubMembership struct {
	ClubID             ClubID      `json:"club_id"`
	CharacterID        CharacterID `json:"character_id"`
	Role               ClubRole    `json:"role"`
	WeeklyContribution int64       `json:"weekly_contribution"`
	TotalContribution  int64       `json:"total_contribution"`
	LastContributionAt *time.Time  `json:"last_contribution_at,omitempty"`
	JoinedAt           time.Time   `json:"joined_at"`
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// NormalizeID trims an identifier and rejects empty ones.
func NormalizeID(id string) (string, error) {
	s := strings.TrimSpace(id)
	if s == "" {
		return "", fmt.Errorf("%w: empty id", ErrValidation)
	}
	return s, nil
}
