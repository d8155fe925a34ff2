package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates domain events.
type EventType string

const (
	EventSettlementApplied EventType = "settlement_applied"
	EventLevelUp           EventType = "level_up"
	EventMissionProgressed EventType = "mission_progressed"
	EventMissionCompleted  EventType = "mission_completed"
	EventContributionAdded EventType = "contribution_added"
	EventWeeklyReset       EventType = "weekly_reset"
)

// AllEventTypes lists every event the engine publishes.
var AllEventTypes = []EventType{
	EventSettlementApplied,
	EventLevelUp,
	EventMissionProgressed,
	EventMissionCompleted,
	EventContributionAdded,
	EventWeeklyReset,
}

// Event represents an immutable domain event.
type Event struct {
	Type         EventType       `json:"type"`
	Time         time.Time       `json:"time"`
	CharacterID  CharacterID     `json:"character_id,omitempty"`
	ClubID       ClubID          `json:"club_id,omitempty"`
	MissionID    MissionID       `json:"mission_id,omitempty"`
	EventID      EventID         `json:"event_id,omitempty"`
	Experience   int64           `json:"experience,omitempty"`
	Coins        decimal.Decimal `json:"coins,omitempty"`
	Level        int             `json:"level,omitempty"`
	LevelsGained int             `json:"levels_gained,omitempty"`
	Amount       int64           `json:"amount,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

func NewSettlementApplied(rec SettlementRecord) Event {
	return Event{
		Type:        EventSettlementApplied,
		Time:        time.Now().UTC(),
		CharacterID: rec.CharacterID,
		EventID:     rec.EventID,
		Experience:  rec.ExperienceDelta,
		Coins:       rec.CurrencyDelta,
		Level:       rec.LevelAfter,
		Metadata:    map[string]any{"reason": rec.Reason},
	}
}

func NewLevelUp(rec SettlementRecord) Event {
	return Event{
		Type:         EventLevelUp,
		Time:         time.Now().UTC(),
		CharacterID:  rec.CharacterID,
		EventID:      rec.EventID,
		Level:        rec.LevelAfter,
		LevelsGained: rec.LevelsGained(),
	}
}

func NewMissionProgressed(p MissionProgress) Event {
	return Event{Type: EventMissionProgressed, Time: time.Now().UTC(), CharacterID: p.CharacterID, MissionID: p.MissionID, Amount: p.ProgressValue}
}

func NewMissionCompleted(m Mission, by CharacterID) Event {
	return Event{Type: EventMissionCompleted, Time: time.Now().UTC(), CharacterID: by, ClubID: m.ClubID, MissionID: m.ID}
}

func NewContributionAdded(m ClubMembership, amount int64) Event {
	return Event{Type: EventContributionAdded, Time: time.Now().UTC(), CharacterID: m.CharacterID, ClubID: m.ClubID, Amount: amount}
}

func NewWeeklyReset(rows int64) Event {
	return Event{Type: EventWeeklyReset, Time: time.Now().UTC(), Amount: rows}
}
