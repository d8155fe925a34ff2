package match

import (
	"fmt"
	"sort"

	"github.com/CMDESIGN8/lupiback/core"
)

// levelWindow is how far a bot's level may be from the player's to be picked.
const levelWindow = 2

// Bot is a synthetic opponent profile.
type Bot struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Level int        `json:"level"`
	Stats core.Stats `json:"stats"`
}

// Side returns the bot as a simulation participant.
func (b Bot) Side() Side {
	return Side{ID: b.ID, Level: b.Level, Stats: b.Stats}
}

// PickOpponent selects a random bot within levelWindow of playerLevel, falling
// back to the lowest-level bot. It reports false for an empty roster.
func PickOpponent(bots []Bot, playerLevel int, rng Rand) (Bot, bool) {
	if len(bots) == 0 {
		return Bot{}, false
	}
	sorted := append([]Bot(nil), bots...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	var suitable []Bot
	for _, b := range sorted {
		if d := b.Level - playerLevel; d >= -levelWindow && d <= levelWindow {
			suitable = append(suitable, b)
		}
	}
	if len(suitable) == 0 {
		return sorted[0], true
	}
	return suitable[rng.IntN(len(suitable))], true
}

var rosterNames = []string{"Rookie FC", "Barrio United", "Salon Stars", "Quadra Kings", "Red Wall", "Pivot Masters", "Ala Legends", "Golden Futsal"}

// DefaultRoster returns bots spread over levels 1 to 50 with stats that grow
// with level.
func DefaultRoster() []Bot {
	bots := make([]Bot, 0, 25)
	for level := 1; level <= 50; level += 2 {
		stats := make(core.Stats, len(core.AllStats))
		for _, s := range core.AllStats {
			stats[s] = min(95, 40+level)
		}
		bots = append(bots, Bot{
			ID:    fmt.Sprintf("bot-%02d", level),
			Name:  rosterNames[(level/2)%len(rosterNames)],
			Level: level,
			Stats: stats,
		})
	}
	return bots
}
