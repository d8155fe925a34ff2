// Package match simulates futsal matches against synthetic (bot) opponents.
package match

import (
	"math"

	"github.com/CMDESIGN8/lupiback/core"
)

const (
	// MaxScore caps either side's goals.
	MaxScore = 7

	maxAdvantageBoost    = 0.5
	maxDisadvantageBoost = 0.3
	tieBreakChance       = 0.5
)

// Side is one participant of a simulated match.
type Side struct {
	ID    string     `json:"id"`
	Level int        `json:"level"`
	Stats core.Stats `json:"stats"`
}

// Result is the simulated score line. WinnerID is empty on a draw.
type Result struct {
	ActorScore    int              `json:"actor_score"`
	OpponentScore int              `json:"opponent_score"`
	WinnerID      string           `json:"winner_id,omitempty"`
	Advantage     float64          `json:"advantage"`
	Kind          core.OutcomeKind `json:"kind"`
}

// Advantage is the actor's edge: stat gap in hundredths plus 10% per level.
func Advantage(actor, opponent Side) float64 {
	return (actor.Stats.Average()-opponent.Stats.Average())/100 + float64(actor.Level-opponent.Level)*0.1
}

// Simulate plays one match between actor and opponent using rng.
func Simulate(actor, opponent Side, rng Rand) Result {
	adv := Advantage(actor, opponent)
	base := rng.IntN(3) + 1

	var actorScore, oppScore int
	if adv > 0 {
		actorScore = int(math.Round(float64(base) * (1 + math.Min(adv, maxAdvantageBoost))))
		oppScore = max(0, base-int(math.Floor(adv*2)))
	} else {
		oppScore = int(math.Round(float64(base) * (1 + math.Min(-adv, maxDisadvantageBoost))))
		actorScore = max(0, base-int(math.Floor(-adv*1.5)))
	}
	actorScore = clampScore(actorScore)
	oppScore = clampScore(oppScore)

	if actorScore == oppScore && rng.Float64() < tieBreakChance {
		if rng.Float64() < actorTieBreakOdds(adv) {
			actorScore, oppScore = breakTie(actorScore, oppScore)
		} else {
			oppScore, actorScore = breakTie(oppScore, actorScore)
		}
	}

	res := Result{ActorScore: actorScore, OpponentScore: oppScore, Advantage: adv, Kind: core.OutcomeDraw}
	switch {
	case actorScore > oppScore:
		res.WinnerID, res.Kind = actor.ID, core.OutcomeWin
	case oppScore > actorScore:
		res.WinnerID, res.Kind = opponent.ID, core.OutcomeLoss
	}
	return res
}

// actorTieBreakOdds weights the tie break toward the side with positive advantage.
func actorTieBreakOdds(adv float64) float64 {
	return math.Max(0.1, math.Min(0.9, 0.5+adv))
}

// breakTie gives the winner one more goal, or takes one from the loser at the cap.
func breakTie(winner, loser int) (int, int) {
	if winner < MaxScore {
		return winner + 1, loser
	}
	return winner, loser - 1
}

func clampScore(v int) int {
	return max(0, min(v, MaxScore))
}
