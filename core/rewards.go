package core

import (
	"fmt"
	"math"
	"strings"
)

// OutcomeKind is the result of a match from the actor's point of view.
type OutcomeKind string

const (
	OutcomeWin  OutcomeKind = "win"
	OutcomeLoss OutcomeKind = "loss"
	OutcomeDraw OutcomeKind = "draw"
)

// ParseOutcome validates an outcome kind.
func ParseOutcome(s string) (OutcomeKind, error) {
	switch k := OutcomeKind(strings.ToLower(strings.TrimSpace(s))); k {
	case OutcomeWin, OutcomeLoss, OutcomeDraw:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q", ErrValidation, s)
	}
}

// Reward is an experience/currency grant.
type Reward struct {
	Exp   int64 `json:"exp"`
	Coins int64 `json:"coins"`
}

// RewardPolicy maps match outcomes to grants, adjusted by the level gap.
type RewardPolicy struct {
	Base  map[OutcomeKind]Reward
	Floor Reward
	// Training is the flat grant for one training session.
	Training Reward

	// Bonus per level the opponent is above the actor, capped at MaxBonus.
	BonusPerLevel float64
	MaxBonus      float64
	// Penalty per level the opponent is below the actor, capped at MaxPenalty.
	PenaltyPerLevel float64
	MaxPenalty      float64
}

// DefaultRewardPolicy returns the canonical policy.
func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{
		Base: map[OutcomeKind]Reward{
			OutcomeWin:  {Exp: 60, Coins: 80},
			OutcomeDraw: {Exp: 35, Coins: 45},
			OutcomeLoss: {Exp: 20, Coins: 25},
		},
		Floor:           Reward{Exp: 10, Coins: 15},
		Training:        Reward{Exp: 100, Coins: 150},
		BonusPerLevel:   0.1,
		MaxBonus:        0.5,
		PenaltyPerLevel: 0.05,
		MaxPenalty:      0.2,
	}
}

// Validate checks that base grants are ordered win > draw > loss and not below the floor.
func (p RewardPolicy) Validate() error {
	win, okW := p.Base[OutcomeWin]
	draw, okD := p.Base[OutcomeDraw]
	loss, okL := p.Base[OutcomeLoss]
	if !okW || !okD || !okL {
		return fmt.Errorf("%w: reward policy needs win, draw and loss grants", ErrValidation)
	}
	if !(win.Exp > draw.Exp && draw.Exp > loss.Exp) || !(win.Coins > draw.Coins && draw.Coins > loss.Coins) {
		return fmt.Errorf("%w: reward grants must be ordered win > draw > loss", ErrValidation)
	}
	if p.Floor.Exp < 0 || p.Floor.Coins < 0 {
		return fmt.Errorf("%w: reward floor cannot be negative", ErrValidation)
	}
	if p.MaxBonus < 0 || p.MaxPenalty < 0 || p.MaxPenalty >= 1 {
		return fmt.Errorf("%w: reward multiplier caps out of range", ErrValidation)
	}
	return nil
}

// Multiplier returns the difficulty multiplier for the given level gap.
func (p RewardPolicy) Multiplier(actorLevel, opponentLevel int) float64 {
	m := 1.0
	switch gap := opponentLevel - actorLevel; {
	case gap > 0:
		m += math.Min(p.MaxBonus, p.BonusPerLevel*float64(gap))
	case gap < 0:
		m -= math.Min(p.MaxPenalty, p.PenaltyPerLevel*float64(-gap))
	}
	return m
}

// RewardFor computes the grant for an outcome against an opponent.
func (p RewardPolicy) RewardFor(kind OutcomeKind, actorLevel, opponentLevel int) (Reward, error) {
	base, ok := p.Base[kind]
	if !ok {
		return Reward{}, fmt.Errorf("%w: unknown outcome %q", ErrValidation, kind)
	}
	m := p.Multiplier(actorLevel, opponentLevel)
	r := Reward{
		Exp:   int64(math.Round(float64(base.Exp) * m)),
		Coins: int64(math.Round(float64(base.Coins) * m)),
	}
	if r.Exp < p.Floor.Exp {
		r.Exp = p.Floor.Exp
	}
	if r.Coins < p.Floor.Coins {
		r.Coins = p.Floor.Coins
	}
	return r, nil
}
