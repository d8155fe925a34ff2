package core

import (
	"fmt"
	"math"
	"sort"
)

const (
	DefaultLevelBase      = 100
	DefaultLevelGrowth    = 1.05
	DefaultMaxLevel       = 100
	DefaultPointsPerLevel = 5
)

// LevelCurve maps cumulative experience to a level through a precomputed
// threshold table: T[0]=0, T[i] = T[i-1] + ceil(base * growth^(i-1)).
// The zero value is not usable; build one with NewLevelCurve.
type LevelCurve struct {
	base       int64
	growth     float64
	thresholds []int64
}

// NewLevelCurve builds the threshold table for levels 1..maxLevel.
func NewLevelCurve(base int64, growth float64, maxLevel int) (*LevelCurve, error) {
	if base <= 0 {
		return nil, fmt.Errorf("%w: level base must be positive", ErrValidation)
	}
	if growth < 1 {
		return nil, fmt.Errorf("%w: level growth must be >= 1", ErrValidation)
	}
	if maxLevel < 1 {
		return nil, fmt.Errorf("%w: max level must be >= 1", ErrValidation)
	}
	t := make([]int64, maxLevel)
	for i := 1; i < maxLevel; i++ {
		// float noise must not bump an exact step (e.g. 105.00000000000001) up a unit
		step := int64(math.Ceil(float64(base)*math.Pow(growth, float64(i-1)) - 1e-9))
		next, err := AddSafe(t[i-1], step)
		if err != nil {
			return nil, fmt.Errorf("%w: level table overflows at level %d", ErrValidation, i+1)
		}
		t[i] = next
	}
	return &LevelCurve{base: base, growth: growth, thresholds: t}, nil
}

// DefaultLevelCurve returns the canonical 5%-compounding curve capped at level 100.
func DefaultLevelCurve() *LevelCurve {
	c, err := NewLevelCurve(DefaultLevelBase, DefaultLevelGrowth, DefaultMaxLevel)
	if err != nil {
		panic(err)
	}
	return c
}

// LevelFor returns the greatest level whose threshold is <= totalExperience.
func (c *LevelCurve) LevelFor(totalExperience int64) int {
	if totalExperience <= 0 {
		return 1
	}
	// first index whose threshold exceeds the experience; T[0]=0 so idx >= 1
	idx := sort.Search(len(c.thresholds), func(i int) bool {
		return c.thresholds[i] > totalExperience
	})
	return idx
}

// Threshold returns the cumulative experience needed to reach level.
func (c *LevelCurve) Threshold(level int) int64 {
	switch {
	case level <= 1:
		return 0
	case level > len(c.thresholds):
		return c.thresholds[len(c.thresholds)-1]
	}
	return c.thresholds[level-1]
}

// ExperienceToNext returns how much experience is missing for the next level,
// or 0 at the maximum level.
func (c *LevelCurve) ExperienceToNext(totalExperience int64) int64 {
	lvl := c.LevelFor(totalExperience)
	if lvl >= c.MaxLevel() {
		return 0
	}
	return c.thresholds[lvl] - totalExperience
}

// MaxLevel returns the highest supported level.
func (c *LevelCurve) MaxLevel() int { return len(c.thresholds) }

// Thresholds returns a copy of the threshold table.
func (c *LevelCurve) Thresholds() []int64 {
	return append([]int64(nil), c.thresholds...)
}
