package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelCurveThresholds(t *testing.T) {
	c := DefaultLevelCurve()
	th := c.Thresholds()
	require.Len(t, th, DefaultMaxLevel)
	assert.Equal(t, []int64{0, 100, 205, 316}, th[:4])
	assert.Equal(t, DefaultMaxLevel, c.MaxLevel())
}

func TestLevelForBoundaries(t *testing.T) {
	c := DefaultLevelCurve()
	assert.Equal(t, 1, c.LevelFor(0))
	assert.Equal(t, 1, c.LevelFor(-50))
	assert.Equal(t, 1, c.LevelFor(99))
	assert.Equal(t, 2, c.LevelFor(100))
	assert.Equal(t, 2, c.LevelFor(204))
	assert.Equal(t, 3, c.LevelFor(205))
	assert.Equal(t, 3, c.LevelFor(250))
	assert.Equal(t, 4, c.LevelFor(316))
}

func TestLevelForAgreesWithTable(t *testing.T) {
	c := DefaultLevelCurve()
	th := c.Thresholds()
	for i, v := range th {
		require.Equal(t, i+1, c.LevelFor(v), "threshold %d", i)
		if v > 0 {
			require.Equal(t, i, c.LevelFor(v-1), "just below threshold %d", i)
		}
	}
	// one huge grant lands on the cap rather than looping
	assert.Equal(t, DefaultMaxLevel, c.LevelFor(th[len(th)-1]*10))
}

func TestLevelForMonotonic(t *testing.T) {
	c := DefaultLevelCurve()
	prev := c.LevelFor(0)
	for e := int64(0); e < 200_000; e += 37 {
		lvl := c.LevelFor(e)
		require.GreaterOrEqual(t, lvl, prev, "experience %d", e)
		prev = lvl
	}
}

func TestExperienceToNext(t *testing.T) {
	c := DefaultLevelCurve()
	assert.Equal(t, int64(100), c.ExperienceToNext(0))
	assert.Equal(t, int64(66), c.ExperienceToNext(250))
	assert.Equal(t, int64(0), c.ExperienceToNext(c.Threshold(c.MaxLevel())))
	assert.Equal(t, int64(205), c.Threshold(3))
}

func TestNewLevelCurveValidation(t *testing.T) {
	_, err := NewLevelCurve(0, 1.05, 10)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewLevelCurve(100, 0.9, 10)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewLevelCurve(100, 1.05, 0)
	assert.ErrorIs(t, err, ErrValidation)

	flat, err := NewLevelCurve(100, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 100, 200, 300, 400}, flat.Thresholds())
}
