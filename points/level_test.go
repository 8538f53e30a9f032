package points_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/points"
)

func TestComputeLevel_StepFunction(t *testing.T) {
	levels := points.DefaultLevels()

	cases := []struct {
		total int64
		want  int
	}{
		{-50, 1},
		{0, 1},
		{99, 1},
		{100, 2},
		{499, 2},
		{500, 3},
		{63999, 9},
		{64000, 10},
		{1_000_000, 10},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, levels.ComputeLevel(c.total).Number, "total %d", c.total)
	}
}

func TestPointsToNextLevel(t *testing.T) {
	levels := points.DefaultLevels()

	assert.Equal(t, int64(100), levels.PointsToNextLevel(0))
	assert.Equal(t, int64(1), levels.PointsToNextLevel(99))
	assert.Equal(t, int64(400), levels.PointsToNextLevel(100))
	assert.Equal(t, int64(0), levels.PointsToNextLevel(64000), "top level has no next level")
}

func TestLevelTable_Validate(t *testing.T) {
	require.NoError(t, points.DefaultLevels().Validate())

	assert.Error(t, points.LevelTable{}.Validate(), "empty table")
	assert.Error(t, points.LevelTable{{Number: 1, MinPoints: 10}}.Validate(), "first level must start at 0")
	assert.Error(t, points.LevelTable{
		{Number: 1, MinPoints: 0},
		{Number: 2, MinPoints: 0},
	}.Validate(), "thresholds must increase")
	assert.Error(t, points.LevelTable{
		{Number: 2, MinPoints: 0},
		{Number: 1, MinPoints: 100},
	}.Validate(), "numbers must increase")
}

func TestLevelTable_Lookup(t *testing.T) {
	levels := points.DefaultLevels()

	l, ok := levels.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, int64(500), l.MinPoints)
	assert.Equal(t, int64(200), l.DailyCap)

	_, ok = levels.Lookup(42)
	assert.False(t, ok)
}
