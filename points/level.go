package points

import (
	"fmt"
)

// =============================================================================
// LEVEL TABLE - Step function from lifetime points to level
// =============================================================================

type Level struct {
	Number      int    `json:"level"`
	Name        string `json:"name"`
	MinPoints   int64  `json:"min_points"`
	DailyCap    int64  `json:"daily_cap"`
	Description string `json:"description,omitempty"`
}

// LevelTable is ordered by MinPoints ascending. The first level starts at 0.
type LevelTable []Level

// DefaultLevels is the ten-level community table.
func DefaultLevels() LevelTable {
	return LevelTable{
		{Number: 1, Name: "Seedling", MinPoints: 0, DailyCap: 100, Description: "New member"},
		{Number: 2, Name: "Sprout", MinPoints: 100, DailyCap: 100, Description: "Getting started"},
		{Number: 3, Name: "Sapling", MinPoints: 500, DailyCap: 200, Description: "Regular contributor"},
		{Number: 4, Name: "Branch", MinPoints: 1000, DailyCap: 200, Description: "Active contributor"},
		{Number: 5, Name: "Tree", MinPoints: 2000, DailyCap: 300, Description: "Trusted contributor"},
		{Number: 6, Name: "Grove", MinPoints: 4000, DailyCap: 300, Description: "Community pillar"},
		{Number: 7, Name: "Forest", MinPoints: 8000, DailyCap: 500, Description: "Veteran"},
		{Number: 8, Name: "Mountain", MinPoints: 16000, DailyCap: 500, Description: "Expert"},
		{Number: 9, Name: "Summit", MinPoints: 32000, DailyCap: 1000, Description: "Master"},
		{Number: 10, Name: "Legend", MinPoints: 64000, DailyCap: 1000, Description: "Legend"},
	}
}

// Validate checks the table is usable: non-empty, first threshold 0, and
// strictly increasing thresholds and numbers.
func (t LevelTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("level table is empty")
	}
	if t[0].MinPoints != 0 {
		return fmt.Errorf("first level must start at 0 points, got %d", t[0].MinPoints)
	}
	for i, l := range t {
		if l.DailyCap < 0 {
			return fmt.Errorf("level %d: daily cap must not be negative", l.Number)
		}
		if i == 0 {
			continue
		}
		prev := t[i-1]
		if l.MinPoints <= prev.MinPoints {
			return fmt.Errorf("level %d: min points %d must exceed level %d (%d)",
				l.Number, l.MinPoints, prev.Number, prev.MinPoints)
		}
		if l.Number <= prev.Number {
			return fmt.Errorf("level %d: numbers must increase (after %d)", l.Number, prev.Number)
		}
	}
	return nil
}

// Lowest returns the entry level. An empty table yields level 1 with no cap.
func (t LevelTable) Lowest() Level {
	if len(t) == 0 {
		return Level{Number: 1}
	}
	return t[0]
}

func (t LevelTable) Highest() Level {
	if len(t) == 0 {
		return Level{Number: 1}
	}
	return t[len(t)-1]
}

// ComputeLevel returns the highest level whose threshold is <= total.
// Negative totals map to the lowest level.
func (t LevelTable) ComputeLevel(total int64) Level {
	level := t.Lowest()
	for _, l := range t {
		if l.MinPoints > total {
			break
		}
		level = l
	}
	return level
}

// Lookup finds a level by number.
func (t LevelTable) Lookup(number int) (Level, bool) {
	for _, l := range t {
		if l.Number == number {
			return l, true
		}
	}
	return Level{}, false
}

// Next returns the level after the one total currently maps to.
func (t LevelTable) Next(total int64) (Level, bool) {
	for _, l := range t {
		if l.MinPoints > total {
			return l, true
		}
	}
	return Level{}, false
}

// PointsToNextLevel is 0 at the top level.
func (t LevelTable) PointsToNextLevel(total int64) int64 {
	next, ok := t.Next(total)
	if !ok {
		return 0
	}
	return next.MinPoints - total
}
