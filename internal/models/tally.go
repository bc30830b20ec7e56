package models

import "math"

// ClassTally holds per-bucket counts derived from a detection batch.
type ClassTally struct {
	Bottle   uint `json:"bottle"`
	Cup      uint `json:"cup"`
	Utensils uint `json:"utensils"`
}

// Tally classifies each detection into exactly one bucket. Labels outside the
// recognized set contribute to none.
func Tally(dets []Detection) ClassTally {
	var t ClassTally
	for _, d := range dets {
		switch d.Label {
		case LabelBottle:
			t.Bottle++
		case LabelCup:
			t.Cup++
		case LabelFork, LabelKnife, LabelSpoon:
			t.Utensils++
		}
	}
	return t
}

// Total is the sum of all buckets.
func (t ClassTally) Total() uint {
	return t.Bottle + t.Cup + t.Utensils
}

// LitersFromFill clamps fillPercent to [0,100] and scales it to maxLiters,
// rounded to the nearest liter.
func LitersFromFill(fillPercent, maxLiters float64) float64 {
	clamped := math.Max(0, math.Min(100, fillPercent))
	return math.Round(clamped / 100 * maxLiters)
}
