package fairness

import (
	"github.com/shopspring/decimal"
)

var (
	// HouseEdge is applied to the fair odds of every revealed tile sequence.
	HouseEdge = decimal.RequireFromString("0.99")

	// MaxMultiplier caps any payout multiplier.
	MaxMultiplier = decimal.NewFromInt(1000)

	one = decimal.NewFromInt(1)
)

// CalculateMultiplier returns the payout multiplier after tilesRevealed safe
// reveals: the inverse probability of that safe sequence, times HouseEdge,
// capped at MaxMultiplier and rounded to two decimals. It never drops below
// 1.00, so it is non-decreasing in tilesRevealed.
func CalculateMultiplier(mineCount, gridSize, tilesRevealed int) decimal.Decimal {
	if tilesRevealed <= 0 {
		return one
	}
	safeTiles := gridSize - mineCount
	if safeTiles <= 0 {
		return one
	}
	if tilesRevealed > safeTiles {
		tilesRevealed = safeTiles
	}

	odds := one
	for i := 0; i < tilesRevealed; i++ {
		odds = odds.Mul(decimal.NewFromInt(int64(gridSize - i))).
			Div(decimal.NewFromInt(int64(safeTiles - i)))
		if odds.Mul(HouseEdge).GreaterThan(MaxMultiplier) {
			break
		}
	}

	m := odds.Mul(HouseEdge)
	if m.GreaterThan(MaxMultiplier) {
		m = MaxMultiplier
	}
	m = m.Round(2)
	if m.LessThan(one) {
		m = one
	}
	return m
}
