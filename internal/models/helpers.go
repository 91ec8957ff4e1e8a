package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"micro-casino/internal/apperr"
)

var amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,2})?$`)

func GenerateGameID() string {
	return fmt.Sprintf("mines_%s_%s",
		time.Now().UTC().Format("20060102"),
		uuid.NewString())
}

// ParseAmount parses a non-negative amount with at most two decimals.
func ParseAmount(s string) (decimal.Decimal, error) {
	if !amountPattern.MatchString(s) {
		return decimal.Zero, fmt.Errorf("malformed amount %q", s)
	}
	return decimal.NewFromString(s)
}

// FormatAmount renders an amount with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// BetLimits bounds accepted stakes and grids.
type BetLimits struct {
	MinBet          decimal.Decimal
	MaxBet          decimal.Decimal
	DefaultGridSize int
	MaxGridSize     int
}

// Validate checks the request before any side effect and returns the parsed bet.
func (r *CreateGameRequest) Validate(limits BetLimits) (decimal.Decimal, error) {
	bet, err := ParseAmount(r.BetAmount)
	if err != nil {
		return decimal.Zero, apperr.Validation("bet amount must be a positive number with at most two decimals")
	}
	if !bet.IsPositive() {
		return decimal.Zero, apperr.Validation("bet amount must be positive")
	}
	if bet.LessThan(limits.MinBet) {
		return decimal.Zero, apperr.Validation(fmt.Sprintf("minimum bet is %s", FormatAmount(limits.MinBet)))
	}
	if bet.GreaterThan(limits.MaxBet) {
		return decimal.Zero, apperr.Validation(fmt.Sprintf("maximum bet is %s", FormatAmount(limits.MaxBet)))
	}

	if r.GridSize == 0 {
		r.GridSize = limits.DefaultGridSize
	}
	if r.GridSize < 2 || r.GridSize > limits.MaxGridSize {
		return decimal.Zero, apperr.Validation(fmt.Sprintf("grid size must be between 2 and %d", limits.MaxGridSize))
	}
	if r.MineCount < 1 || r.MineCount > r.GridSize-1 {
		return decimal.Zero, apperr.Validation(fmt.Sprintf("mine count must be between 1 and %d", r.GridSize-1))
	}
	return bet, nil
}
