package models

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// GameType names the game a seed pair or live event belongs to.
type GameType string

const (
	GameTypeMines GameType = "mines"
)

// GameStatus is the lifecycle state of a mines round. Transitions only move
// forward: INITIALIZING -> PLAYING -> one of the terminal states.
type GameStatus string

const (
	StatusInitializing GameStatus = "INITIALIZING"
	StatusPlaying      GameStatus = "PLAYING"
	StatusWon          GameStatus = "WON"
	StatusLost         GameStatus = "LOST"
	StatusCashedOut    GameStatus = "CASHED_OUT"
)

// IsTerminal reports whether s can no longer change.
func (s GameStatus) IsTerminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusCashedOut
}

// Valid reports whether s is a known status.
func (s GameStatus) Valid() bool {
	switch s {
	case StatusInitializing, StatusPlaying, StatusWon, StatusLost, StatusCashedOut:
		return true
	}
	return false
}

// GameRecordVersion is the schema version of game records in the fast store.
const GameRecordVersion = 1

// MinesGameState is a live mines round. MineMask is fixed once the round
// leaves INITIALIZING; RevealedMask only ever gains bits.
type MinesGameState struct {
	Version        int
	GameID         string
	Username       string
	GridSize       int
	MineCount      int
	MineMask       *big.Int
	RevealedMask   *big.Int
	RevealedTiles  []int
	Multiplier     decimal.Decimal
	Status         GameStatus
	BetAmount      decimal.Decimal
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	Nonce          int64
	GemsLeft       int
	DurableID      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SafeTiles is the number of tiles without a mine.
func (g *MinesGameState) SafeTiles() int {
	return g.GridSize - g.MineCount
}

// Sanitize returns the projection safe to show while the round may still be
// active: no server seed, no masks.
func (g *MinesGameState) Sanitize() *GameSummary {
	return &GameSummary{
		GameID:         g.GameID,
		GameType:       GameTypeMines,
		GridSize:       g.GridSize,
		MineCount:      g.MineCount,
		BetAmount:      g.BetAmount,
		Multiplier:     g.Multiplier,
		Status:         g.Status,
		RevealedTiles:  append([]int{}, g.RevealedTiles...),
		GemsLeft:       g.GemsLeft,
		ServerSeedHash: g.ServerSeedHash,
		ClientSeed:     g.ClientSeed,
		Nonce:          g.Nonce,
		CreatedAt:      g.CreatedAt,
	}
}
