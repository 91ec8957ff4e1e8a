package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreateGameRequest struct {
	BetAmount string `json:"bet_amount" binding:"required"`
	MineCount int    `json:"mine_count" binding:"required"`
	GridSize  int    `json:"grid_size"`
}

type RevealRequest struct {
	TileIndex *int `json:"tile_index" binding:"required"`
}

type VerifyRequest struct {
	ServerSeed string `json:"server_seed" binding:"required"`
	ClientSeed string `json:"client_seed" binding:"required"`
	Nonce      int64  `json:"nonce" binding:"required"`
	MineCount  int    `json:"mine_count" binding:"required"`
	GridSize   int    `json:"grid_size"`
}

type RotateSeedRequest struct {
	ClientSeed string `json:"client_seed"`
}

type VerifySeedRequest struct {
	ServerSeedHash string `json:"server_seed_hash" binding:"required"`
	ClientSeed     string `json:"client_seed" binding:"required"`
	Nonce          int64  `json:"nonce" binding:"required"`
}

// GameSummary is the sanitized view of a round.
type GameSummary struct {
	GameID         string          `json:"game_id"`
	GameType       GameType        `json:"game_type"`
	GridSize       int             `json:"grid_size"`
	MineCount      int             `json:"mine_count"`
	BetAmount      decimal.Decimal `json:"bet_amount"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	Status         GameStatus      `json:"status"`
	RevealedTiles  []int           `json:"revealed_tiles"`
	GemsLeft       int             `json:"gems_left"`
	ServerSeedHash string          `json:"server_seed_hash"`
	ClientSeed     string          `json:"client_seed"`
	Nonce          int64           `json:"nonce"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RevealResult is the outcome of a single tile reveal. ServerSeed is only
// filled once the seed pair that produced the round has been rotated out;
// MinePositions once the round is terminal.
type RevealResult struct {
	GameID        string          `json:"game_id"`
	TileIndex     int             `json:"tile_index"`
	HitMine       bool            `json:"hit_mine"`
	Active        bool            `json:"active"`
	Status        GameStatus      `json:"status"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	GemsLeft      int             `json:"gems_left"`
	PayoutDelta   decimal.Decimal `json:"payout_delta"`
	ServerSeed    string          `json:"server_seed,omitempty"`
	MinePositions []int           `json:"mine_positions,omitempty"`
}

type CashoutResult struct {
	GameID        string          `json:"game_id"`
	Winnings      decimal.Decimal `json:"winnings"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	ServerSeed    string          `json:"server_seed,omitempty"`
	MinePositions []int           `json:"mine_positions"`
}

type VerifyResult struct {
	ServerSeedHash string `json:"server_seed_hash"`
	ClientSeed     string `json:"client_seed"`
	Nonce          int64  `json:"nonce"`
	GridSize       int    `json:"grid_size"`
	MineCount      int    `json:"mine_count"`
	MineMask       string `json:"mine_mask"`
	MinePositions  []int  `json:"mine_positions"`
}

// SeedVerification is the result of looking up a seed pair for a past round.
type SeedVerification struct {
	Status     SeedVerificationStatus `json:"status"`
	ServerSeed string                 `json:"server_seed,omitempty"`
	Rotation   *SeedRotationRecord    `json:"rotation,omitempty"`
}

type SeedVerificationStatus string

const (
	// SeedPending means the pair is still active, so the preimage is withheld.
	SeedPending  SeedVerificationStatus = "VALID_PENDING_ROTATION"
	SeedVerified SeedVerificationStatus = "VERIFIED"
	SeedNotFound SeedVerificationStatus = "NOT_FOUND"
)

// HistoryEntry is one finished (or still running) round from durable history.
type HistoryEntry struct {
	GameID         string          `json:"game_id"`
	BetAmount      decimal.Decimal `json:"bet_amount"`
	GridSize       int             `json:"grid_size"`
	MineCount      int             `json:"mine_count"`
	Status         GameStatus      `json:"status"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	Payout         decimal.Decimal `json:"payout"`
	Profit         decimal.Decimal `json:"profit"`
	ServerSeedHash string          `json:"server_seed_hash"`
	ClientSeed     string          `json:"client_seed"`
	Nonce          int64           `json:"nonce"`
	RevealedTiles  []int           `json:"revealed_tiles"`
	MinePositions  []int           `json:"mine_positions,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// LiveBetEvent is published for live-feed consumers after a round ends.
type LiveBetEvent struct {
	Username   string          `json:"username"`
	GameType   GameType        `json:"game_type"`
	Stake      decimal.Decimal `json:"stake"`
	Profit     decimal.Decimal `json:"profit"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Timestamp  int64           `json:"timestamp"`
}
