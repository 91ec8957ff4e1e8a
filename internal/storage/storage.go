// Package storage defines the durable store contracts the mines engine consumes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"micro-casino/internal/models"
)

// ErrNotFound is returned when a durable record does not exist.
var ErrNotFound = errors.New("record not found")

// GameRecord is the durable history row of one mines round.
type GameRecord struct {
	ID             int64
	GameID         string
	Username       string
	BetAmount      decimal.Decimal
	GridSize       int
	MineCount      int
	ClientSeed     string
	ServerSeedHash string
	Nonce          int64
	Status         models.GameStatus
	Multiplier     decimal.Decimal
	Payout         decimal.Decimal
	Profit         decimal.Decimal
	RevealedTiles  []int
	MinePositions  []int
	CreatedAt      time.Time
	CompletedAt    *time.Time
	DurationMillis int64
}

// GameOutcome is the terminal update applied to a GameRecord.
type GameOutcome struct {
	ID            int64
	GameID        string
	Status        models.GameStatus
	Multiplier    decimal.Decimal
	Payout        decimal.Decimal
	Profit        decimal.Decimal
	RevealedTiles []int
	MinePositions []int
	CompletedAt   time.Time
}

// BalanceUpdate overwrites one durable balance.
type BalanceUpdate struct {
	Username string
	Balance  decimal.Decimal
}

// SeedStore persists seed pairs, nonces and the rotation archive.
type SeedStore interface {
	GetSeedPair(ctx context.Context, username string) (models.UserSeedPair, error)
	// CreateSeedPair inserts pair unless one exists and returns the stored pair.
	CreateSeedPair(ctx context.Context, pair models.UserSeedPair) (models.UserSeedPair, error)
	IncrementNonce(ctx context.Context, username string) (int64, error)
	// MirrorNonce raises the stored nonce to nonce if the active hash still matches.
	MirrorNonce(ctx context.Context, username, serverSeedHash string, nonce int64) error
	// SaveRotation archives the retired pair and stores the new one in one transaction.
	SaveRotation(ctx context.Context, record models.SeedRotationRecord, pair models.UserSeedPair) error
	FindRotation(ctx context.Context, serverSeedHash, clientSeed string, nonce int64) (models.SeedRotationRecord, error)
}

// GameStore persists the authoritative round history.
type GameStore interface {
	InsertGame(ctx context.Context, record GameRecord) (int64, error)
	FinishGame(ctx context.Context, outcome GameOutcome) error
	ListGames(ctx context.Context, username string, limit int) ([]GameRecord, error)
}

// BalanceStore persists balances.
type BalanceStore interface {
	// EnsureUser returns the stored balance, creating the user with initial if absent.
	EnsureUser(ctx context.Context, username string, initial decimal.Decimal) (decimal.Decimal, error)
	GetBalance(ctx context.Context, username string) (decimal.Decimal, error)
	// BulkUpdateBalances overwrites all balances in a single statement.
	BulkUpdateBalances(ctx context.Context, updates []BalanceUpdate) error
}

// ExperienceStore persists leveling experience.
type ExperienceStore interface {
	AwardExperience(ctx context.Context, username string, xp int64) error
	GetExperience(ctx context.Context, username string) (int64, error)
}

// Store is everything the engine needs from the durable store.
type Store interface {
	SeedStore
	GameStore
	BalanceStore
	ExperienceStore
}
