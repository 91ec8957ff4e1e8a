package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"micro-casino/internal/models"
	"micro-casino/internal/storage"
)

// BackupService writes the durable history row of each round: once when the
// round starts and once when it ends.
type BackupService struct {
	store storage.GameStore
	repo  *GameRepository
}

func NewBackupService(store storage.GameStore, repo *GameRepository) *BackupService {
	return &BackupService{store: store, repo: repo}
}

// BackupCreated inserts the PLAYING row, without mine positions, and stamps
// the durable id back onto the live game.
func (b *BackupService) BackupCreated(ctx context.Context, game *models.MinesGameState) (int64, error) {
	id, err := b.insert(ctx, game)
	if err != nil {
		return 0, fmt.Errorf("backup game %s: %w", game.GameID, err)
	}
	// The game may already be over and deleted; its finish update falls back
	// to the game id in that case.
	if _, err := b.repo.StampDurableID(ctx, game.GameID, id); err != nil {
		return id, fmt.Errorf("stamp durable id on %s: %w", game.GameID, err)
	}
	return id, nil
}

func (b *BackupService) insert(ctx context.Context, game *models.MinesGameState) (int64, error) {
	return b.store.InsertGame(ctx, storage.GameRecord{
		GameID:         game.GameID,
		Username:       game.Username,
		BetAmount:      game.BetAmount,
		GridSize:       game.GridSize,
		MineCount:      game.MineCount,
		ClientSeed:     game.ClientSeed,
		ServerSeedHash: game.ServerSeedHash,
		Nonce:          game.Nonce,
		Multiplier:     game.Multiplier,
		CreatedAt:      game.CreatedAt,
	})
}

// BackupFinished applies the terminal outcome, keyed by the durable id the
// game carried when it ended. A round whose creation row never landed is
// inserted first.
func (b *BackupService) BackupFinished(ctx context.Context, game *models.MinesGameState, payout decimal.Decimal, minePositions []int, completedAt time.Time) error {
	durableID := game.DurableID
	err := b.finish(ctx, durableID, game, payout, minePositions, completedAt)
	if errors.Is(err, storage.ErrNotFound) {
		if durableID, err = b.insert(ctx, game); err != nil {
			return fmt.Errorf("backup game %s: %w", game.GameID, err)
		}
		err = b.finish(ctx, durableID, game, payout, minePositions, completedAt)
	}
	if err != nil {
		return fmt.Errorf("finish backup of %s: %w", game.GameID, err)
	}
	return nil
}

func (b *BackupService) finish(ctx context.Context, durableID int64, game *models.MinesGameState, payout decimal.Decimal, minePositions []int, completedAt time.Time) error {
	return b.store.FinishGame(ctx, storage.GameOutcome{
		ID:            durableID,
		GameID:        game.GameID,
		Status:        game.Status,
		Multiplier:    game.Multiplier,
		Payout:        payout,
		Profit:        payout.Sub(game.BetAmount),
		RevealedTiles: game.RevealedTiles,
		MinePositions: minePositions,
		CompletedAt:   completedAt,
	})
}
