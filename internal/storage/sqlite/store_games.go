package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"micro-casino/internal/models"
	"micro-casino/internal/storage"
)

// InsertGame writes the creation row of a round and returns its durable id.
// Mine positions are never written here. Re-inserting a game id returns the existing row id.
func (s *Store) InsertGame(ctx context.Context, record storage.GameRecord) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if record.GameID == "" || record.Username == "" {
		return 0, fmt.Errorf("game id and username are required")
	}
	var id int64
	err := s.sqlDB.QueryRowContext(ctx, `
INSERT INTO mines_games (
	game_id,
	username,
	bet_amount,
	grid_size,
	mine_count,
	client_seed,
	server_seed_hash,
	nonce,
	status,
	multiplier,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(game_id) DO UPDATE SET game_id = excluded.game_id
RETURNING id
`,
		record.GameID,
		record.Username,
		formatAmount(record.BetAmount),
		record.GridSize,
		record.MineCount,
		record.ClientSeed,
		record.ServerSeedHash,
		record.Nonce,
		string(models.StatusPlaying),
		formatAmount(record.Multiplier),
		record.CreatedAt.UTC().UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert game: %w", err)
	}
	return id, nil
}

// FinishGame applies the terminal outcome. It targets the durable id when
// known and falls back to the game id otherwise.
func (s *Store) FinishGame(ctx context.Context, outcome storage.GameOutcome) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("finish game: status %q is not terminal", outcome.Status)
	}

	where, key := "id = ?", any(outcome.ID)
	if outcome.ID == 0 {
		if outcome.GameID == "" {
			return fmt.Errorf("finish game: durable id or game id is required")
		}
		where, key = "game_id = ?", outcome.GameID
	}

	completed := outcome.CompletedAt.UTC().UnixMilli()
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE mines_games SET
	status = ?,
	multiplier = ?,
	payout = ?,
	profit = ?,
	revealed_tiles = ?,
	mine_positions = ?,
	completed_at = ?,
	duration_ms = MAX(0, ? - created_at)
WHERE `+where,
		string(outcome.Status),
		formatAmount(outcome.Multiplier),
		formatAmount(outcome.Payout),
		formatAmount(outcome.Profit),
		joinInts(outcome.RevealedTiles),
		joinInts(outcome.MinePositions),
		completed,
		completed,
		key,
	)
	if err != nil {
		return fmt.Errorf("finish game: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish game rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListGames returns username's rounds, newest first.
func (s *Store) ListGames(ctx context.Context, username string, limit int) ([]storage.GameRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	game_id,
	username,
	bet_amount,
	grid_size,
	mine_count,
	client_seed,
	server_seed_hash,
	nonce,
	status,
	multiplier,
	payout,
	profit,
	revealed_tiles,
	mine_positions,
	created_at,
	completed_at,
	duration_ms
FROM mines_games
WHERE username = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()

	records := make([]storage.GameRecord, 0, limit)
	for rows.Next() {
		var (
			r                               storage.GameRecord
			status                          string
			bet, multiplier, payout, profit string
			revealed, mines                 string
			createdAt                       int64
			completedAt                     sql.NullInt64
		)
		if err := rows.Scan(
			&r.ID,
			&r.GameID,
			&r.Username,
			&bet,
			&r.GridSize,
			&r.MineCount,
			&r.ClientSeed,
			&r.ServerSeedHash,
			&r.Nonce,
			&status,
			&multiplier,
			&payout,
			&profit,
			&revealed,
			&mines,
			&createdAt,
			&completedAt,
			&r.DurationMillis,
		); err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		r.Status = models.GameStatus(status)
		if r.BetAmount, err = parseAmount("bet_amount", bet); err != nil {
			return nil, err
		}
		if r.Multiplier, err = parseAmount("multiplier", multiplier); err != nil {
			return nil, err
		}
		if r.Payout, err = parseAmount("payout", payout); err != nil {
			return nil, err
		}
		if r.Profit, err = parseAmount("profit", profit); err != nil {
			return nil, err
		}
		if r.RevealedTiles, err = splitInts("revealed_tiles", revealed); err != nil {
			return nil, err
		}
		if r.MinePositions, err = splitInts("mine_positions", mines); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMillis(createdAt)
		if completedAt.Valid {
			t := fromMillis(completedAt.Int64)
			r.CompletedAt = &t
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate games: %w", err)
	}
	return records, nil
}
