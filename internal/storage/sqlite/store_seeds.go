package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"micro-casino/internal/models"
	"micro-casino/internal/storage"
)

const seedColumns = `
	username,
	active_server_seed,
	active_server_seed_hash,
	active_client_seed,
	next_server_seed,
	next_server_seed_hash,
	nonce,
	total_games_played,
	max_games_per_seed,
	created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeedPair(row rowScanner) (models.UserSeedPair, error) {
	var pair models.UserSeedPair
	var createdAt int64
	err := row.Scan(
		&pair.Username,
		&pair.ActiveServerSeed,
		&pair.ActiveServerSeedHash,
		&pair.ActiveClientSeed,
		&pair.NextServerSeed,
		&pair.NextServerSeedHash,
		&pair.Nonce,
		&pair.TotalGamesPlayed,
		&pair.MaxGamesPerSeed,
		&createdAt,
	)
	if err != nil {
		return models.UserSeedPair{}, err
	}
	pair.CreatedAt = fromMillis(createdAt)
	return pair, nil
}

// GetSeedPair returns the stored seed pair of username.
func (s *Store) GetSeedPair(ctx context.Context, username string) (models.UserSeedPair, error) {
	if err := s.ready(ctx); err != nil {
		return models.UserSeedPair{}, err
	}
	pair, err := scanSeedPair(s.sqlDB.QueryRowContext(ctx,
		`SELECT`+seedColumns+` FROM user_seeds WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserSeedPair{}, storage.ErrNotFound
	}
	if err != nil {
		return models.UserSeedPair{}, fmt.Errorf("get seed pair: %w", err)
	}
	return pair, nil
}

// CreateSeedPair inserts pair unless username already has one, then returns the stored pair.
func (s *Store) CreateSeedPair(ctx context.Context, pair models.UserSeedPair) (models.UserSeedPair, error) {
	if err := s.ready(ctx); err != nil {
		return models.UserSeedPair{}, err
	}
	if pair.Username == "" {
		return models.UserSeedPair{}, fmt.Errorf("username is required")
	}
	now := nowMillis()
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO user_seeds (`+seedColumns+`, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(username) DO NOTHING
`,
		pair.Username,
		pair.ActiveServerSeed,
		pair.ActiveServerSeedHash,
		pair.ActiveClientSeed,
		pair.NextServerSeed,
		pair.NextServerSeedHash,
		pair.Nonce,
		pair.TotalGamesPlayed,
		pair.MaxGamesPerSeed,
		pair.CreatedAt.UTC().UnixMilli(),
		now,
	)
	if err != nil {
		return models.UserSeedPair{}, fmt.Errorf("create seed pair: %w", err)
	}
	return s.GetSeedPair(ctx, pair.Username)
}

// IncrementNonce atomically bumps and returns the stored nonce.
func (s *Store) IncrementNonce(ctx context.Context, username string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var nonce int64
	err := s.sqlDB.QueryRowContext(ctx, `
UPDATE user_seeds
SET nonce = nonce + 1, total_games_played = total_games_played + 1, updated_at = ?
WHERE username = ?
RETURNING nonce
`, nowMillis(), username).Scan(&nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment nonce: %w", err)
	}
	return nonce, nil
}

// MirrorNonce raises the stored nonce to nonce. Lower values are ignored so
// late or reordered mirrors never move the nonce backwards.
func (s *Store) MirrorNonce(ctx context.Context, username, serverSeedHash string, nonce int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE user_seeds
SET nonce = MAX(nonce, ?),
	total_games_played = MAX(total_games_played, ?),
	updated_at = ?
WHERE username = ? AND active_server_seed_hash = ?
`, nonce, nonce, nowMillis(), username, serverSeedHash)
	if err != nil {
		return fmt.Errorf("mirror nonce: %w", err)
	}
	return nil
}

// SaveRotation archives record and replaces the user's seed pair in one
// transaction. Replaying an applied or superseded rotation is a no-op; a
// rotation whose predecessor has not landed yet fails so it can be retried.
func (s *Store) SaveRotation(ctx context.Context, record models.SeedRotationRecord, pair models.UserSeedPair) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `
SELECT 1 FROM seed_rotations WHERE username = ? AND server_seed_hash = ? AND client_seed = ?
`, record.Username, record.ServerSeedHash, record.ClientSeed).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
INSERT INTO seed_rotations (
	username,
	server_seed,
	server_seed_hash,
	client_seed,
	first_nonce,
	last_nonce,
	games_played,
	rotation_type,
	rotated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			record.Username,
			record.ServerSeed,
			record.ServerSeedHash,
			record.ClientSeed,
			record.FirstNonce,
			record.LastNonce,
			record.GamesPlayed,
			string(record.RotationType),
			record.RotatedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("archive rotation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("check rotation: %w", err)
	}

	var stored string
	err = tx.QueryRowContext(ctx,
		`SELECT active_server_seed_hash FROM user_seeds WHERE username = ?`, pair.Username).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := upsertSeedPair(ctx, tx, pair); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load stored seed pair: %w", err)
	case stored == pair.ActiveServerSeedHash:
		// already applied
	case stored == record.ServerSeedHash:
		if err := upsertSeedPair(ctx, tx, pair); err != nil {
			return err
		}
	default:
		var superseded int
		err := tx.QueryRowContext(ctx, `
SELECT 1 FROM seed_rotations WHERE username = ? AND server_seed_hash = ?
`, pair.Username, pair.ActiveServerSeedHash).Scan(&superseded)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("rotation from %s arrived before the rotation to it", record.ServerSeedHash)
		}
		if err != nil {
			return fmt.Errorf("check superseded pair: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}

// FindRotation returns the archived pair matching hash and client seed whose
// nonce range contains nonce.
func (s *Store) FindRotation(ctx context.Context, serverSeedHash, clientSeed string, nonce int64) (models.SeedRotationRecord, error) {
	if err := s.ready(ctx); err != nil {
		return models.SeedRotationRecord{}, err
	}
	var record models.SeedRotationRecord
	var rotationType string
	var rotatedAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT
	id,
	username,
	server_seed,
	server_seed_hash,
	client_seed,
	first_nonce,
	last_nonce,
	games_played,
	rotation_type,
	rotated_at
FROM seed_rotations
WHERE server_seed_hash = ? AND client_seed = ? AND first_nonce <= ? AND last_nonce >= ?
ORDER BY rotated_at DESC
LIMIT 1
`, serverSeedHash, clientSeed, nonce, nonce).Scan(
		&record.ID,
		&record.Username,
		&record.ServerSeed,
		&record.ServerSeedHash,
		&record.ClientSeed,
		&record.FirstNonce,
		&record.LastNonce,
		&record.GamesPlayed,
		&rotationType,
		&rotatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SeedRotationRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.SeedRotationRecord{}, fmt.Errorf("find rotation: %w", err)
	}
	record.RotationType = models.RotationType(rotationType)
	record.RotatedAt = fromMillis(rotatedAt)
	return record, nil
}

func upsertSeedPair(ctx context.Context, tx *sql.Tx, pair models.UserSeedPair) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO user_seeds (`+seedColumns+`, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(username) DO UPDATE SET
	active_server_seed = excluded.active_server_seed,
	active_server_seed_hash = excluded.active_server_seed_hash,
	active_client_seed = excluded.active_client_seed,
	next_server_seed = excluded.next_server_seed,
	next_server_seed_hash = excluded.next_server_seed_hash,
	nonce = excluded.nonce,
	total_games_played = excluded.total_games_played,
	max_games_per_seed = excluded.max_games_per_seed,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at
`,
		pair.Username,
		pair.ActiveServerSeed,
		pair.ActiveServerSeedHash,
		pair.ActiveClientSeed,
		pair.NextServerSeed,
		pair.NextServerSeedHash,
		pair.Nonce,
		pair.TotalGamesPlayed,
		pair.MaxGamesPerSeed,
		pair.CreatedAt.UTC().UnixMilli(),
		nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("store rotated seed pair: %w", err)
	}
	return nil
}
