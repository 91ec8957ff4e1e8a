package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"micro-casino/internal/storage"
)

// EnsureUser returns the stored balance, creating the user with initial if absent.
func (s *Store) EnsureUser(ctx context.Context, username string, initial decimal.Decimal) (decimal.Decimal, error) {
	if err := s.ready(ctx); err != nil {
		return decimal.Zero, err
	}
	if strings.TrimSpace(username) == "" {
		return decimal.Zero, fmt.Errorf("username is required")
	}
	now := nowMillis()
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (username, balance, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(username) DO NOTHING
`, username, formatAmount(initial), now, now); err != nil {
		return decimal.Zero, fmt.Errorf("ensure user: %w", err)
	}
	return s.GetBalance(ctx, username)
}

// GetBalance returns the durable balance of username.
func (s *Store) GetBalance(ctx context.Context, username string) (decimal.Decimal, error) {
	if err := s.ready(ctx); err != nil {
		return decimal.Zero, err
	}
	var raw string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT balance FROM users WHERE username = ?`, username).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, storage.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return parseAmount("balance", raw)
}

// BulkUpdateBalances overwrites every balance in updates with one UPDATE statement.
func (s *Store) BulkUpdateBalances(ctx context.Context, updates []storage.BalanceUpdate) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	var query strings.Builder
	args := make([]any, 0, len(updates)*3+1)
	query.WriteString("UPDATE users SET balance = CASE username")
	for _, u := range updates {
		query.WriteString(" WHEN ? THEN ?")
		args = append(args, u.Username, formatAmount(u.Balance))
	}
	query.WriteString(" END, updated_at = ? WHERE username IN (")
	args = append(args, nowMillis())
	for i, u := range updates {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString("?")
		args = append(args, u.Username)
	}
	query.WriteString(")")

	if _, err := s.sqlDB.ExecContext(ctx, query.String(), args...); err != nil {
		return fmt.Errorf("bulk update balances: %w", err)
	}
	return nil
}

// AwardExperience adds xp to username's experience total.
func (s *Store) AwardExperience(ctx context.Context, username string, xp int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if xp <= 0 {
		return nil
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO user_experience (username, xp, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(username) DO UPDATE SET
	xp = xp + excluded.xp,
	updated_at = excluded.updated_at
`, username, xp, nowMillis())
	if err != nil {
		return fmt.Errorf("award experience: %w", err)
	}
	return nil
}

// GetExperience returns username's experience total, zero when none was awarded.
func (s *Store) GetExperience(ctx context.Context, username string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var xp int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT xp FROM user_experience WHERE username = ?`, username).Scan(&xp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get experience: %w", err)
	}
	return xp, nil
}
