package services

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"micro-casino/internal/apperr"
	"micro-casino/internal/logging"
	"micro-casino/internal/models"
	"micro-casino/internal/storage"
)

// BalanceCache is the write-back balance cache. Gameplay reads and writes
// Redis only; BalanceSyncWorker flushes dirty entries to the durable store.
type BalanceCache struct {
	redis    *RedisService
	store    storage.BalanceStore
	starting decimal.Decimal
	logger   *zap.Logger
}

func NewBalanceCache(redisService *RedisService, store storage.BalanceStore, starting decimal.Decimal, logger *zap.Logger) *BalanceCache {
	return &BalanceCache{
		redis:    redisService,
		store:    store,
		starting: starting,
		logger:   logging.OrNop(logger),
	}
}

// Warm makes sure the user's balance is cached, loading it from the durable
// store (and creating the user with the starting balance) on a miss.
func (b *BalanceCache) Warm(ctx context.Context, username string) (decimal.Decimal, error) {
	if balance, ok, err := b.cached(ctx, username); err != nil || ok {
		return balance, err
	}

	durable, err := b.store.EnsureUser(ctx, username, b.starting)
	if err != nil {
		return decimal.Zero, apperr.Transient("load durable balance", err)
	}
	// A concurrent warm or debit may have filled the cache first; keep it.
	if err := b.redis.client.SetNX(ctx, balanceKey(username), models.FormatAmount(durable), 0).Err(); err != nil {
		return decimal.Zero, apperr.Transient("cache balance", err)
	}

	balance, ok, err := b.cached(ctx, username)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, apperr.Transient("cache balance", errors.New("balance vanished after warm"))
	}
	return balance, nil
}

// Get returns the cached balance, warming it on a miss.
func (b *BalanceCache) Get(ctx context.Context, username string) (decimal.Decimal, error) {
	return b.Warm(ctx, username)
}

// Credit adds amount to the user's balance and marks it dirty.
func (b *BalanceCache) Credit(ctx context.Context, username string, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, err := b.redis.CreditBalance(ctx, username, amount)
	if IsRejection(err, rejectBalanceNotCached) {
		if _, err := b.Warm(ctx, username); err != nil {
			return decimal.Zero, err
		}
		balance, err = b.redis.CreditBalance(ctx, username, amount)
	}
	if err != nil {
		return decimal.Zero, b.creditError(username, err)
	}
	return balance, nil
}

func (b *BalanceCache) creditError(username string, err error) error {
	var rejection *ScriptRejection
	if !errors.As(err, &rejection) {
		return err
	}
	b.logger.Error("balance credit rejected",
		zap.String("username", username),
		zap.String("code", rejection.Code))
	return apperr.Integrity("credit balance "+rejection.Code, err)
}

func (b *BalanceCache) cached(ctx context.Context, username string) (decimal.Decimal, bool, error) {
	raw, err := b.redis.client.Get(ctx, balanceKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, apperr.Transient("load balance", err)
	}
	balance, err := models.ParseAmount(raw)
	if err != nil {
		b.logger.Error("malformed cached balance", zap.String("username", username), zap.String("value", raw))
		return decimal.Zero, false, apperr.Integrity("malformed cached balance", err)
	}
	return balance, true, nil
}
