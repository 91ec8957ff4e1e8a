package services

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"micro-casino/internal/logging"
	"micro-casino/internal/models"
	"micro-casino/internal/storage"
)

// PersistenceReplayer replays durable writes that exhausted their retries.
type PersistenceReplayer interface {
	ReplayPendingPersistence(ctx context.Context) (int, error)
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	Batches     []int
	Flushed     int
	Failed      int
	Quarantined int
	Replayed    int
}

// BalanceSyncWorker periodically flushes dirty cached balances to the durable
// store in fixed-size batches.
type BalanceSyncWorker struct {
	redis          *RedisService
	store          storage.BalanceStore
	replayer       PersistenceReplayer
	logger         *zap.Logger
	interval       time.Duration
	batchSize      int
	maxAttempts    uint
	initialBackoff time.Duration
	running        atomic.Bool
}

func NewBalanceSyncWorker(redisService *RedisService, store storage.BalanceStore, interval time.Duration, batchSize, maxAttempts int, logger *zap.Logger) *BalanceSyncWorker {
	if batchSize < 1 {
		batchSize = 100
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &BalanceSyncWorker{
		redis:          redisService,
		store:          store,
		logger:         logging.OrNop(logger),
		interval:       interval,
		batchSize:      batchSize,
		maxAttempts:    uint(maxAttempts),
		initialBackoff: 100 * time.Millisecond,
	}
}

// WithReplayer makes every pass also replay queued durable writes.
func (w *BalanceSyncWorker) WithReplayer(r PersistenceReplayer) *BalanceSyncWorker {
	w.replayer = r
	return w
}

// WithInitialBackoff sets the first retry delay of a failing batch.
func (w *BalanceSyncWorker) WithInitialBackoff(d time.Duration) *BalanceSyncWorker {
	w.initialBackoff = d
	return w
}

// Run syncs on every tick until ctx is done. A tick that arrives while the
// previous pass is still running is skipped.
func (w *BalanceSyncWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.running.CompareAndSwap(false, true) {
				w.logger.Debug("balance sync still running, skipping tick")
				continue
			}
			go func() {
				defer w.running.Store(false)
				if _, err := w.SyncOnce(ctx); err != nil {
					w.logger.Warn("balance sync failed", zap.Error(err))
				}
			}()
		}
	}
}

// SyncOnce drains the dirty set once. Only usernames whose batch reached the
// durable store, and whose cached value has not moved since, leave the set.
func (w *BalanceSyncWorker) SyncOnce(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	if w.replayer != nil {
		n, err := w.replayer.ReplayPendingPersistence(ctx)
		if err != nil {
			w.logger.Warn("persistence replay failed", zap.Error(err))
		}
		report.Replayed = n
	}

	dirty, err := w.redis.client.SMembers(ctx, KeyBalanceDirty).Result()
	if err != nil {
		return report, err
	}
	sort.Strings(dirty)

	for start := 0; start < len(dirty); start += w.batchSize {
		end := min(start+w.batchSize, len(dirty))
		if err := w.syncBatch(ctx, dirty[start:end], &report); err != nil {
			return report, err
		}
	}
	if report.Flushed > 0 || report.Failed > 0 || report.Quarantined > 0 {
		w.logger.Info("balance sync",
			zap.Int("flushed", report.Flushed),
			zap.Int("failed", report.Failed),
			zap.Int("quarantined", report.Quarantined))
	}
	return report, nil
}

func (w *BalanceSyncWorker) syncBatch(ctx context.Context, usernames []string, report *SyncReport) error {
	keys := make([]string, len(usernames))
	for i, u := range usernames {
		keys[i] = balanceKey(u)
	}
	values, err := w.redis.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}

	updates := make([]storage.BalanceUpdate, 0, len(usernames))
	flushed := make(map[string]string, len(usernames))
	for i, u := range usernames {
		raw, _ := values[i].(string)
		amount, err := models.ParseAmount(raw)
		if err != nil {
			w.quarantine(ctx, u, raw)
			report.Quarantined++
			continue
		}
		updates = append(updates, storage.BalanceUpdate{Username: u, Balance: amount})
		flushed[u] = raw
	}
	if len(updates) == 0 {
		return nil
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.store.BulkUpdateBalances(ctx, updates)
	},
		backoff.WithBackOff(newRetryBackOff(w.initialBackoff)),
		backoff.WithMaxTries(w.maxAttempts),
	)
	report.Batches = append(report.Batches, len(updates))
	if err != nil {
		w.logger.Warn("balance batch flush failed",
			zap.Int("size", len(updates)),
			zap.Uint("attempts", w.maxAttempts),
			zap.Error(err))
		report.Failed += len(updates)
		return nil
	}

	for _, u := range updates {
		if _, err := w.redis.ClearDirtyIfUnchanged(ctx, u.Username, flushed[u.Username]); err != nil {
			w.logger.Warn("clear dirty balance", zap.String("username", u.Username), zap.Error(err))
		}
	}
	report.Flushed += len(updates)
	return nil
}

// quarantine moves a malformed entry out of the dirty set so it stops
// blocking its batch. It stays in the quarantine set for inspection.
func (w *BalanceSyncWorker) quarantine(ctx context.Context, username, raw string) {
	w.logger.Error("quarantining malformed balance",
		zap.String("username", username),
		zap.String("value", raw))
	pipe := w.redis.client.TxPipeline()
	pipe.SAdd(ctx, KeyBalanceQuarantine, username)
	pipe.SRem(ctx, KeyBalanceDirty, username)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Warn("quarantine balance", zap.String("username", username), zap.Error(err))
	}
}
