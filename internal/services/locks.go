package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"micro-casino/internal/apperr"
)

// ErrLockHeld is returned by AcquireLock when another holder owns the key.
var ErrLockHeld = errors.New("lock held")

// Lock is a held mutual-exclusion key. Only the holder's token can release it.
type Lock struct {
	s     *RedisService
	key   string
	token string
}

// AcquireLock takes key for ttl without waiting. It returns ErrLockHeld when
// the key is already owned.
func (s *RedisService) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, apperr.Transient("acquire lock", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{s: s, key: key, token: token}, nil
}

// Release deletes the lock if it is still ours. An expired lock is left alone.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseLockScript.Run(ctx, l.s.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
