package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"micro-casino/internal/apperr"
	"micro-casino/internal/logging"
)

const defaultTaskTimeout = 30 * time.Second

// TaskRunner runs fire-and-forget side effects in the background with bounded
// retry. Callers never wait on a task; failures are logged, not returned.
type TaskRunner struct {
	logger         *zap.Logger
	maxAttempts    uint
	initialBackoff time.Duration
	timeout        time.Duration
	wg             sync.WaitGroup
}

func NewTaskRunner(logger *zap.Logger, maxAttempts int) *TaskRunner {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &TaskRunner{
		logger:         logging.OrNop(logger),
		maxAttempts:    uint(maxAttempts),
		initialBackoff: 200 * time.Millisecond,
		timeout:        defaultTaskTimeout,
	}
}

// WithInitialBackoff sets the first retry delay.
func (r *TaskRunner) WithInitialBackoff(d time.Duration) *TaskRunner {
	r.initialBackoff = d
	return r
}

// Retry runs fn until it succeeds, fails permanently or attempts run out.
func (r *TaskRunner) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newRetryBackOff(r.initialBackoff)),
		backoff.WithMaxTries(r.maxAttempts),
	)
	return err
}

// Go runs fn in the background with Retry. onGiveUp, when set, is called
// with the last error after the final attempt fails.
func (r *TaskRunner) Go(name string, fn func(ctx context.Context) error, onGiveUp func(error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.Retry(ctx, fn); err != nil {
			r.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
			if onGiveUp != nil {
				onGiveUp(err)
			}
		}
	}()
}

// Step is one independent side effect of a Fanout.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Fanout runs steps concurrently in the background, each retried on its own
// so one failing step never repeats the others. then, when set, runs after
// every step has finished.
func (r *TaskRunner) Fanout(name string, steps []Step, then func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		var g errgroup.Group
		for _, step := range steps {
			g.Go(func() error {
				if err := r.Retry(ctx, step.Run); err != nil {
					r.logger.Warn("background step failed",
						zap.String("task", name),
						zap.String("step", step.Name),
						zap.Error(err))
					return err
				}
				return nil
			})
		}
		_ = g.Wait()
		if then != nil {
			then(ctx)
		}
	}()
}

// Wait blocks until every started task has finished.
func (r *TaskRunner) Wait() {
	r.wg.Wait()
}

func newRetryBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 5 * time.Second
	return b
}

// retryable reports whether another attempt could change the outcome.
// Unclassified errors come from infrastructure and are retried.
func retryable(err error) bool {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case apperr.KindValidation, apperr.KindPermission, apperr.KindIntegrity:
		return false
	}
	return true
}
