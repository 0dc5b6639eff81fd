package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExpiredTokenPurger removes tokens that can no longer be used.
type ExpiredTokenPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// TokenJanitor periodically purges expired reset and verification tokens.
type TokenJanitor struct {
	purgers  map[string]ExpiredTokenPurger
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTokenJanitor builds a janitor over the named purgers.
func NewTokenJanitor(interval time.Duration, logger *zap.Logger, purgers map[string]ExpiredTokenPurger) *TokenJanitor {
	return &TokenJanitor{
		purgers:  purgers,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the janitor in the background. A non-positive interval disables it.
func (j *TokenJanitor) Start(ctx context.Context) {
	if j.interval <= 0 {
		j.logger.Info("token janitor disabled")
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (j *TokenJanitor) Stop() {
	j.once.Do(func() {
		if j.cancel == nil {
			return
		}
		j.cancel()
		<-j.done
	})
}

// RunOnce purges every table once and returns the total number of rows removed.
func (j *TokenJanitor) RunOnce(ctx context.Context) int64 {
	var total int64
	for name, purger := range j.purgers {
		n, err := purger.DeleteExpired(ctx)
		if err != nil {
			j.logger.Warn("purge expired tokens failed", zap.String("table", name), zap.Error(err))
			continue
		}
		if n > 0 {
			j.logger.Info("purged expired tokens", zap.String("table", name), zap.Int64("count", n))
		}
		total += n
	}
	return total
}
