package encoder

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// guard paces, retries and circuit-breaks calls to a remote encoder.
type guard struct {
	breaker  *gobreaker.CircuitBreaker[any]
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

func newGuard(name string, rps float64, logger *zap.Logger) *guard {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("encoder", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &guard{
		breaker:  gobreaker.NewCircuitBreaker[any](settings),
		limiter:  rate.NewLimiter(limit, 1),
		attempts: 3,
		backoff:  500 * time.Millisecond,
		logger:   logger,
	}
}

func (g *guard) do(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.retry(ctx, op, fn)
	})
	return err
}

func (g *guard) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	wait := g.backoff
	var err error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == g.attempts {
			break
		}

		g.logger.Warn("encoder call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		wait *= 2
	}
	return err
}

func isCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
