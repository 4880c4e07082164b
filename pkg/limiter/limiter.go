package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config holds the limits for one Limiter instance.
type Config struct {
	Name          string
	MaxConcurrent int
	RateLimit     int           // acquisitions allowed per RatePeriod, <= 0 disables the rate gate
	RatePeriod    time.Duration // sliding window length
}

// Limiter bounds how many callers run at once and how many acquisitions
// happen inside any sliding window of RatePeriod.
type Limiter struct {
	name   string
	sem    *semaphore.Weighted
	max    int
	rate   int
	period time.Duration

	mu     sync.Mutex
	stamps []time.Time // acquisition times inside the current window, oldest first

	Logger *slog.Logger
}

// New creates a limiter. MaxConcurrent below 1 is treated as 1.
func New(cfg Config) *Limiter {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	period := cfg.RatePeriod
	if period <= 0 {
		period = time.Second
	}
	return &Limiter{
		name:   cfg.Name,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		max:    maxConcurrent,
		rate:   cfg.RateLimit,
		period: period,
		Logger: slog.Default(),
	}
}

// Name returns the configured name, used in logs.
func (l *Limiter) Name() string { return l.name }

// MaxConcurrent returns the concurrency bound.
func (l *Limiter) MaxConcurrent() int { return l.max }

// Do runs fn once both the semaphore and the rate gate admit the caller.
// The semaphore slot is released when fn returns or panics.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("limiter %s: %w", l.name, err)
	}
	defer l.sem.Release(1)

	if err := l.waitRate(ctx); err != nil {
		return fmt.Errorf("limiter %s: %w", l.name, err)
	}

	return fn(ctx)
}

// Run is Do for functions that return a value.
func Run[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// waitRate blocks until recording one more acquisition keeps every window
// of length period at or below rate.
func (l *Limiter) waitRate(ctx context.Context) error {
	if l.rate <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-l.period)
		start := 0
		for start < len(l.stamps) && !l.stamps[start].After(cutoff) {
			start++
		}
		l.stamps = l.stamps[start:]

		if len(l.stamps) < l.rate {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.stamps[0].Add(l.period).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		l.Logger.Debug("Rate limit reached, waiting", "limiter", l.name, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
