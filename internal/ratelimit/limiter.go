// Package ratelimit spaces out calls to an external service per named key and
// retries failed calls with exponential backoff.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/place2polygon/internal/observability"
)

// Limiter enforces a minimum interval between calls sharing a key.
type Limiter struct {
	interval   time.Duration
	retryAfter time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu   sync.Mutex
	next map[string]time.Time // earliest start of the next call per key
}

// New creates a Limiter allowing rps calls per second per key. retryAfter is
// the base delay between retries. A nil clock uses real time.
func New(rps float64, retryAfter time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var interval time.Duration
	if rps > 0 {
		interval = time.Duration(float64(time.Second) / rps)
	}
	return &Limiter{
		interval:   interval,
		retryAfter: retryAfter,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		next:       make(map[string]time.Time),
	}
}

// Interval is the minimum spacing between calls with the same key.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Wait blocks until the caller may issue its call for key. Concurrent callers
// reserve consecutive slots under the lock and sleep outside it, so each gets
// its own slot at least one interval after the previous one. A caller whose
// context ends first hands its slot back unless a later caller took the next.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	now := l.clock.Now()
	slot := l.next[key]
	if slot.Before(now) {
		slot = now
	}
	reserved := slot.Add(l.interval)
	l.next[key] = reserved
	l.mu.Unlock()

	if err := sleep(ctx, l.clock, slot.Sub(now)); err != nil {
		l.mu.Lock()
		if l.next[key].Equal(reserved) {
			l.next[key] = slot
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// RetryPolicy controls ExecuteWithRetry. MaxRetries is the total number of
// attempts; values below 1 mean a single attempt.
type RetryPolicy struct {
	MaxRetries    int
	BackoffFactor float64
}

// DefaultRetryPolicy is three attempts with doubling delays.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BackoffFactor: 2.0}

// ExecuteWithRetry waits for a slot on key, then runs op. Failed attempts are
// retried after retryAfter*BackoffFactor^(n-1) for the nth failure. Errors
// wrapped with Permanent are returned immediately, unwrapped. The last error
// is returned once attempts run out.
func (l *Limiter) ExecuteWithRetry(ctx context.Context, key string, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempts := policy.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	factor := policy.BackoffFactor
	if factor <= 0 {
		factor = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if werr := l.Wait(ctx, key); werr != nil {
			if err != nil {
				return errors.Join(err, werr)
			}
			return werr
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		delay := time.Duration(float64(l.retryAfter) * math.Pow(factor, float64(attempt-1)))
		l.logger.Warn("operation failed, retrying",
			"key", key, "attempt", attempt, "max_attempts", attempts, "delay", delay, "error", err)
		if l.metrics != nil {
			l.metrics.LimiterRetries.WithLabelValues(key).Inc()
		}
		if serr := sleep(ctx, l.clock, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
