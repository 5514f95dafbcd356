// Package ratelimit provides a token bucket admission control for chain
// client calls (spec §4.2). It wraps golang.org/x/time/rate.Limiter, which
// gives us the refill arithmetic, and layers the exact contract the spec
// requires on top: non-blocking TryConsume with a wait hint, and a
// cooperative blocking Consume bounded by a retry count.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ConfigError indicates a pathological configuration: Consume would need
// to wait forever because the limiter can never grant the requested
// tokens (e.g. burst below the request size).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("ratelimit: config error: %s", e.Reason) }

// Result is the outcome of a non-blocking admission check.
type Result struct {
	Allowed    bool
	WaitHintMs int64
	TokensLeft float64
}

// Bucket is a token-bucket limiter with the spec's try_consume/consume
// contract. Construct with New; the zero value is not usable.
type Bucket struct {
	limiter  *rate.Limiter
	burst    int
	interval time.Duration
}

// New builds a Bucket refilling tokensPerInterval tokens every interval,
// capped at maxBurst. Construction fails if tokensPerInterval <= 0 or
// intervalMs <= 0, per spec §4.2 ("would permit infinite loops").
func New(tokensPerInterval, intervalMs, maxBurst int) (*Bucket, error) {
	if tokensPerInterval <= 0 {
		return nil, &ConfigError{Reason: "tokens_per_interval must be positive"}
	}
	if intervalMs <= 0 {
		return nil, &ConfigError{Reason: "interval_ms must be positive"}
	}
	if maxBurst < tokensPerInterval {
		return nil, &ConfigError{Reason: "max_burst must be >= tokens_per_interval"}
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	ratePerSec := rate.Limit(float64(tokensPerInterval) / interval.Seconds())
	return &Bucket{
		limiter:  rate.NewLimiter(ratePerSec, maxBurst),
		burst:    maxBurst,
		interval: interval,
	}, nil
}

// TryConsume is non-blocking: it reports whether n tokens were available
// right now, and if not, how long the caller should wait before retrying.
// TokensLeft carries the wrapped limiter's fractional token count as-is;
// nothing here floors it.
func (b *Bucket) TryConsume(n int) Result {
	now := time.Now()
	reservation := b.limiter.ReserveN(now, n)
	if !reservation.OK() {
		return Result{Allowed: false, WaitHintMs: -1, TokensLeft: 0}
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return Result{Allowed: true, WaitHintMs: 0, TokensLeft: tokensLeft(b.limiter, now)}
	}
	// Tokens weren't immediately available: cancel the reservation so we
	// don't hold a debt against future callers, and report how long a
	// real consumer would have had to wait.
	reservation.CancelAt(now)
	return Result{Allowed: false, WaitHintMs: delay.Milliseconds(), TokensLeft: tokensLeft(b.limiter, now)}
}

func tokensLeft(l *rate.Limiter, now time.Time) float64 {
	return l.TokensAt(now)
}

// Consume blocks cooperatively until n tokens are available or maxRetries
// is exceeded, honoring ctx cancellation (shutdown). It never calls
// TryConsume in a busy loop: each retry sleeps for the reported wait hint.
func (b *Bucket) Consume(ctx context.Context, n, maxRetries int) error {
	for attempt := 0; ; attempt++ {
		res := b.TryConsume(n)
		if res.Allowed {
			return nil
		}
		if res.WaitHintMs <= 0 {
			return &ConfigError{Reason: "wait hint non-positive while tokens are insufficient"}
		}
		if attempt >= maxRetries {
			return fmt.Errorf("ratelimit: exceeded %d retries waiting for %d tokens", maxRetries, n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(res.WaitHintMs) * time.Millisecond):
		}
	}
}

// Reset is a test-only escape hatch that rebuilds the limiter's internal
// state. Per spec §9 Open Questions, production code must never call it.
func (b *Bucket) Reset(tokensPerInterval, intervalMs, maxBurst int) error {
	fresh, err := New(tokensPerInterval, intervalMs, maxBurst)
	if err != nil {
		return err
	}
	*b = *fresh
	return nil
}
