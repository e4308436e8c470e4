// Package retry is the single backoff policy used for joins and alias lookups.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes bounded exponential backoff.
//
// The wait before attempt n+1 (n counted from 0) is
//
//	min(hint, MaxHint) + BaseDelay * Multiplier^n
//
// where hint is the wait advertised by the failed attempt (see RetryAfter).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// MaxDelay caps the exponential part. 0 means uncapped.
	MaxDelay time.Duration
	// MaxHint caps an advertised wait. 0 means uncapped.
	MaxHint time.Duration
	// Jitter spreads the exponential part by ±Jitter (0.2 = ±20%).
	Jitter float64

	// OnRetry is called before each sleep.
	OnRetry func(attempt int, wait time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after failed attempt n (0-based).
func (p Policy) Delay(n int, err error) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.BaseDelay)
	for i := 0; i < n; i++ {
		d *= mult
		if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 && p.rng != nil && d > 0 {
		d *= 1 + (p.rng.Float64()*2-1)*p.Jitter
	}
	wait := time.Duration(d)
	if wait < 0 {
		wait = 0
	}

	if hint, ok := Hint(err); ok {
		if p.MaxHint > 0 && hint > p.MaxHint {
			hint = p.MaxHint
		}
		wait += hint
	}
	return wait
}

// Do runs fn until it succeeds, returns a NoRetry error, the attempts are
// exhausted or ctx is done. The returned error wraps the last failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if p.Jitter > 0 && p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = Sleep
	}

	n := p.attempts()
	var err error
	for attempt := 0; attempt < n; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if IsNoRetry(err) || ctx.Err() != nil {
			return err
		}
		if attempt == n-1 {
			break
		}
		wait := p.Delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, wait, err)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
	}
	if n > 1 {
		return fmt.Errorf("gave up after %d attempts: %w", n, err)
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
