// Package retry implements exponential backoff with jitter shared by the
// artifact upload and document store reconnection paths.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Policy configures attempts and delays. The zero value is usable and behaves
// like Default.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is worth another attempt. Nil means
	// every error except context cancellation is retried.
	Retryable func(error) bool
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := Default()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// ShouldRetry reports whether attempt (1-based, already made) may be followed
// by another one.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	p = p.withDefaults()
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Backoff returns the wait before the next attempt. Half of the exponential
// delay is fixed and the other half is random jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Do calls fn until it succeeds, the policy gives up, or ctx ends. The last
// error is returned wrapped with the attempt count.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			if attempt == 1 {
				return err
			}
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		timer := time.NewTimer(p.Backoff(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry wait canceled: %w", errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}
