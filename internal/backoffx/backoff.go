// Package backoffx implements the bounded exponential backoff policy used
// by the orchestrator client and worker runtime for completion reporting
// and other idempotent retries (spec.md §4.1, §4.7: "5 attempts, base 1s,
// doubling"). The exact policy is spec-mandated rather than delegated to
// a generic retryer library, per SPEC_FULL.md §4.1.
package backoffx

import (
	"context"
	"errors"
	"time"

	"github.com/polosdev/polos-go/poloserr"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// Default is the 5-attempt, 1s-doubling policy spec.md mandates for
// completion reporting.
var Default = Policy{MaxAttempts: 5, Base: time.Second, Cap: 16 * time.Second}

// Delay returns the delay to wait after the given zero-indexed attempt
// fails, before the next attempt starts.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base << attempt
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// Do runs fn up to p.MaxAttempts times, sleeping Delay(attempt) between
// attempts. It stops immediately, without retrying, when fn returns a
// poloserr Conflict or Permanent error (terminal per spec.md §7), or when
// ctx is cancelled. Any other error is retried until attempts are
// exhausted, at which point the last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if poloserr.Conflict(err) || poloserr.Permanent(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
