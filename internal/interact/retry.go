package interact

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Attempt is one try of a retried operation. attempt counts from 1.
type Attempt func(ctx context.Context, attempt int) error

// Step is an action with no retry bookkeeping.
type Step func(ctx context.Context) error

// Policy is the single retry contract every interaction goes through.
//
// A stale reference is retried (the operation re-resolves its locator) after StaleBackoff.
// A not-interactable failure gets the script fallback exactly once. Anything else is
// returned immediately.
type Policy struct {
	Attempts     int
	StaleBackoff time.Duration
	// Observe, when set, is called after every attempt with its outcome.
	Observe func(attempt int, err error)
}

// Do runs op under the policy. fallback may be nil.
func (p Policy) Do(ctx context.Context, op Attempt, fallback Attempt) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 1; n <= attempts; n++ {
		err = op(ctx, n)
		if p.Observe != nil {
			p.Observe(n, err)
		}
		if err == nil {
			return nil
		}

		switch Classify(err) {
		case KindStale:
			if n == attempts {
				return fmt.Errorf("still stale after %d attempts: %w", attempts, err)
			}
			if serr := Sleep(ctx, p.StaleBackoff); serr != nil {
				return serr
			}
		case KindNotInteractable:
			if fallback == nil {
				return err
			}
			if ferr := fallback(ctx, n); ferr != nil {
				return errors.Join(err, fmt.Errorf("script fallback: %w", ferr))
			}
			return nil
		default:
			return err
		}
	}
	return err
}

// TryThenFallback runs primary and, if it fails for any reason, fallback. When both fail the
// fallback's error is the one surfaced.
func TryThenFallback(ctx context.Context, primary, fallback Step) error {
	if err := primary(ctx); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return err
	}
	return fallback(ctx)
}

// FirstOf tries each variant in order until one succeeds, surfacing the last variant's error.
func FirstOf(ctx context.Context, variants ...Step) error {
	if len(variants) == 0 {
		return errors.New("no variants to try")
	}
	step := variants[len(variants)-1]
	for i := len(variants) - 2; i >= 0; i-- {
		primary, fallback := variants[i], step
		step = func(ctx context.Context) error { return TryThenFallback(ctx, primary, fallback) }
	}
	return step(ctx)
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
