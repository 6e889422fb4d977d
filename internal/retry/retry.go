// Package retry runs store transactions under a bounded exponential backoff.
// Only errors marked model.ErrTransient are retried; everything else returns
// to the caller on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/atmx/poolbet/internal/metrics"
	"github.com/atmx/poolbet/internal/model"
)

// Policy bounds the number of attempts and the backoff between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is called before sleeping after a transient failure.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    time.Second,
}

// Observed returns a copy of p whose OnRetry logs the retry at warn level
// and counts it under op. An existing OnRetry still runs.
func (p Policy) Observed(logger *slog.Logger, op string) Policy {
	if logger == nil {
		logger = slog.Default()
	}
	prev := p.OnRetry
	p.OnRetry = func(attempt int, err error) {
		logger.Warn("retrying transaction", "op", op, "attempt", attempt, "err", err)
		metrics.TxRetries.WithLabelValues(op).Inc()
		if prev != nil {
			prev(attempt, err)
		}
	}
	return p
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the upper bound of the wait after the given attempt
// (0-based): BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, fails with a non-transient error, the
// attempt budget is spent, or ctx is done. Exhaustion returns an error
// matching both model.ErrOperationFailed and the last transient cause.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrTransient) {
			return err
		}
		last = err

		if attempt == p.MaxAttempts-1 {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
		// Full jitter: uniform in [0, backoff].
		wait := time.Duration(rand.Int63n(int64(p.Backoff(attempt)) + 1))
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", model.ErrOperationFailed, p.MaxAttempts, last)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
