// Package txretry retries short storage transactions that failed on lock
// contention or other transient database errors.
package txretry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"consultease/sync-service/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

type Policy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	Multiplier  float64
	// OnRetry is called before each retry with the 1-based attempt that failed.
	OnRetry func(name string, attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2}
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// attempts run out. Delays follow BaseDelay * Multiplier^attempt.
func Do[T any](ctx context.Context, p Policy, name string, op func(context.Context) (T, error)) (T, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	attempt := 0
	var lastTransient error
	operation := func() (T, error) {
		attempt++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		lastTransient = err
		return result, err
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff(p)),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("retrying transaction", "op", name, "attempt", attempt, "next_delay", next, "error", err)
			if p.OnRetry != nil {
				p.OnRetry(name, attempt, err)
			}
		}),
	)
	if err != nil && lastTransient != nil && errors.Is(err, lastTransient) {
		slog.Error("transaction failed after retries", "op", name, "attempts", attempt, "error", err)
		return result, fmt.Errorf("%s: %w: %w", name, ErrRetriesExhausted, err)
	}
	return result, err
}

func newBackOff(p Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// IsTransient reports whether err is worth another attempt: conflicts,
// serialization failures, deadlocks, lock timeouts and connection timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	return pgconn.Timeout(err)
}
