package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Retry budget for optimistic and serializable writes. Mutations are
// human-paced, so a handful of quick retries covers realistic contention.
const (
	writeRetries   = 5
	writeBaseDelay = 5 * time.Millisecond
)

// isPgRetriable returns true for Postgres error codes that indicate a transient conflict.
func isPgRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// isRedisRetriable reports whether a WATCHed key changed under the transaction.
func isRedisRetriable(err error) bool {
	return errors.Is(err, redis.TxFailedErr)
}

// WithRetry executes fn, retrying up to maxRetries times while retriable(err) holds.
// Retries use jittered exponential backoff starting at baseDelay. The last
// error is returned when the budget runs out.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, retriable func(error) bool, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !retriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
