// Package store is the Postgres repository for organizations, usage events,
// daily summaries, FX rates, batch runs and billing exports.
package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/database"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateGeneration means the generation was already accounted.
	ErrDuplicateGeneration = errors.New("generation already processed")
	// ErrRunInProgress means another worker holds a fresh running row.
	ErrRunInProgress = errors.New("processing run already in progress")
	// ErrCurrencyLocked means the organization already has usage billed in its
	// current currency.
	ErrCurrencyLocked = errors.New("billing currency cannot change after usage is recorded")
	// ErrCurrencyChanged means the event was priced in a currency the
	// organization no longer bills in. The event must be priced again.
	ErrCurrencyChanged = errors.New("organization billing currency changed")
)

const (
	retryAttempts  = 3
	retryBaseDelay = 25 * time.Millisecond
)

// Store wraps the connection pool with the ledger's queries.
type Store struct {
	db     *database.Database
	logger *zap.Logger
}

// New creates a Store.
func New(db *database.Database, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// isRetriable returns true for Postgres error codes that indicate a transient conflict.
func isRetriable(err error) bool {
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

// WithRetry executes fn, retrying up to maxRetries times on serialization or
// deadlock errors with jittered exponential backoff starting at baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}

// inTx runs fn inside a transaction, retried as a whole on transient conflicts.
func (s *Store) inTx(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	return WithRetry(ctx, retryAttempts, retryBaseDelay, func() error {
		tx, err := s.db.Pool.BeginTx(ctx, opts)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// dateOnly strips the clock and zone so DATE columns store the calendar day of t.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
