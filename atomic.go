package idemflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AtomicRunner wraps a unit of work in a database transaction.
//
// Every stateful service in this package runs its writes through an
// AtomicRunner so a call that is already inside a transaction joins it
// instead of opening a second one.
type AtomicRunner interface {
	// RunWithTransaction executes work inside a transaction.
	//
	// If ctx already carries an open transaction (a nested call), that
	// transaction is reused: no new transaction is started and a failure
	// unwinds to the outer transaction's rollback.
	//
	// Otherwise a new transaction is started, optionally at the isolation
	// level set via WithIsolation. A serialization failure or deadlock
	// (SQLSTATE 40001 / 40P01) retries the whole transaction exactly once
	// before surfacing the error.
	RunWithTransaction(ctx context.Context, work func(ctx context.Context, tx DBTX) error, opts ...AtomicOption) error
}

type txContextKey struct{}

// withTx returns a context carrying the active transaction. Carrying the
// transaction as an explicit context value keeps service instances free of
// mutable transaction state, so one instance is safe across goroutines.
func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction the current call runs inside, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok
}

// PoolRunner is the pgxpool-backed AtomicRunner.
type PoolRunner struct {
	Pool *pgxpool.Pool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func NewPoolRunner(pool *pgxpool.Pool) *PoolRunner {
	return &PoolRunner{Pool: pool}
}

func (r *PoolRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *PoolRunner) RunWithTransaction(ctx context.Context, work func(ctx context.Context, tx DBTX) error, opts ...AtomicOption) error {
	cfg := getAtomicConfig(opts)

	if tx, ok := TxFromContext(ctx); ok {
		// Nested call: join the open transaction. The error handler still
		// runs, but the error always unwinds to the outer scope.
		err := work(ctx, tx)
		if err != nil && cfg.onError != nil {
			if herr := cfg.onError(err); herr != nil {
				return herr
			}
		}
		return err
	}

	err := r.runOnce(ctx, cfg, work)
	if err != nil && shouldRetryTxError(err) {
		r.logger().Debug("retrying transaction after transient conflict", "error", err)
		err = r.runOnce(ctx, cfg, work)
	}
	if err == nil {
		return nil
	}

	if cfg.onError != nil {
		herr := cfg.onError(err)
		if cfg.dontFail {
			// The handler supplied a substitute outcome (or swallowed the
			// error entirely by returning nil).
			return herr
		}
		if herr != nil {
			return herr
		}
	}
	return err
}

func (r *PoolRunner) runOnce(ctx context.Context, cfg *atomicConfig, work func(ctx context.Context, tx DBTX) error) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: cfg.isolation})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := work(withTx(ctx, tx), tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger().Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}

	return tx.Commit(ctx)
}

// Postgres error classes that are safe to retry as a whole transaction.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// shouldRetryTxError reports whether the error is a serialization conflict or
// deadlock. These can surface from any statement or from the commit itself.
func shouldRetryTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}
