package idemflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx satisfies pgx.Tx so the nested-transaction path can be exercised
// without a database. Only the methods the runner touches do anything.
type fakeTx struct {
	commits   int
	rollbacks int
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { t.commits++; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error        { t.rollbacks++; return nil }

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                               { return nil }

func TestTxFromContext(t *testing.T) {
	ctx := context.Background()

	_, ok := TxFromContext(ctx)
	assert.False(t, ok)

	tx := &fakeTx{}
	got, ok := TxFromContext(withTx(ctx, tx))
	require.True(t, ok)
	assert.Same(t, tx, got)
}

func TestPoolRunnerNestedJoinsTransaction(t *testing.T) {
	// Pool stays nil: a nested call must never begin its own transaction.
	runner := &PoolRunner{}
	outer := &fakeTx{}
	ctx := withTx(context.Background(), outer)

	var seen DBTX
	err := runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		seen = tx
		inner, ok := TxFromContext(ctx)
		require.True(t, ok)
		assert.Same(t, outer, inner)
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, outer, seen)
	assert.Zero(t, outer.commits, "nested call must not commit the outer transaction")
	assert.Zero(t, outer.rollbacks)
}

func TestPoolRunnerNestedErrorUnwinds(t *testing.T) {
	runner := &PoolRunner{}
	outer := &fakeTx{}
	ctx := withTx(context.Background(), outer)

	boom := errors.New("boom")
	err := runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, outer.rollbacks, "rollback belongs to the outer scope")
}

func TestPoolRunnerNestedErrorHandler(t *testing.T) {
	runner := &PoolRunner{}
	ctx := withTx(context.Background(), &fakeTx{})

	boom := errors.New("boom")
	wrapped := fmt.Errorf("handled: %w", boom)
	var handled error
	err := runner.RunWithTransaction(ctx, func(ctx context.Context, tx DBTX) error {
		return boom
	}, WithErrorHandler(func(err error) error {
		handled = err
		return wrapped
	}))
	assert.Same(t, boom, handled)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, wrapped, err)
}

func TestShouldRetryTxError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("nope"), false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"wrapped serialization failure", fmt.Errorf("run step: %w", &pgconn.PgError{Code: "40001"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, shouldRetryTxError(tc.err))
		})
	}
}

func TestAtomicOptions(t *testing.T) {
	cfg := getAtomicConfig(nil)
	assert.Equal(t, pgx.TxIsoLevel(""), cfg.isolation)
	assert.Nil(t, cfg.onError)
	assert.False(t, cfg.dontFail)

	cfg = getAtomicConfig([]AtomicOption{
		WithIsolation(pgx.Serializable),
		WithFallback(func(error) error { return nil }),
	})
	assert.Equal(t, pgx.Serializable, cfg.isolation)
	assert.NotNil(t, cfg.onError)
	assert.True(t, cfg.dontFail)
}

func TestStubRunnerFallbackSwallowsError(t *testing.T) {
	// The dontFail escape hatch replaces the work error with the handler's
	// outcome, including nil.
	runner := &stubRunner{}
	err := runner.RunWithTransaction(context.Background(), func(ctx context.Context, tx DBTX) error {
		return errors.New("boom")
	}, WithFallback(func(error) error { return nil }))
	assert.NoError(t, err)
}
