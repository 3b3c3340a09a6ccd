package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

type txState struct {
	tx    pgx.Tx
	hooks []func()
}

// WithTx runs fn inside a transaction carried by the context. A nested call
// joins the outer transaction instead of opening a new one.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if stateFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}

	st := &txState{tx: tx}
	txCtx := context.WithValue(ctx, txKey{}, st)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, h := range st.hooks {
		h()
	}
	return nil
}

// AfterCommit defers fn until the outermost transaction in ctx commits.
// Without a transaction fn runs immediately. Hooks of a rolled back
// transaction are dropped.
func AfterCommit(ctx context.Context, fn func()) {
	if st := stateFromContext(ctx); st != nil {
		st.hooks = append(st.hooks, fn)
		return
	}
	fn()
}

// Q returns the transaction in ctx, or the pool when there is none.
func Q(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// InTx reports whether ctx carries a transaction.
func InTx(ctx context.Context) bool {
	return stateFromContext(ctx) != nil
}

func txFromContext(ctx context.Context) pgx.Tx {
	if st := stateFromContext(ctx); st != nil {
		return st.tx
	}
	return nil
}

func stateFromContext(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{}).(*txState)
	return st
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ConstraintName returns the violated constraint, if err carries one.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// ValidUUID reports whether s parses as a UUID. Checking before a query
// keeps a malformed id from aborting the surrounding transaction.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func IsInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
