package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type contextKey string

const (
	// ScopeKey is the context key for storing the active querier (pool or transaction).
	ScopeKey contextKey = "dbScope"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
// Repositories run every statement through the Querier found in context,
// so the same repository call works inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Begin opens a transaction, or a savepoint when already in one.
	Begin(ctx context.Context) (pgx.Tx, error)
}

// GetScope retrieves the querier stored in context.
// Returns nil and false if not present.
func GetScope(ctx context.Context) (Querier, bool) {
	q, ok := ctx.Value(ScopeKey).(Querier)
	return q, ok
}

// SetScope stores a querier in context.
func SetScope(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, ScopeKey, q)
}

// InTransaction reports whether the scope in context is a transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(ScopeKey).(pgx.Tx)
	return ok
}

// TxRunner opens scopes and transactions for services.
// *DB satisfies it; unit tests substitute a pass-through implementation.
type TxRunner interface {
	// WithScope returns ctx carrying a pool-backed querier.
	WithScope(ctx context.Context) context.Context
	// InTx runs fn inside a transaction. fn receives a context whose scope is
	// the transaction. The transaction commits if fn returns nil and rolls
	// back otherwise. Nested calls reuse the outer transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

var _ TxRunner = (*DB)(nil)

// WithScope returns ctx carrying the connection pool as its querier.
// An existing scope (for example an open transaction) is left in place.
func (db *DB) WithScope(ctx context.Context) context.Context {
	if _, ok := GetScope(ctx); ok {
		return ctx
	}
	return SetScope(ctx, db.Pool)
}

// InTx runs fn in a read-committed transaction.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(SetScope(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
