// Package pgxv5 implements store.Store on top of jackc/pgx/v5's connection
// pool: native parameter binding, SELECT ... FOR UPDATE SKIP LOCKED claim
// semantics, and pgvector similarity search via the <=> operator.
package pgxv5

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// New returns a store.Store backed by pool. expectedDim is the embedding
// dimension InsertMemory enforces on every write.
func New(pool *pgxpool.Pool, expectedDim int) *Store {
	return &Store{pool: pool, expectedDim: expectedDim}
}

// Connect opens a pgxpool.Pool against dsn and wraps it as a Store.
func Connect(ctx context.Context, dsn string, expectedDim int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return New(pool, expectedDim), nil
}
