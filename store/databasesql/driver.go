// Package databasesql implements store.Store on top of database/sql and
// lib/pq — the teacher pack's second driver, offered alongside store/pgxv5
// for deployments that standardize on database/sql connection pooling.
package databasesql

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// New returns a store.Store backed by db. expectedDim is the embedding
// dimension InsertMemory enforces on every write.
func New(db *sql.DB, expectedDim int) *Store {
	return &Store{db: db, expectedDim: expectedDim}
}

// Connect opens a database/sql handle against dsn using the lib/pq driver
// and wraps it as a Store.
func Connect(dsn string, expectedDim int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return New(db, expectedDim), nil
}
