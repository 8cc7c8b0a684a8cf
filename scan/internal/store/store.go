// Package store is the data access layer for the scan service. All reads
// of a missing row return (nil, nil); callers translate to their own
// not-found errors. Status changes go through guarded updates that report
// whether they applied, so retried work is a no-op instead of a double
// write.
package store

import "database/sql"

// Store wraps the service database.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}
