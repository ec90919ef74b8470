package repository

import (
	"database/sql"

	"github.com/iliyamo/car-rental-booking/internal/store"
)

// Store groups the table repositories behind store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// NewStore returns a Store bound to db.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }
