// Package store is the transactional persistence facade for PipeWeave.
//
// Components issue SQL through the Queryer interface, which both *sqlx.DB and
// *sqlx.Tx satisfy; multi-row operations that must be atomic run inside
// Store.Transaction. Concurrency control relies on database isolation
// (read-committed) plus guarded UPDATEs carrying the expected prior status —
// no in-process locks protect persisted state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Queryer is the query surface shared by the database handle and open
// transactions. Components accept a Queryer so their operations compose into
// a caller's transaction.
type Queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store owns the database handle.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Options bound the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// DefaultOptions are suitable for a single orchestrator process.
func DefaultOptions() Options {
	return Options{MaxOpenConns: 10, MaxIdleConns: 5, ConnLifetime: 30 * time.Minute}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string, opts Options, log *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle as a Queryer.
func (s *Store) DB() Queryer { return s.db }

// SQLDB exposes the raw *sql.DB (migrations need it).
func (s *Store) SQLDB() *sql.DB { return s.db.DB }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Transaction runs fn inside a transaction. Any error (or panic) rolls the
// transaction back; a nil return commits.
func (s *Store) Transaction(ctx context.Context, fn func(tx Queryer) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.log.Error("transaction rollback failed", zap.Error(rbErr))
			}
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}
