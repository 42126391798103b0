// Package store is the PostgreSQL access layer. It is the only shared
// mutable resource between the Conveyor services: every multi-row
// mutation happens inside a single transaction, and reads that drive a
// state transition take row-level locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const (
	connectRetries = 18
	connectTimeout = 10 * time.Second
)

// ErrNotFound is returned when a row the caller asked for by id does
// not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against dsn and bootstraps the schema. It
// retries for up to connectRetries x connectTimeout before giving up,
// so that services survive a database that is still starting.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		slog.Info("Connecting to database", "attempt", attempt, "of", connectRetries)
		pool, err := pgxpool.Connect(ctx, dsn)
		if err == nil {
			s := &Store{pool: pool}
			if err = s.ensureSchema(ctx); err == nil {
				slog.Info("Connected to database")
				return s, nil
			}
			pool.Close()
		}
		lastErr = err
		slog.Warn("Failed to connect to database", "error", err)
		if attempt < connectRetries {
			select {
			case <-time.After(connectTimeout):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", connectRetries, lastErr)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	return nil
}

// Tx is one transaction. All mutating store operations hang off Tx so
// that callers decide the transaction boundary.
type Tx struct {
	tx pgx.Tx
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
