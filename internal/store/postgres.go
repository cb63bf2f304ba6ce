package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is a normal outcome: the user has no profile yet.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means another writer committed first; reload and retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyApplied means the message id was committed by an earlier delivery.
	ErrAlreadyApplied = errors.New("message already applied")
	// ErrTimeout means a store call exceeded its per-call budget.
	ErrTimeout = errors.New("store timeout")
	// ErrStaleTransition means a failed job was not in the expected status.
	ErrStaleTransition = errors.New("failed job status changed concurrently")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
