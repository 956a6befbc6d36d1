// Package database is the Postgres data access layer: documents, chunks with their
// pgvector embeddings, the append-only pipeline audit trail, query log, knowledge gaps
// and feedback.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"tn-legal-rag/internal/apperr"
)

// DB represents the database connection
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection. The vector type is registered on every
// pooled connection.
func NewDB(ctx context.Context, connStr string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// CheckVectorDimension compares the configured embedding dimension with the one the
// chunks.embedding column was created with.
func (db *DB) CheckVectorDimension(ctx context.Context, want int) error {
	var typmod int
	err := db.Pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'
	`).Scan(&typmod)
	if err != nil {
		return fmt.Errorf("failed to read vector column dimension: %w", err)
	}
	if typmod != want {
		return apperr.Newf(apperr.CodeDimensionMismatch,
			"embedding dimension mismatch: index has %d, provider produces %d", typmod, want)
	}
	return nil
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the database connection
func (db *DB) Close() {
	db.Pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
