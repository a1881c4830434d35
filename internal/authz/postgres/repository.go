// Package postgres persists the authorization model in PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/platform/db"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	*queries
	pool *pgxpool.Pool
}

var (
	_ authz.Repository = (*Repository)(nil)
	_ authz.Store      = (*queries)(nil)
)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: &queries{db: pool}, pool: pool}
}

// WithTx runs fn in a RepeatableRead transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, authz.Store) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &queries{db: tx})
	})
}

// SetTemplatePermissions replaces a bundle atomically when called outside a transaction.
func (r *Repository) SetTemplatePermissions(ctx context.Context, templateID int64, permissionIDs []int64) error {
	return r.WithTx(ctx, func(ctx context.Context, tx authz.Store) error {
		return tx.SetTemplatePermissions(ctx, templateID, permissionIDs)
	})
}

// mapErr translates driver errors into the authz taxonomy.
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", authz.ErrNotFound, op)
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s: %w", authz.ErrConflict, op, err)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s: %w", authz.ErrNotFound, op, err)
	default:
		return fmt.Errorf("authz/postgres: %s: %w", op, err)
	}
}
