package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
)

// Repository provides the store operations used by the queue and the sync engine.
// All failures are returned as storage errors.
type Repository struct {
	db *sql.DB

	// Prepared statements for hot queries, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt

	now func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the wall clock used for timestamps the store assigns.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have stored the same query meanwhile.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func (r *Repository) nowMs() int64 {
	return r.now().UnixMilli()
}

// withTx runs fn in a transaction. With a single connection, fn must use tx only.
func (r *Repository) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if _, ok := err.(*apperrors.AppError); ok {
			return err
		}
		return apperrors.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Storage(op, err)
	}
	return nil
}
