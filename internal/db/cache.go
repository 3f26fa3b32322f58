package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/models"
)

// =====================================================
// Cache Operations
// =====================================================

// GetCache returns the cached bytes for key, or nil on a miss.
// Expired entries are deleted on read.
func (r *Repository) GetCache(ctx context.Context, key string) ([]byte, error) {
	entry, err := r.GetCacheEntry(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.Data, nil
}

// GetCacheEntry is GetCache returning the full entry after the hit is counted.
func (r *Repository) GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	var out *models.CacheEntry
	err := r.withTx(ctx, "get cache", func(tx *sql.Tx) error {
		var e models.CacheEntry
		var expires sql.NullInt64
		row := tx.QueryRowContext(ctx, `
		SELECT key, data, expires_at, access_count, last_accessed_at, created_at
		FROM cache_entries WHERE key = ?`, key)
		err := row.Scan(&e.Key, &e.Data, &expires, &e.AccessCount, &e.LastAccessedAt, &e.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if expires.Valid {
			e.ExpiresAt = &expires.Int64
		}

		now := r.nowMs()
		if e.Expired(now) {
			_, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
			return err
		}

		e.AccessCount++
		e.LastAccessedAt = now
		if _, err := tx.ExecContext(ctx,
			"UPDATE cache_entries SET access_count = ?, last_accessed_at = ? WHERE key = ?",
			e.AccessCount, e.LastAccessedAt, key); err != nil {
			return err
		}
		out = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetCache stores data under key. A zero ttl never expires.
func (r *Repository) SetCache(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl != 0 {
		t := r.now().Add(ttl)
		expiresAt = &t
	}
	return r.SetCacheExpiry(ctx, key, data, expiresAt)
}

// SetCacheExpiry stores data under key with an absolute expiry; nil never expires.
func (r *Repository) SetCacheExpiry(ctx context.Context, key string, data []byte, expiresAt *time.Time) error {
	var expires sql.NullInt64
	if expiresAt != nil {
		expires = sql.NullInt64{Int64: expiresAt.UnixMilli(), Valid: true}
	}
	if data == nil {
		data = []byte{}
	}
	query := `
	INSERT INTO cache_entries (key, data, expires_at, access_count, last_accessed_at, created_at)
	VALUES (?, ?, ?, 0, 0, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data,
		expires_at = excluded.expires_at`
	if _, err := r.db.ExecContext(ctx, query, key, data, expires, r.nowMs()); err != nil {
		return apperrors.Storage("set cache", err)
	}
	return nil
}

// DeleteCache removes key. Deleting a missing key is a no-op.
func (r *Repository) DeleteCache(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return apperrors.Storage("delete cache", err)
	}
	return nil
}

// SweepExpiredCache deletes every expired entry and returns how many were removed.
func (r *Repository) SweepExpiredCache(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?", r.nowMs())
	if err != nil {
		return 0, apperrors.Storage("sweep cache", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
