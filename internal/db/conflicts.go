package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/models"
	"github.com/kimhsiao/learnsync/core/internal/uuid"
)

// =====================================================
// ConflictLog Operations
// =====================================================

const conflictColumns = "id, table_name, record_id, strategy, local_data, remote_data, resolved_data, status, detected_at, resolved_at"

// CreateConflictLog persists a conflict. When the log carries resolved data,
// that record is written in the same transaction. ID, DetectedAt and Status
// are filled in when empty.
func (r *Repository) CreateConflictLog(ctx context.Context, c *models.ConflictLog) error {
	if err := checkTable(c.Table); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New()
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = r.nowMs()
	}
	if c.Status == "" {
		c.Status = models.ConflictOpen
		if c.ResolvedData != nil {
			c.Status = models.ConflictResolved
		}
	}
	if c.Status == models.ConflictResolved && c.ResolvedAt == 0 {
		c.ResolvedAt = c.DetectedAt
	}

	local, err := json.Marshal(c.LocalData)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidPayload, "encode local data", err)
	}
	remote, err := json.Marshal(c.RemoteData)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidPayload, "encode remote data", err)
	}
	var resolved sql.NullString
	if c.ResolvedData != nil {
		raw, err := json.Marshal(c.ResolvedData)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidPayload, "encode resolved data", err)
		}
		resolved = sql.NullString{String: string(raw), Valid: true}
	}

	return r.withTx(ctx, "create conflict log", func(tx *sql.Tx) error {
		if c.ResolvedData != nil {
			if err := upsertRecord(ctx, tx, c.ResolvedData); err != nil {
				return err
			}
		}
		query := `INSERT INTO conflict_log (` + conflictColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, query, c.ID, c.Table, c.RecordID, string(c.Strategy),
			string(local), string(remote), resolved, string(c.Status), c.DetectedAt, c.ResolvedAt)
		return err
	})
}

func scanConflict(row interface{ Scan(...interface{}) error }) (*models.ConflictLog, error) {
	var c models.ConflictLog
	var strategy, local, remote, status string
	var resolved sql.NullString
	if err := row.Scan(&c.ID, &c.Table, &c.RecordID, &strategy, &local, &remote, &resolved,
		&status, &c.DetectedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.Strategy = models.ResolutionType(strategy)
	c.Status = models.ConflictStatus(status)
	if err := json.Unmarshal([]byte(local), &c.LocalData); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(remote), &c.RemoteData); err != nil {
		return nil, err
	}
	if resolved.Valid {
		var rec models.Record
		if err := json.Unmarshal([]byte(resolved.String), &rec); err != nil {
			return nil, err
		}
		c.ResolvedData = &rec
	}
	return &c, nil
}

// GetConflictLog returns a conflict, or nil if unknown.
func (r *Repository) GetConflictLog(ctx context.Context, id string) (*models.ConflictLog, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM conflict_log WHERE id = ?", id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("get conflict log", err)
	}
	return c, nil
}

// ListOpenConflicts returns unresolved conflicts, oldest first.
func (r *Repository) ListOpenConflicts(ctx context.Context) ([]*models.ConflictLog, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+conflictColumns+" FROM conflict_log WHERE status = ? ORDER BY detected_at, rowid",
		string(models.ConflictOpen))
	if err != nil {
		return nil, apperrors.Storage("list open conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, apperrors.Storage("list open conflicts", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list open conflicts", err)
	}
	return out, nil
}

// CountOpenConflicts returns the number of unresolved conflicts.
func (r *Repository) CountOpenConflicts(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conflict_log WHERE status = ?",
		string(models.ConflictOpen)).Scan(&n)
	if err != nil {
		return 0, apperrors.Storage("count open conflicts", err)
	}
	return n, nil
}

// MarkConflictResolved closes an open conflict with the chosen strategy and
// writes the resolved record in the same transaction. Resolving an unknown or
// already resolved conflict returns a NOT_FOUND error.
func (r *Repository) MarkConflictResolved(ctx context.Context, id string, strategy models.ResolutionType, resolved *models.Record) error {
	var raw sql.NullString
	if resolved != nil {
		if err := checkTable(resolved.Table); err != nil {
			return err
		}
		b, err := json.Marshal(resolved)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidPayload, "encode resolved data", err)
		}
		raw = sql.NullString{String: string(b), Valid: true}
	}

	return r.withTx(ctx, "resolve conflict", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE conflict_log SET status = ?, strategy = ?, resolved_data = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
			string(models.ConflictResolved), string(strategy), raw, r.nowMs(), id, string(models.ConflictOpen))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.New(apperrors.ErrNotFound, "no open conflict with id "+id)
		}
		if resolved != nil {
			return upsertRecord(ctx, tx, resolved)
		}
		return nil
	})
}
