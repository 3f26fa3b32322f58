package db

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/models"
	"github.com/kimhsiao/learnsync/core/internal/uuid"
)

// =====================================================
// OfflineAction Operations
// =====================================================

const actionColumns = "id, type, payload, timestamp, retry_count, max_retries, status, last_error"

// InsertAction persists a new action.
func (r *Repository) InsertAction(ctx context.Context, a *models.OfflineAction) error {
	return r.withTx(ctx, "insert action", func(tx *sql.Tx) error {
		return insertAction(ctx, tx, a)
	})
}

// InsertActionWithRecords writes local records and the action describing them
// in one transaction. Each record is marked as locally modified at the
// action's timestamp.
func (r *Repository) InsertActionWithRecords(ctx context.Context, a *models.OfflineAction, recs ...*models.Record) error {
	for _, rec := range recs {
		if err := checkTable(rec.Table); err != nil {
			return err
		}
	}
	return r.withTx(ctx, "insert action with records", func(tx *sql.Tx) error {
		for _, rec := range recs {
			rec.LocalModifiedAt = a.Timestamp
			if err := upsertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		return insertAction(ctx, tx, a)
	})
}

func insertAction(ctx context.Context, q queryer, a *models.OfflineAction) error {
	if a.Payload == nil {
		return apperrors.New(apperrors.ErrInvalidPayload, "action payload is required")
	}
	payload, err := models.EncodePayload(a.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidPayload, "encode payload", err)
	}
	if a.Status == "" {
		a.Status = models.ActionStatusPending
	}
	query := `
	INSERT INTO offline_actions (id, type, payload, timestamp, retry_count, max_retries, status, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, query, a.ID, string(a.Type), string(payload), a.Timestamp,
		a.RetryCount, a.MaxRetries, string(a.Status), a.LastError)
	return err
}

func scanAction(row interface{ Scan(...interface{}) error }) (*models.OfflineAction, error) {
	var a models.OfflineAction
	var typ, payload, status string
	if err := row.Scan(&a.ID, &typ, &payload, &a.Timestamp, &a.RetryCount, &a.MaxRetries, &status, &a.LastError); err != nil {
		return nil, err
	}
	a.Type = models.ActionType(typ)
	a.Status = models.ActionStatus(status)

	p, err := models.DecodePayload(a.Type, []byte(payload))
	if err != nil {
		// Undecodable rows stay visible so the queue can reject them.
		p = &models.UnknownPayload{Type: a.Type, Raw: []byte(payload)}
	}
	a.Payload = p
	return &a, nil
}

// GetPendingActions returns every queued action, oldest first.
// Ties on timestamp fall back to insertion order.
func (r *Repository) GetPendingActions(ctx context.Context) ([]*models.OfflineAction, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+actionColumns+" FROM offline_actions ORDER BY timestamp ASC, rowid ASC")
	if err != nil {
		return nil, apperrors.Storage("get pending actions", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, apperrors.Storage("get pending actions", err)
	}
	defer rows.Close()

	var out []*models.OfflineAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, apperrors.Storage("get pending actions", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("get pending actions", err)
	}
	return out, nil
}

// GetAction returns an action, or nil if it is not queued.
func (r *Repository) GetAction(ctx context.Context, id string) (*models.OfflineAction, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+actionColumns+" FROM offline_actions WHERE id = ?", id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("get action", err)
	}
	return a, nil
}

// CountPendingActions returns the live number of queued actions.
func (r *Repository) CountPendingActions(ctx context.Context) (int, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT COUNT(*) FROM offline_actions")
	if err != nil {
		return 0, apperrors.Storage("count actions", err)
	}
	var n int
	if err := stmt.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, apperrors.Storage("count actions", err)
	}
	return n, nil
}

// MaxActionTimestamp returns the newest queued action timestamp, or 0.
func (r *Repository) MaxActionTimestamp(ctx context.Context) (int64, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT COALESCE(MAX(timestamp), 0) FROM offline_actions")
	if err != nil {
		return 0, apperrors.Storage("max action timestamp", err)
	}
	var ts int64
	if err := stmt.QueryRowContext(ctx).Scan(&ts); err != nil {
		return 0, apperrors.Storage("max action timestamp", err)
	}
	return ts, nil
}

// DeleteAction removes an action. Deleting a missing id is a no-op.
func (r *Repository) DeleteAction(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM offline_actions WHERE id = ?", id); err != nil {
		return apperrors.Storage("delete action", err)
	}
	return nil
}

// UpdateActionRetry records a failed attempt. Updating a missing id is a no-op.
func (r *Repository) UpdateActionRetry(ctx context.Context, id string, retryCount int, lastErr string) error {
	query := "UPDATE offline_actions SET retry_count = ?, last_error = ?, status = ? WHERE id = ?"
	if _, err := r.db.ExecContext(ctx, query, retryCount, lastErr, string(models.ActionStatusFailed), id); err != nil {
		return apperrors.Storage("update action retry", err)
	}
	return nil
}

// SetActionStatus updates the observability status of an action.
func (r *Repository) SetActionStatus(ctx context.Context, id string, status models.ActionStatus) error {
	if _, err := r.db.ExecContext(ctx, "UPDATE offline_actions SET status = ? WHERE id = ?", string(status), id); err != nil {
		return apperrors.Storage("set action status", err)
	}
	return nil
}

// MoveToDeadLetter removes an action from the queue and keeps a copy in
// dead_letters, atomically.
func (r *Repository) MoveToDeadLetter(ctx context.Context, a *models.OfflineAction, reason models.DeadLetterReason, lastErr string) (*models.DeadLetter, error) {
	payload, err := models.EncodePayload(a.Payload)
	if err != nil {
		payload = []byte("null")
	}
	dl := &models.DeadLetter{
		ID:         uuid.New(),
		ActionID:   a.ID,
		Type:       a.Type,
		Payload:    payload,
		Timestamp:  a.Timestamp,
		RetryCount: a.RetryCount,
		Reason:     reason,
		LastError:  lastErr,
		DeadAt:     r.nowMs(),
	}
	err = r.withTx(ctx, "move to dead letter", func(tx *sql.Tx) error {
		query := `
		INSERT INTO dead_letters (id, action_id, type, payload, timestamp, retry_count, reason, last_error, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query, dl.ID, dl.ActionID, string(dl.Type), string(dl.Payload),
			dl.Timestamp, dl.RetryCount, string(dl.Reason), dl.LastError, dl.DeadAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM offline_actions WHERE id = ?", a.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// ListDeadLetters returns the most recent dead letters. limit <= 0 returns all.
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
	SELECT id, action_id, type, payload, timestamp, retry_count, reason, last_error, dead_at
	FROM dead_letters ORDER BY dead_at DESC, rowid DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apperrors.Storage("list dead letters", err)
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var typ, payload, reason string
		if err := rows.Scan(&dl.ID, &dl.ActionID, &typ, &payload, &dl.Timestamp, &dl.RetryCount,
			&reason, &dl.LastError, &dl.DeadAt); err != nil {
			return nil, apperrors.Storage("list dead letters", err)
		}
		dl.Type = models.ActionType(typ)
		dl.Payload = []byte(payload)
		dl.Reason = models.DeadLetterReason(reason)
		out = append(out, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list dead letters", err)
	}
	return out, nil
}
