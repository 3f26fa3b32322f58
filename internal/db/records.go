package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/models"
)

// =====================================================
// Record Operations
// =====================================================

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func checkTable(table string) error {
	if !models.IsSyncTable(table) {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown sync table %q", table))
	}
	return nil
}

// UpsertRecord inserts or replaces a record. Version is bumped on every write
// and copied back into rec.
func (r *Repository) UpsertRecord(ctx context.Context, rec *models.Record) error {
	if err := checkTable(rec.Table); err != nil {
		return err
	}
	if rec.ID == "" {
		return apperrors.New(apperrors.ErrValidation, "record id is required")
	}
	return r.withTx(ctx, "upsert record", func(tx *sql.Tx) error {
		return upsertRecord(ctx, tx, rec)
	})
}

func upsertRecord(ctx context.Context, q queryer, rec *models.Record) error {
	data, err := rec.CanonicalData()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidPayload, "encode record data", err)
	}
	query := fmt.Sprintf(`
	INSERT INTO %s (id, owner_id, data, updated_at, local_modified_at, version)
	VALUES (?, ?, ?, ?, ?, 1)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id,
		data = excluded.data,
		updated_at = excluded.updated_at,
		local_modified_at = excluded.local_modified_at,
		version = version + 1
	RETURNING version`, rec.Table)
	return q.QueryRowContext(ctx, query, rec.ID, rec.Owner, string(data), rec.UpdatedAt, rec.LocalModifiedAt).
		Scan(&rec.Version)
}

const recordColumns = "id, owner_id, data, updated_at, local_modified_at, version"

func scanRecord(table string, row interface{ Scan(...interface{}) error }) (*models.Record, error) {
	rec := models.Record{Table: table}
	var data string
	if err := row.Scan(&rec.ID, &rec.Owner, &data, &rec.UpdatedAt, &rec.LocalModifiedAt, &rec.Version); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("decode %s/%s data: %w", table, rec.ID, err)
	}
	return &rec, nil
}

// GetRecord returns a record, or nil if it does not exist.
func (r *Repository) GetRecord(ctx context.Context, table, id string) (*models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	stmt, err := r.PrepareStmt(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", recordColumns, table))
	if err != nil {
		return nil, apperrors.Storage("get record", err)
	}
	rec, err := scanRecord(table, stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("get record", err)
	}
	return rec, nil
}

// ListRecords returns every record of a table ordered by id.
func (r *Repository) ListRecords(ctx context.Context, table string) ([]*models.Record, error) {
	return r.listRecords(ctx, table, "list records", "1 = 1 ORDER BY id")
}

// ListDirtyRecords returns records with unconfirmed local edits, oldest edit first.
func (r *Repository) ListDirtyRecords(ctx context.Context, table string) ([]*models.Record, error) {
	return r.listRecords(ctx, table, "list dirty records", "local_modified_at > 0 ORDER BY local_modified_at, id")
}

// ListRecordsByOwner returns records owned by ownerID ordered by id.
func (r *Repository) ListRecordsByOwner(ctx context.Context, table, ownerID string) ([]*models.Record, error) {
	return r.listRecords(ctx, table, "list records by owner", "owner_id = ? ORDER BY id", ownerID)
}

func (r *Repository) listRecords(ctx context.Context, table, op, where string, args ...interface{}) ([]*models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s", recordColumns, table, where), args...)
	if err != nil {
		return nil, apperrors.Storage(op, err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(table, rows)
		if err != nil {
			return nil, apperrors.Storage(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(op, err)
	}
	return out, nil
}

// MarkClean clears the local-modification flag of refs whose last local edit
// is not newer than upTo. Later edits keep the record dirty.
func (r *Repository) MarkClean(ctx context.Context, refs []models.RecordRef, upTo int64) error {
	if len(refs) == 0 {
		return nil
	}
	for _, ref := range refs {
		if err := checkTable(ref.Table); err != nil {
			return err
		}
	}
	return r.withTx(ctx, "mark clean", func(tx *sql.Tx) error {
		for _, ref := range refs {
			query := fmt.Sprintf("UPDATE %s SET local_modified_at = 0 WHERE id = ? AND local_modified_at <= ?", ref.Table)
			if _, err := tx.ExecContext(ctx, query, ref.ID, upTo); err != nil {
				return err
			}
		}
		return nil
	})
}

// =====================================================
// Typed Helpers
// =====================================================

// Typed Save helpers write clean records, as received from the remote or seeded.
// Local edits go through InsertActionWithRecords so they are queued atomically.

func (r *Repository) saveView(ctx context.Context, rec models.Record, err error) error {
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidPayload, "encode record", err)
	}
	return r.UpsertRecord(ctx, &rec)
}

// SaveUser writes a user profile.
func (r *Repository) SaveUser(ctx context.Context, u *models.User) error {
	rec, err := u.ToRecord()
	return r.saveView(ctx, rec, err)
}

// GetUser returns a user, or nil if unknown.
func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	rec, err := r.GetRecord(ctx, models.TableUsers, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return models.UserFromRecord(*rec)
}

// SaveContentItem writes a content item.
func (r *Repository) SaveContentItem(ctx context.Context, c *models.ContentItem) error {
	rec, err := c.ToRecord()
	return r.saveView(ctx, rec, err)
}

// GetContentItem returns a content item, or nil if unknown.
func (r *Repository) GetContentItem(ctx context.Context, id string) (*models.ContentItem, error) {
	rec, err := r.GetRecord(ctx, models.TableContentItems, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return models.ContentItemFromRecord(*rec)
}

// SaveSession writes a session.
func (r *Repository) SaveSession(ctx context.Context, s *models.Session) error {
	rec, err := s.ToRecord()
	return r.saveView(ctx, rec, err)
}

// SaveResponse writes a response.
func (r *Repository) SaveResponse(ctx context.Context, resp *models.Response) error {
	rec, err := resp.ToRecord()
	return r.saveView(ctx, rec, err)
}

// ListResponsesBySession returns the responses recorded for a session.
func (r *Repository) ListResponsesBySession(ctx context.Context, sessionID string) ([]*models.Response, error) {
	recs, err := r.ListRecordsByOwner(ctx, models.TableResponses, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Response, 0, len(recs))
	for _, rec := range recs {
		resp, err := models.ResponseFromRecord(*rec)
		if err != nil {
			return nil, apperrors.Storage("decode response", err)
		}
		out = append(out, resp)
	}
	return out, nil
}

// SaveKnowledgeState writes a knowledge state.
func (r *Repository) SaveKnowledgeState(ctx context.Context, k *models.KnowledgeState) error {
	rec, err := k.ToRecord()
	return r.saveView(ctx, rec, err)
}

// ListKnowledgeStates returns a user's knowledge states.
func (r *Repository) ListKnowledgeStates(ctx context.Context, userID string) ([]*models.KnowledgeState, error) {
	recs, err := r.ListRecordsByOwner(ctx, models.TableKnowledgeStates, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.KnowledgeState, 0, len(recs))
	for _, rec := range recs {
		k, err := models.KnowledgeStateFromRecord(*rec)
		if err != nil {
			return nil, apperrors.Storage("decode knowledge state", err)
		}
		out = append(out, k)
	}
	return out, nil
}
