package db

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/models"
)

// GetSyncMetadata returns the download progress of table. A table that was
// never synced yields zero cursor and time.
func (r *Repository) GetSyncMetadata(ctx context.Context, table string) (*models.SyncMetadata, error) {
	m := &models.SyncMetadata{Table: table}
	err := r.db.QueryRowContext(ctx,
		"SELECT cursor, last_sync_at FROM sync_metadata WHERE table_name = ?", table).
		Scan(&m.Cursor, &m.LastSyncAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Storage("get sync metadata", err)
	}
	return m, nil
}

// UpdateSyncMetadata stores the download progress of one table.
func (r *Repository) UpdateSyncMetadata(ctx context.Context, m *models.SyncMetadata) error {
	query := `
	INSERT INTO sync_metadata (table_name, cursor, last_sync_at) VALUES (?, ?, ?)
	ON CONFLICT(table_name) DO UPDATE SET cursor = excluded.cursor, last_sync_at = excluded.last_sync_at`
	if _, err := r.db.ExecContext(ctx, query, m.Table, m.Cursor, m.LastSyncAt); err != nil {
		return apperrors.Storage("update sync metadata", err)
	}
	return nil
}

// LastSyncAt returns the most recent sync time over all tables, 0 if none.
func (r *Repository) LastSyncAt(ctx context.Context) (int64, error) {
	var last int64
	if err := r.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(last_sync_at), 0) FROM sync_metadata").Scan(&last); err != nil {
		return 0, apperrors.Storage("last sync time", err)
	}
	return last, nil
}
