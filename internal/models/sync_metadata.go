package models

import "time"

// SyncMetadata tracks download progress for one synced table.
type SyncMetadata struct {
	Table      string `db:"table_name" json:"table"`
	Cursor     int64  `db:"cursor" json:"cursor"`             // max server updated_at seen
	LastSyncAt int64  `db:"last_sync_at" json:"last_sync_at"` // local wall clock, ms
}

// TableName returns the table name for SyncMetadata.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// LastSyncTime returns LastSyncAt as time.Time, or the zero time if never synced.
func (m *SyncMetadata) LastSyncTime() time.Time {
	if m.LastSyncAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.LastSyncAt)
}
