package models

import "time"

// SyncStatus is the process-wide synchronization state published to observers.
type SyncStatus struct {
	LastSyncTime     *time.Time `json:"last_sync_time"`
	PendingUploads   int        `json:"pending_uploads"`
	PendingDownloads int        `json:"pending_downloads"`
	IsOnline         bool       `json:"is_online"`
	SyncInProgress   bool       `json:"sync_in_progress"`
	LastError        string     `json:"last_error,omitempty"`
	OpenConflicts    int        `json:"open_conflicts"`
	Evicted          int64      `json:"evicted"`
}
