package db

import (
	"context"
	"time"

	"github.com/kimhsiao/learnsync/core/internal/models"
)

// ActionStore defines persistence of the offline action queue.
type ActionStore interface {
	InsertAction(ctx context.Context, a *models.OfflineAction) error
	InsertActionWithRecords(ctx context.Context, a *models.OfflineAction, recs ...*models.Record) error

	// GetPendingActions returns actions in FIFO order.
	GetPendingActions(ctx context.Context) ([]*models.OfflineAction, error)
	GetAction(ctx context.Context, id string) (*models.OfflineAction, error)
	CountPendingActions(ctx context.Context) (int, error)
	MaxActionTimestamp(ctx context.Context) (int64, error)

	// DeleteAction and UpdateActionRetry are no-ops for unknown ids.
	DeleteAction(ctx context.Context, id string) error
	UpdateActionRetry(ctx context.Context, id string, retryCount int, lastErr string) error
	SetActionStatus(ctx context.Context, id string, status models.ActionStatus) error

	MoveToDeadLetter(ctx context.Context, a *models.OfflineAction, reason models.DeadLetterReason, lastErr string) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error)
}

// RecordStore defines persistence of synced entity records.
type RecordStore interface {
	UpsertRecord(ctx context.Context, rec *models.Record) error
	GetRecord(ctx context.Context, table, id string) (*models.Record, error)
	ListRecords(ctx context.Context, table string) ([]*models.Record, error)
	ListDirtyRecords(ctx context.Context, table string) ([]*models.Record, error)
	MarkClean(ctx context.Context, refs []models.RecordRef, upTo int64) error
}

// CacheStore defines the keyed blob cache with TTL.
type CacheStore interface {
	GetCache(ctx context.Context, key string) ([]byte, error)
	SetCache(ctx context.Context, key string, data []byte, ttl time.Duration) error
	SetCacheExpiry(ctx context.Context, key string, data []byte, expiresAt *time.Time) error
	DeleteCache(ctx context.Context, key string) error
	SweepExpiredCache(ctx context.Context) (int64, error)
}

// MetadataStore defines per-table download progress.
type MetadataStore interface {
	GetSyncMetadata(ctx context.Context, table string) (*models.SyncMetadata, error)
	UpdateSyncMetadata(ctx context.Context, m *models.SyncMetadata) error
	LastSyncAt(ctx context.Context) (int64, error)
}

// ConflictStore defines persistence of detected conflicts.
type ConflictStore interface {
	CreateConflictLog(ctx context.Context, c *models.ConflictLog) error
	GetConflictLog(ctx context.Context, id string) (*models.ConflictLog, error)
	ListOpenConflicts(ctx context.Context) ([]*models.ConflictLog, error)
	CountOpenConflicts(ctx context.Context) (int, error)
	MarkConflictResolved(ctx context.Context, id string, strategy models.ResolutionType, resolved *models.Record) error
}

// MaintenanceStore defines housekeeping operations.
type MaintenanceStore interface {
	Compact(ctx context.Context) (*CompactResult, error)
	Size(ctx context.Context) (int64, error)
}

// SyncStore combines the stores the sync engine needs.
type SyncStore interface {
	RecordStore
	MetadataStore
	ConflictStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ ActionStore      = (*Repository)(nil)
	_ RecordStore      = (*Repository)(nil)
	_ CacheStore       = (*Repository)(nil)
	_ MetadataStore    = (*Repository)(nil)
	_ ConflictStore    = (*Repository)(nil)
	_ MaintenanceStore = (*Repository)(nil)
	_ SyncStore        = (*Repository)(nil)
)
