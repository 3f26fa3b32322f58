package models

import (
	"fmt"
	"strings"
	"time"
)

// ResolutionType is a conflict resolution strategy.
type ResolutionType string

const (
	ClientWins ResolutionType = "CLIENT_WINS"
	ServerWins ResolutionType = "SERVER_WINS"
	Merge      ResolutionType = "MERGE"
	Manual     ResolutionType = "MANUAL"
)

// ParseResolutionType parses a strategy name, case-insensitively.
func ParseResolutionType(s string) (ResolutionType, error) {
	switch t := ResolutionType(strings.ToUpper(strings.TrimSpace(s))); t {
	case ClientWins, ServerWins, Merge, Manual:
		return t, nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q", s)
}

// ConflictResolution is the outcome of resolving one conflict.
// ResolvedData is nil when Type is Manual.
type ConflictResolution struct {
	Type         ResolutionType `json:"type"`
	ClientData   Record         `json:"client_data"`
	ServerData   Record         `json:"server_data"`
	ResolvedData *Record        `json:"resolved_data,omitempty"`
}

// ConflictStatus is the lifecycle state of a ConflictLog.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// ConflictLog records a detected conflict. Manual conflicts stay open until
// resolved explicitly.
type ConflictLog struct {
	ID           string         `db:"id" json:"id"`
	Table        string         `db:"table_name" json:"table"`
	RecordID     string         `db:"record_id" json:"record_id"`
	Strategy     ResolutionType `db:"strategy" json:"strategy"`
	LocalData    Record         `db:"local_data" json:"local_data"`
	RemoteData   Record         `db:"remote_data" json:"remote_data"`
	ResolvedData *Record        `db:"resolved_data" json:"resolved_data,omitempty"`
	Status       ConflictStatus `db:"status" json:"status"`
	DetectedAt   int64          `db:"detected_at" json:"detected_at"`
	ResolvedAt   int64          `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// IsOpen reports whether the conflict awaits resolution.
func (c *ConflictLog) IsOpen() bool {
	return c.Status == ConflictOpen
}
