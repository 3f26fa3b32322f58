// Package models provides data model definitions for the sync core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Synced entity tables.
const (
	TableUsers           = "users"
	TableContentItems    = "content_items"
	TableSessions        = "sessions"
	TableResponses       = "responses"
	TableKnowledgeStates = "knowledge_states"
)

// SyncTables lists every table that participates in download and conflict phases.
var SyncTables = []string{
	TableUsers,
	TableContentItems,
	TableSessions,
	TableResponses,
	TableKnowledgeStates,
}

// IsSyncTable reports whether name is one of SyncTables.
func IsSyncTable(name string) bool {
	for _, t := range SyncTables {
		if t == name {
			return true
		}
	}
	return false
}

// RecordRef identifies a record in a synced table.
type RecordRef struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

func (r RecordRef) String() string {
	return r.Table + "/" + r.ID
}

// Record is the stored envelope shared by all synced entity tables.
//
// UpdatedAt is the server clock once a record has been synced. LocalModifiedAt
// is non-zero while a local edit has not been confirmed by the remote.
type Record struct {
	Table           string                 `db:"-" json:"table"`
	ID              string                 `db:"id" json:"id"`
	Owner           string                 `db:"owner_id" json:"owner,omitempty"`
	Data            map[string]interface{} `db:"data" json:"data"`
	UpdatedAt       int64                  `db:"updated_at" json:"updated_at"`
	LocalModifiedAt int64                  `db:"local_modified_at" json:"local_modified_at,omitempty"`
	Version         int                    `db:"version" json:"version"`
}

// Ref returns the record's reference.
func (r Record) Ref() RecordRef {
	return RecordRef{Table: r.Table, ID: r.ID}
}

// IsDirty reports whether the record carries an unconfirmed local edit.
func (r Record) IsDirty() bool {
	return r.LocalModifiedAt > 0
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Clone returns a copy whose Data map can be modified independently.
// Nested values are shared.
func (r Record) Clone() Record {
	out := r
	if r.Data != nil {
		out.Data = make(map[string]interface{}, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return out
}

// CanonicalData returns Data as JSON with sorted keys, for equality checks.
func (r Record) CanonicalData() ([]byte, error) {
	if r.Data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Data)
}

// toData converts a typed view into a generic field map.
func toData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	delete(data, "id")
	delete(data, "updated_at")
	return data, nil
}

// fromData fills a typed view from a record.
func fromData(rec Record, v interface{}) error {
	raw, err := json.Marshal(rec.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
