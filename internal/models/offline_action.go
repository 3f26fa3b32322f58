package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ActionType discriminates OfflineAction payloads.
type ActionType string

const (
	ActionAnswerSubmitted ActionType = "answer_submitted"
	ActionProfileUpdated  ActionType = "profile_updated"
	ActionFriendAdded     ActionType = "friend_added"
	ActionProgressSynced  ActionType = "progress_synced"
)

// ActionStatus is tracked for observability only; queue order never depends on it.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusProcessing ActionStatus = "processing"
	ActionStatusCompleted  ActionStatus = "completed"
	ActionStatusFailed     ActionStatus = "failed"
)

// DefaultMaxRetries is the retry budget given to a newly enqueued action.
const DefaultMaxRetries = 3

// ActionPayload is the type-specific body of an OfflineAction.
// Every payload type is registered with RegisterPayload so it can be decoded
// from storage.
type ActionPayload interface {
	ActionType() ActionType
	// Touches lists the local records this mutation wrote, if any.
	Touches() []RecordRef
	Validate() error
}

// OfflineAction is a durable record of a local mutation not yet confirmed remotely.
type OfflineAction struct {
	ID         string        `db:"id" json:"id"`
	Type       ActionType    `db:"type" json:"type"`
	Payload    ActionPayload `db:"payload" json:"payload"`
	Timestamp  int64         `db:"timestamp" json:"timestamp"` // unix ms
	RetryCount int           `db:"retry_count" json:"retry_count"`
	MaxRetries int           `db:"max_retries" json:"max_retries"`
	Status     ActionStatus  `db:"status" json:"status"`
	LastError  string        `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for OfflineAction.
func (OfflineAction) TableName() string {
	return "offline_actions"
}

// TimestampTime returns the creation time.
func (a *OfflineAction) TimestampTime() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// WillEvictOnFailure reports whether one more failure exhausts the retry budget.
func (a *OfflineAction) WillEvictOnFailure() bool {
	return a.RetryCount+1 >= a.MaxRetries
}

// MarshalJSON renders the timestamp as RFC 3339.
func (a *OfflineAction) MarshalJSON() ([]byte, error) {
	type alias OfflineAction
	return json.Marshal(struct {
		*alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     (*alias)(a),
		Timestamp: a.TimestampTime().UTC().Format(time.RFC3339Nano),
	})
}

var (
	payloadMu       sync.RWMutex
	payloadRegistry = map[ActionType]func() ActionPayload{}
)

// RegisterPayload adds a payload type. The factory must return a pointer
// that JSON can decode into.
func RegisterPayload(t ActionType, factory func() ActionPayload) {
	payloadMu.Lock()
	defer payloadMu.Unlock()
	payloadRegistry[t] = factory
}

// RegisteredActionTypes returns all known action types in sorted order.
func RegisteredActionTypes() []ActionType {
	payloadMu.RLock()
	defer payloadMu.RUnlock()
	out := make([]ActionType, 0, len(payloadRegistry))
	for t := range payloadRegistry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsRegisteredActionType reports whether t has a payload decoder.
func IsRegisteredActionType(t ActionType) bool {
	payloadMu.RLock()
	defer payloadMu.RUnlock()
	_, ok := payloadRegistry[t]
	return ok
}

// ErrUnknownActionType is returned when decoding a type nobody registered.
type ErrUnknownActionType struct {
	Type ActionType
}

func (e *ErrUnknownActionType) Error() string {
	return fmt.Sprintf("unknown action type %q", e.Type)
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p ActionPayload) ([]byte, error) {
	return json.Marshal(p)
}

// UnknownPayload holds a stored payload whose type is not registered.
// It never validates, so the action is rejected instead of retried.
type UnknownPayload struct {
	Type ActionType
	Raw  json.RawMessage
}

func (p *UnknownPayload) ActionType() ActionType { return p.Type }

func (p *UnknownPayload) Touches() []RecordRef { return nil }

func (p *UnknownPayload) Validate() error { return &ErrUnknownActionType{Type: p.Type} }

// MarshalJSON returns the stored bytes unchanged.
func (p *UnknownPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw, nil
}

// DecodePayload deserializes a stored payload by its type tag.
func DecodePayload(t ActionType, raw []byte) (ActionPayload, error) {
	payloadMu.RLock()
	factory, ok := payloadRegistry[t]
	payloadMu.RUnlock()
	if !ok {
		return nil, &ErrUnknownActionType{Type: t}
	}
	p := factory()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return p, nil
}
