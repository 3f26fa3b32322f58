package models

import (
	"encoding/json"
	"time"
)

// DeadLetterReason says why an action left the queue without succeeding.
type DeadLetterReason string

const (
	ReasonRetriesExhausted DeadLetterReason = "retries_exhausted"
	ReasonRejected         DeadLetterReason = "rejected"
)

// DeadLetter is an abandoned action, kept for inspection only.
type DeadLetter struct {
	ID         string           `db:"id" json:"id"`
	ActionID   string           `db:"action_id" json:"action_id"`
	Type       ActionType       `db:"type" json:"type"`
	Payload    json.RawMessage  `db:"payload" json:"payload"`
	Timestamp  int64            `db:"timestamp" json:"timestamp"`
	RetryCount int              `db:"retry_count" json:"retry_count"`
	Reason     DeadLetterReason `db:"reason" json:"reason"`
	LastError  string           `db:"last_error" json:"last_error,omitempty"`
	DeadAt     int64            `db:"dead_at" json:"dead_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}

// DeadAtTime returns DeadAt as time.Time.
func (d *DeadLetter) DeadAtTime() time.Time {
	return time.UnixMilli(d.DeadAt)
}
