package models

import "fmt"

func init() {
	RegisterPayload(ActionAnswerSubmitted, func() ActionPayload { return &AnswerSubmitted{} })
	RegisterPayload(ActionProfileUpdated, func() ActionPayload { return &ProfileUpdated{} })
	RegisterPayload(ActionFriendAdded, func() ActionPayload { return &FriendAdded{} })
	RegisterPayload(ActionProgressSynced, func() ActionPayload { return &ProgressSynced{} })
}

// AnswerSubmitted records an answer given offline.
type AnswerSubmitted struct {
	SessionID      string `json:"session_id"`
	ContentID      string `json:"content_id"`
	ResponseID     string `json:"response_id,omitempty"`
	Answer         string `json:"answer"`
	Correct        bool   `json:"correct"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

func (p *AnswerSubmitted) ActionType() ActionType { return ActionAnswerSubmitted }

func (p *AnswerSubmitted) Touches() []RecordRef {
	if p.ResponseID == "" {
		return nil
	}
	return []RecordRef{{Table: TableResponses, ID: p.ResponseID}}
}

func (p *AnswerSubmitted) Validate() error {
	if p.SessionID == "" || p.ContentID == "" {
		return fmt.Errorf("answer_submitted: session_id and content_id are required")
	}
	return nil
}

// ProfileUpdated carries changed profile fields.
type ProfileUpdated struct {
	UserID string                 `json:"user_id"`
	Fields map[string]interface{} `json:"fields"`
}

func (p *ProfileUpdated) ActionType() ActionType { return ActionProfileUpdated }

func (p *ProfileUpdated) Touches() []RecordRef {
	return []RecordRef{{Table: TableUsers, ID: p.UserID}}
}

func (p *ProfileUpdated) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("profile_updated: user_id is required")
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("profile_updated: no fields")
	}
	return nil
}

// FriendAdded requests a friendship. It writes no local synced record.
type FriendAdded struct {
	UserID   string `json:"user_id"`
	FriendID string `json:"friend_id"`
}

func (p *FriendAdded) ActionType() ActionType { return ActionFriendAdded }

func (p *FriendAdded) Touches() []RecordRef { return nil }

func (p *FriendAdded) Validate() error {
	if p.UserID == "" || p.FriendID == "" {
		return fmt.Errorf("friend_added: user_id and friend_id are required")
	}
	if p.UserID == p.FriendID {
		return fmt.Errorf("friend_added: cannot befriend self")
	}
	return nil
}

// ProgressSynced pushes a knowledge-state snapshot.
type ProgressSynced struct {
	UserID    string  `json:"user_id"`
	ContentID string  `json:"content_id"`
	StateID   string  `json:"state_id,omitempty"`
	Mastery   float64 `json:"mastery"`
	Attempts  int     `json:"attempts"`
}

func (p *ProgressSynced) ActionType() ActionType { return ActionProgressSynced }

func (p *ProgressSynced) Touches() []RecordRef {
	if p.StateID == "" {
		return nil
	}
	return []RecordRef{{Table: TableKnowledgeStates, ID: p.StateID}}
}

func (p *ProgressSynced) Validate() error {
	if p.UserID == "" || p.ContentID == "" {
		return fmt.Errorf("progress_synced: user_id and content_id are required")
	}
	if p.Mastery < 0 || p.Mastery > 1 {
		return fmt.Errorf("progress_synced: mastery %v out of range [0,1]", p.Mastery)
	}
	return nil
}
