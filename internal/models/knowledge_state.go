package models

// KnowledgeState tracks a user's mastery of one content item.
type KnowledgeState struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	ContentID      string  `json:"content_id"`
	Mastery        float64 `json:"mastery"` // 0..1
	Attempts       int     `json:"attempts"`
	LastReviewedAt int64   `json:"last_reviewed_at,omitempty"`
	UpdatedAt      int64   `json:"updated_at"`
}

// TableName returns the table name for KnowledgeState.
func (KnowledgeState) TableName() string {
	return TableKnowledgeStates
}

// ToRecord converts the state to its stored envelope, owned by its user.
func (k *KnowledgeState) ToRecord() (Record, error) {
	data, err := toData(k)
	if err != nil {
		return Record{}, err
	}
	return Record{Table: TableKnowledgeStates, ID: k.ID, Owner: k.UserID, Data: data, UpdatedAt: k.UpdatedAt}, nil
}

// KnowledgeStateFromRecord reads a KnowledgeState out of a record.
func KnowledgeStateFromRecord(rec Record) (*KnowledgeState, error) {
	var k KnowledgeState
	if err := fromData(rec, &k); err != nil {
		return nil, err
	}
	k.ID = rec.ID
	k.UpdatedAt = rec.UpdatedAt
	return &k, nil
}
