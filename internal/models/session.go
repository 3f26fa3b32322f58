package models

// Session is one study session of a user.
type Session struct {
	ID         string   `json:"id"`
	UserID     string   `json:"user_id"`
	StartedAt  int64    `json:"started_at"`
	EndedAt    int64    `json:"ended_at,omitempty"`
	ContentIDs []string `json:"content_ids,omitempty"`
	Score      int      `json:"score"`
	UpdatedAt  int64    `json:"updated_at"`
}

// TableName returns the table name for Session.
func (Session) TableName() string {
	return TableSessions
}

// ToRecord converts the session to its stored envelope, owned by its user.
func (s *Session) ToRecord() (Record, error) {
	data, err := toData(s)
	if err != nil {
		return Record{}, err
	}
	return Record{Table: TableSessions, ID: s.ID, Owner: s.UserID, Data: data, UpdatedAt: s.UpdatedAt}, nil
}

// SessionFromRecord reads a Session out of a record.
func SessionFromRecord(rec Record) (*Session, error) {
	var s Session
	if err := fromData(rec, &s); err != nil {
		return nil, err
	}
	s.ID = rec.ID
	s.UpdatedAt = rec.UpdatedAt
	return &s, nil
}

// Response is an answer given within a session.
type Response struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	ContentID      string `json:"content_id"`
	UserID         string `json:"user_id"`
	Answer         string `json:"answer"`
	Correct        bool   `json:"correct"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	AnsweredAt     int64  `json:"answered_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// TableName returns the table name for Response.
func (Response) TableName() string {
	return TableResponses
}

// ToRecord converts the response to its stored envelope, owned by its session.
func (r *Response) ToRecord() (Record, error) {
	data, err := toData(r)
	if err != nil {
		return Record{}, err
	}
	return Record{Table: TableResponses, ID: r.ID, Owner: r.SessionID, Data: data, UpdatedAt: r.UpdatedAt}, nil
}

// ResponseFromRecord reads a Response out of a record.
func ResponseFromRecord(rec Record) (*Response, error) {
	var r Response
	if err := fromData(rec, &r); err != nil {
		return nil, err
	}
	r.ID = rec.ID
	r.UpdatedAt = rec.UpdatedAt
	return &r, nil
}
