package models

// User is the learner profile.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	Level       int      `json:"level"`
	XP          int      `json:"xp"`
	Friends     []string `json:"friends,omitempty"`
	UpdatedAt   int64    `json:"updated_at"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return TableUsers
}

// ToRecord converts the user to its stored envelope.
func (u *User) ToRecord() (Record, error) {
	data, err := toData(u)
	if err != nil {
		return Record{}, err
	}
	return Record{Table: TableUsers, ID: u.ID, Data: data, UpdatedAt: u.UpdatedAt}, nil
}

// UserFromRecord reads a User out of a record.
func UserFromRecord(rec Record) (*User, error) {
	var u User
	if err := fromData(rec, &u); err != nil {
		return nil, err
	}
	u.ID = rec.ID
	u.UpdatedAt = rec.UpdatedAt
	return &u, nil
}
