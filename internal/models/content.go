package models

import "time"

// ContentItem is a unit of learning content (question, lesson card).
type ContentItem struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Subject    string   `json:"subject,omitempty"`
	Difficulty int      `json:"difficulty"`
	Tags       []string `json:"tags,omitempty"`
	UpdatedAt  int64    `json:"updated_at"`
}

// TableName returns the table name for ContentItem.
func (ContentItem) TableName() string {
	return TableContentItems
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (c *ContentItem) UpdatedAtTime() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}

// ToRecord converts the item to its stored envelope.
func (c *ContentItem) ToRecord() (Record, error) {
	data, err := toData(c)
	if err != nil {
		return Record{}, err
	}
	return Record{Table: TableContentItems, ID: c.ID, Data: data, UpdatedAt: c.UpdatedAt}, nil
}

// ContentItemFromRecord reads a ContentItem out of a record.
func ContentItemFromRecord(rec Record) (*ContentItem, error) {
	var c ContentItem
	if err := fromData(rec, &c); err != nil {
		return nil, err
	}
	c.ID = rec.ID
	c.UpdatedAt = rec.UpdatedAt
	return &c, nil
}
