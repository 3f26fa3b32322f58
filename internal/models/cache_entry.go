package models

// CacheEntry is a keyed blob with optional expiry.
type CacheEntry struct {
	Key            string `db:"key" json:"key"`
	Data           []byte `db:"data" json:"data"`
	ExpiresAt      *int64 `db:"expires_at" json:"expires_at,omitempty"` // ms; nil never expires
	AccessCount    int64  `db:"access_count" json:"access_count"`
	LastAccessedAt int64  `db:"last_accessed_at" json:"last_accessed_at"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// Expired reports whether the entry is expired at nowMs.
func (c *CacheEntry) Expired(nowMs int64) bool {
	return c.ExpiresAt != nil && *c.ExpiresAt <= nowMs
}
