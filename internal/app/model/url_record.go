package model

import "time"

// URLRecord maps a short code to its target URL together with access metadata.
type URLRecord struct {
	Code           string     `json:"shortCode" gorm:"primaryKey;size:50"`
	OriginalURL    string     `json:"originalUrl" gorm:"type:text;not null"`
	CreatedAt      time.Time  `json:"createdAt" gorm:"not null"`
	LastAccessedAt time.Time  `json:"lastAccessedAt" gorm:"not null"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty" gorm:"index"`
	Clicks         int64      `json:"clicks" gorm:"not null;default:0"`
}

// TableName pins the GORM table name.
func (URLRecord) TableName() string {
	return "url_records"
}

// Expired reports whether the record is past its expiration at now.
// Records without ExpiresAt never expire.
func (r *URLRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// TTL returns the remaining lifetime at now, or zero for records that never expire.
func (r *URLRecord) TTL(now time.Time) time.Duration {
	if r.ExpiresAt == nil {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Meta is the metadata half of a record, stored separately from the URL on key-value backends.
type Meta struct {
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Clicks         int64      `json:"clicks"`
}

// Meta splits the metadata out of the record.
func (r *URLRecord) Meta() Meta {
	return Meta{
		CreatedAt:      r.CreatedAt,
		LastAccessedAt: r.LastAccessedAt,
		ExpiresAt:      r.ExpiresAt,
		Clicks:         r.Clicks,
	}
}

// NewURLRecord builds a fresh record created at now. expirationDays <= 0 means no expiration.
func NewURLRecord(code, originalURL string, expirationDays int, now time.Time) *URLRecord {
	rec := &URLRecord{
		Code:           code,
		OriginalURL:    originalURL,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if expirationDays > 0 {
		expires := now.AddDate(0, 0, expirationDays)
		rec.ExpiresAt = &expires
	}
	return rec
}
