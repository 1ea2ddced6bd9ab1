package model

import "time"

// AccessEvent carries a coalesced batch of resolves for one short code.
type AccessEvent struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Clicks     int64     `json:"clicks"`
	AccessedAt time.Time `json:"accessed_at"`
}

const (
	AccessStreamName     = "ACCESS"
	AccessStreamSubject  = "access.events"
	AccessConsumerName   = "access-applier"
	AccessStreamMaxBytes = 1024 * 1024 * 100 // 100MB
)
