package model

import "time"

// LibraryEntry grants one child access to one listing's content. At most
// one entry exists per (child, listing) pair; every entry traces back to
// exactly one completed purchase transaction.
type LibraryEntry struct {
	ChildID           string     `json:"child_id"`
	ListingID         string     `json:"listing_id"`
	TransactionID     string     `json:"transaction_id"`
	GrantedBy         string     `json:"granted_by"`
	GrantedAt         time.Time  `json:"granted_at"`
	Favorite          bool       `json:"favorite"`
	PlaySeconds       int64      `json:"play_seconds"`
	CompletionPercent int        `json:"completion_percent"`
	LastAccessedAt    *time.Time `json:"last_accessed_at"`
}
