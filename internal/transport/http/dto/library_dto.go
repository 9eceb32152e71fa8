package dto

import "time"

type LibraryItemResponse struct {
	ListingID         string     `json:"listing_id"`
	Title             string     `json:"title"`
	GrantedAt         time.Time  `json:"granted_at"`
	Favorite          bool       `json:"favorite"`
	PlaySeconds       int64      `json:"play_seconds"`
	CompletionPercent int        `json:"completion_percent"`
	LastAccessedAt    *time.Time `json:"last_accessed_at,omitempty"`
}

type LibraryResponse struct {
	ChildID string                `json:"child_id"`
	Items   []LibraryItemResponse `json:"items"`
}

type LibraryStatsResponse struct {
	ChildID              string  `json:"child_id"`
	Items                int64   `json:"items"`
	Favorites            int64   `json:"favorites"`
	TotalPlaySeconds     int64   `json:"total_play_seconds"`
	AvgCompletionPercent float64 `json:"avg_completion_percent"`
}

type AccessURLResponse struct {
	URL          string `json:"url"`
	ExpiresInSec int64  `json:"expires_in_sec"`
}

type UsageUpdateRequest struct {
	Favorite          *bool `json:"favorite,omitempty"`
	AddPlaySeconds    int64 `json:"add_play_seconds,omitempty"`
	CompletionPercent *int  `json:"completion_percent,omitempty"`
}
