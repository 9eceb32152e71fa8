package model

import "time"

// Child is a read-only projection of the family service's profile store.
// The fulfillment core never writes to it.
type Child struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"family_id"`
	Name      string    `json:"name"`
	BirthDate time.Time `json:"birth_date"`
	Active    bool      `json:"active"`
}
