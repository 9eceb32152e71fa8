package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
)

// AccessClaims is the verified payload of a platform access token. The
// family id is embedded at sign-in time so purchase endpoints never
// have to trust a family id supplied in the request body.
type AccessClaims struct {
	BuyerID   string
	FamilyID  string
	Role      string
	ExpiresAt time.Time
}
