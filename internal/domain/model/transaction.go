package model

import (
	"time"

	"github.com/wondernest/marketplace/internal/domain/enums"
)

type PurchaseTransaction struct {
	ID               string                  `json:"id"`
	BuyerID          string                  `json:"buyer_id"`
	FamilyID         string                  `json:"family_id"`
	ListingID        string                  `json:"listing_id"`
	ChildIDs         []string                `json:"child_ids"`
	Amount           Money                   `json:"amount"`
	PaymentMethodRef string                  `json:"payment_method_ref"`
	IdempotencyKey   string                  `json:"idempotency_key"`
	ExternalRef      *string                 `json:"external_ref"`
	Status           enums.TransactionStatus `json:"status"`
	FailureReason    *string                 `json:"failure_reason"`
	CreatorShare     int64                   `json:"creator_share"`
	PlatformShare    int64                   `json:"platform_share"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	CompletedAt      *time.Time              `json:"completed_at"`
	RefundedAt       *time.Time              `json:"refunded_at"`
}
