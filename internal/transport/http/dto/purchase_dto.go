package dto

import "time"

type PurchaseRequest struct {
	ListingID        string   `json:"listing_id"`
	ChildIDs         []string `json:"child_ids"`
	PaymentMethodRef string   `json:"payment_method_ref"`
}

type PurchaseResponse struct {
	Status          string   `json:"status"`
	TransactionID   string   `json:"transaction_id,omitempty"`
	GrantedChildIDs []string `json:"granted_child_ids,omitempty"`
	AmountCents     int64    `json:"amount_cents,omitempty"`
	Currency        string   `json:"currency,omitempty"`
	DeclineReason   string   `json:"decline_reason,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
}

type TransactionResponse struct {
	ID            string     `json:"id"`
	ListingID     string     `json:"listing_id"`
	ChildIDs      []string   `json:"child_ids"`
	Status        string     `json:"status"`
	AmountCents   int64      `json:"amount_cents"`
	Currency      string     `json:"currency"`
	ExternalRef   *string    `json:"external_ref,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
