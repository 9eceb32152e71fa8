package model

import (
	"time"

	"github.com/wondernest/marketplace/internal/domain/enums"
)

type Listing struct {
	ID            string              `json:"id"`
	SellerID      string              `json:"seller_id"`
	ContentKey    string              `json:"content_key"`
	Title         string              `json:"title"`
	Description   string              `json:"description"`
	Price         Money               `json:"price"`
	Status        enums.ListingStatus `json:"status"`
	PurchaseCount int64               `json:"purchase_count"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}
