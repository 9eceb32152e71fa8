package enums

type ListingStatus string

const (
	ListingStatusDraft         ListingStatus = "draft"
	ListingStatusPendingReview ListingStatus = "pending_review"
	ListingStatusApproved      ListingStatus = "approved"
	ListingStatusSuspended     ListingStatus = "suspended"
	ListingStatusInactive      ListingStatus = "inactive"
)

func (s ListingStatus) Purchasable() bool {
	return s == ListingStatusApproved
}
