package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wondernest/marketplace/internal/domain/model"
	authsvc "github.com/wondernest/marketplace/internal/services/auth"
	catalogsvc "github.com/wondernest/marketplace/internal/services/catalog"
	"github.com/wondernest/marketplace/internal/transport/http/dto"
	httperrors "github.com/wondernest/marketplace/internal/transport/http/errors"
)

type CatalogHandler struct {
	catalog *catalogsvc.Service
}

func NewCatalogHandler(catalog *catalogsvc.Service) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

func (h *CatalogHandler) Browse(w http.ResponseWriter, r *http.Request) {
	if _, ok := authsvc.IdentityFromContext(r.Context()); !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.catalog == nil {
		writeInternal(w, "CATALOG_SERVICE_UNAVAILABLE", "catalog service is unavailable")
		return
	}

	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 20)
	if limit > 100 {
		limit = 100
	}
	if limit <= 0 {
		limit = 20
	}
	offset := parseIntOrDefault(r.URL.Query().Get("offset"), 0)

	listings, err := h.catalog.Browse(r.Context(), limit, offset)
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to load listings")
		return
	}

	items := make([]dto.ListingResponse, 0, len(listings))
	for _, listing := range listings {
		items = append(items, mapListingResponse(listing))
	}
	httperrors.Write(w, http.StatusOK, dto.BrowseResponse{
		Listings: items,
		Limit:    limit,
		Offset:   offset,
	})
}

func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := authsvc.IdentityFromContext(r.Context()); !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.catalog == nil {
		writeInternal(w, "CATALOG_SERVICE_UNAVAILABLE", "catalog service is unavailable")
		return
	}

	listingID := strings.TrimSpace(chi.URLParam(r, "listingID"))
	listing, err := h.catalog.Get(r.Context(), listingID)
	if err != nil {
		switch {
		case errors.Is(err, catalogsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "listing id is required")
		case errors.Is(err, catalogsvc.ErrListingNotFound):
			writeNotFound(w, "LISTING_NOT_FOUND", "listing not found")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to load listing")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, mapListingResponse(listing))
}

// mapListingResponse deliberately leaves out the seller and the content
// key; the storefront never exposes where the content lives.
func mapListingResponse(listing model.Listing) dto.ListingResponse {
	return dto.ListingResponse{
		ID:            listing.ID,
		Title:         listing.Title,
		Description:   listing.Description,
		AmountCents:   listing.Price.Amount,
		Currency:      listing.Price.Currency,
		PurchaseCount: listing.PurchaseCount,
		CreatedAt:     listing.CreatedAt,
	}
}

func parseIntOrDefault(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
