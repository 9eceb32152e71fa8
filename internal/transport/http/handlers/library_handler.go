package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	authsvc "github.com/wondernest/marketplace/internal/services/auth"
	librarysvc "github.com/wondernest/marketplace/internal/services/library"
	"github.com/wondernest/marketplace/internal/transport/http/dto"
	httperrors "github.com/wondernest/marketplace/internal/transport/http/errors"
)

type LibraryHandler struct {
	library *librarysvc.Service
}

func NewLibraryHandler(library *librarysvc.Service) *LibraryHandler {
	return &LibraryHandler{library: library}
}

func (h *LibraryHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.guard(w, r)
	if !ok {
		return
	}

	childID := strings.TrimSpace(chi.URLParam(r, "childID"))
	items, err := h.library.ListForChild(r.Context(), identity.FamilyID, childID)
	if err != nil {
		h.writeError(w, err, "failed to load library")
		return
	}

	responses := make([]dto.LibraryItemResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, dto.LibraryItemResponse{
			ListingID:         item.Listing.ID,
			Title:             item.Listing.Title,
			GrantedAt:         item.Entry.GrantedAt,
			Favorite:          item.Entry.Favorite,
			PlaySeconds:       item.Entry.PlaySeconds,
			CompletionPercent: item.Entry.CompletionPercent,
			LastAccessedAt:    item.Entry.LastAccessedAt,
		})
	}
	httperrors.Write(w, http.StatusOK, dto.LibraryResponse{
		ChildID: childID,
		Items:   responses,
	})
}

func (h *LibraryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.guard(w, r)
	if !ok {
		return
	}

	childID := strings.TrimSpace(chi.URLParam(r, "childID"))
	stats, err := h.library.ChildStats(r.Context(), identity.FamilyID, childID)
	if err != nil {
		h.writeError(w, err, "failed to load library stats")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.LibraryStatsResponse{
		ChildID:              stats.ChildID,
		Items:                stats.Items,
		Favorites:            stats.Favorites,
		TotalPlaySeconds:     stats.TotalPlaySeconds,
		AvgCompletionPercent: stats.AvgCompletionPercent,
	})
}

func (h *LibraryHandler) Access(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.guard(w, r)
	if !ok {
		return
	}

	childID := strings.TrimSpace(chi.URLParam(r, "childID"))
	listingID := strings.TrimSpace(chi.URLParam(r, "listingID"))
	signed, err := h.library.AccessURL(r.Context(), identity.FamilyID, childID, listingID)
	if err != nil {
		h.writeError(w, err, "failed to sign content url")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.AccessURLResponse{
		URL:          signed.URL,
		ExpiresInSec: int64(signed.ExpiresIn.Seconds()),
	})
}

func (h *LibraryHandler) Usage(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.guard(w, r)
	if !ok {
		return
	}

	var req dto.UsageUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	childID := strings.TrimSpace(chi.URLParam(r, "childID"))
	listingID := strings.TrimSpace(chi.URLParam(r, "listingID"))
	entry, err := h.library.RecordUsage(r.Context(), identity.FamilyID, childID, listingID, librarysvc.UsageInput{
		Favorite:          req.Favorite,
		AddPlaySeconds:    req.AddPlaySeconds,
		CompletionPercent: req.CompletionPercent,
	})
	if err != nil {
		h.writeError(w, err, "failed to record usage")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.LibraryItemResponse{
		ListingID:         entry.ListingID,
		GrantedAt:         entry.GrantedAt,
		Favorite:          entry.Favorite,
		PlaySeconds:       entry.PlaySeconds,
		CompletionPercent: entry.CompletionPercent,
		LastAccessedAt:    entry.LastAccessedAt,
	})
}

func (h *LibraryHandler) guard(w http.ResponseWriter, r *http.Request) (authsvc.Identity, bool) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return authsvc.Identity{}, false
	}
	if h.library == nil {
		writeInternal(w, "LIBRARY_SERVICE_UNAVAILABLE", "library service is unavailable")
		return authsvc.Identity{}, false
	}
	return identity, true
}

func (h *LibraryHandler) writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, librarysvc.ErrValidation):
		writeBadRequest(w, "VALIDATION_ERROR", "invalid library request")
	case errors.Is(err, librarysvc.ErrChildNotInFamily):
		// A child outside the caller's family is indistinguishable
		// from a child that does not exist.
		writeNotFound(w, "CHILD_NOT_FOUND", "child not found")
	case errors.Is(err, librarysvc.ErrEntryNotFound):
		writeNotFound(w, "ENTRY_NOT_FOUND", "library entry not found")
	default:
		writeInternal(w, "INTERNAL_ERROR", fallback)
	}
}
