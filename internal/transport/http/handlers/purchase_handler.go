package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
	authsvc "github.com/wondernest/marketplace/internal/services/auth"
	fulfillsvc "github.com/wondernest/marketplace/internal/services/fulfillment"
	"github.com/wondernest/marketplace/internal/transport/http/dto"
	httperrors "github.com/wondernest/marketplace/internal/transport/http/errors"
)

type PurchaseHandler struct {
	fulfillment *fulfillsvc.Service
}

func NewPurchaseHandler(fulfillment *fulfillsvc.Service) *PurchaseHandler {
	return &PurchaseHandler{fulfillment: fulfillment}
}

func (h *PurchaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.fulfillment == nil {
		writeInternal(w, "FULFILLMENT_SERVICE_UNAVAILABLE", "fulfillment service is unavailable")
		return
	}

	var req dto.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	result, err := h.fulfillment.Purchase(r.Context(), fulfillsvc.PurchaseInput{
		BuyerID:          identity.BuyerID,
		FamilyID:         identity.FamilyID,
		ListingID:        req.ListingID,
		ChildIDs:         req.ChildIDs,
		PaymentMethodRef: req.PaymentMethodRef,
	})
	if err != nil {
		var rateLimited *fulfillsvc.RateLimitedError
		switch {
		case errors.As(err, &rateLimited):
			httperrors.Write(w, http.StatusTooManyRequests, httperrors.RateLimitError{
				Code:          "PURCHASE_RATE_LIMITED",
				Message:       "too many purchase attempts, slow down",
				RetryAfterSec: rateLimited.RetryAfterSeconds,
			})
		case errors.Is(err, fulfillsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid purchase payload")
		case errors.Is(err, fulfillsvc.ErrInconsistency):
			writeInternal(w, "PURCHASE_STATE_CONFLICT", "purchase needs operator attention")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to process purchase")
		}
		return
	}

	httperrors.Write(w, purchaseStatusCode(result.Status), dto.PurchaseResponse{
		Status:          string(result.Status),
		TransactionID:   result.TransactionID,
		GrantedChildIDs: result.GrantedChildIDs,
		AmountCents:     result.Amount.Amount,
		Currency:        result.Amount.Currency,
		DeclineReason:   result.DeclineReason,
		RejectionReason: result.RejectionReason,
	})
}

func (h *PurchaseHandler) Transaction(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.fulfillment == nil {
		writeInternal(w, "FULFILLMENT_SERVICE_UNAVAILABLE", "fulfillment service is unavailable")
		return
	}

	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))
	if transactionID == "" {
		writeBadRequest(w, "VALIDATION_ERROR", "transaction id is required")
		return
	}

	txn, err := h.fulfillment.Transaction(r.Context(), identity.BuyerID, transactionID)
	if err != nil {
		switch {
		case errors.Is(err, fulfillsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "transaction id is required")
		case errors.Is(err, pgrepo.ErrTransactionNotFound):
			writeNotFound(w, "TRANSACTION_NOT_FOUND", "transaction not found")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to load transaction")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.TransactionResponse{
		ID:            txn.ID,
		ListingID:     txn.ListingID,
		ChildIDs:      txn.ChildIDs,
		Status:        string(txn.Status),
		AmountCents:   txn.Amount.Amount,
		Currency:      txn.Amount.Currency,
		ExternalRef:   txn.ExternalRef,
		FailureReason: txn.FailureReason,
		CreatedAt:     txn.CreatedAt,
		CompletedAt:   txn.CompletedAt,
	})
}

// purchaseStatusCode maps a pipeline outcome to the HTTP status the
// buyer sees. An unsettled charge is accepted for later settlement, so
// it answers 202 rather than an error.
func purchaseStatusCode(status fulfillsvc.Status) int {
	switch status {
	case fulfillsvc.StatusRejected:
		return http.StatusBadRequest
	case fulfillsvc.StatusPaymentDeclined:
		return http.StatusPaymentRequired
	case fulfillsvc.StatusPendingReconciliation:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}
