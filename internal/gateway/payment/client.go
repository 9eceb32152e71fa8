// Package payment wraps the external card processor behind a small
// charge-or-lookup client. Every answer is reduced to one of three
// outcomes: the processor charged the card, it explicitly declined, or
// we cannot tell. Ambiguous answers are never upgraded to a decline
// here; callers reconcile them later using the same idempotency key.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const idempotencyKeyHeader = "Idempotency-Key"

var (
	ErrInvalidCharge         = errors.New("payment: invalid charge input")
	ErrMissingIdempotencyKey = errors.New("payment: idempotency key is required")
)

// Outcome classifies the processor's answer to a charge or a lookup.
type Outcome string

const (
	OutcomeCharged       Outcome = "charged"
	OutcomeDeclined      Outcome = "declined"
	OutcomeIndeterminate Outcome = "indeterminate"
	// OutcomeNotFound is returned by Lookup when the processor has no
	// record of the idempotency key, meaning the charge never happened.
	OutcomeNotFound Outcome = "not_found"
)

// ChargeInput describes a single charge attempt. The idempotency key is
// derived from the purchase transaction, so resubmitting the same
// attempt can never bill the card twice.
type ChargeInput struct {
	PaymentMethodRef string
	AmountCents      int64
	Currency         string
	IdempotencyKey   string
}

// ChargeResult carries the classified processor answer. ExternalRef is
// set only for OutcomeCharged, DeclineReason only for OutcomeDeclined.
// Detail preserves the raw cause of an indeterminate answer for logs.
type ChargeResult struct {
	Outcome       Outcome
	ExternalRef   string
	DeclineReason string
	Detail        string
}

type chargeRequest struct {
	PaymentMethodRef string `json:"payment_method_ref"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
}

type chargeResponse struct {
	Status        string `json:"status"`
	ChargeID      string `json:"charge_id"`
	DeclineReason string `json:"decline_reason"`
}

// Config holds the processor connection settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// Client is a thin resty-backed client for the processor's charge API.
type Client struct {
	http *resty.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("payment: gateway base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		rc.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: rc}, nil
}

// Charge submits one charge attempt under the given idempotency key.
// Transport failures, processor 5xx answers and unparseable bodies all
// come back as OutcomeIndeterminate: the card may or may not have been
// billed, and only a Lookup with the same key can settle it. The error
// return is reserved for unusable input.
func (c *Client) Charge(ctx context.Context, in ChargeInput) (ChargeResult, error) {
	if in.IdempotencyKey == "" {
		return ChargeResult{}, ErrMissingIdempotencyKey
	}
	if in.PaymentMethodRef == "" || in.Currency == "" || in.AmountCents <= 0 {
		return ChargeResult{}, ErrInvalidCharge
	}

	var body chargeResponse
	var failure chargeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(idempotencyKeyHeader, in.IdempotencyKey).
		SetBody(chargeRequest{
			PaymentMethodRef: in.PaymentMethodRef,
			AmountCents:      in.AmountCents,
			Currency:         in.Currency,
		}).
		SetResult(&body).
		SetError(&failure).
		Post("/v1/charges")
	if err != nil {
		return ChargeResult{Outcome: OutcomeIndeterminate, Detail: err.Error()}, nil
	}

	switch {
	case resp.IsSuccess():
		return classify(body, resp.StatusCode()), nil
	case resp.StatusCode() == http.StatusPaymentRequired:
		reason := failure.DeclineReason
		if reason == "" {
			reason = "declined"
		}
		return ChargeResult{Outcome: OutcomeDeclined, DeclineReason: reason}, nil
	default:
		return ChargeResult{
			Outcome: OutcomeIndeterminate,
			Detail:  fmt.Sprintf("processor returned http %d", resp.StatusCode()),
		}, nil
	}
}

// Lookup asks the processor what became of a previous attempt with the
// given idempotency key. A 404 means the key was never seen, so the
// attempt can safely be written off as not charged.
func (c *Client) Lookup(ctx context.Context, idempotencyKey string) (ChargeResult, error) {
	if idempotencyKey == "" {
		return ChargeResult{}, ErrMissingIdempotencyKey
	}

	var body chargeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("idempotency_key", idempotencyKey).
		SetResult(&body).
		Get("/v1/charges")
	if err != nil {
		return ChargeResult{Outcome: OutcomeIndeterminate, Detail: err.Error()}, nil
	}

	switch {
	case resp.IsSuccess():
		return classify(body, resp.StatusCode()), nil
	case resp.StatusCode() == http.StatusNotFound:
		return ChargeResult{Outcome: OutcomeNotFound}, nil
	default:
		return ChargeResult{
			Outcome: OutcomeIndeterminate,
			Detail:  fmt.Sprintf("processor returned http %d", resp.StatusCode()),
		}, nil
	}
}

func classify(body chargeResponse, httpStatus int) ChargeResult {
	switch body.Status {
	case "succeeded":
		if body.ChargeID == "" {
			return ChargeResult{Outcome: OutcomeIndeterminate, Detail: "succeeded response without charge id"}
		}
		return ChargeResult{Outcome: OutcomeCharged, ExternalRef: body.ChargeID}
	case "declined":
		reason := body.DeclineReason
		if reason == "" {
			reason = "declined"
		}
		return ChargeResult{Outcome: OutcomeDeclined, DeclineReason: reason}
	default:
		return ChargeResult{
			Outcome: OutcomeIndeterminate,
			Detail:  fmt.Sprintf("unrecognized processor status %q (http %d)", body.Status, httpStatus),
		}
	}
}
