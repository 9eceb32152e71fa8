// Package fulfillment drives a purchase from the buyer's click to
// content in the children's libraries. The pipeline is strictly
// ordered: validate, charge, record, grant. Money never moves before
// validation passes, and nothing is granted before the ledger says the
// purchase completed.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wondernest/marketplace/internal/domain/enums"
	"github.com/wondernest/marketplace/internal/domain/model"
	"github.com/wondernest/marketplace/internal/gateway/payment"
	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
	"github.com/wondernest/marketplace/internal/services/entitlements"
	"github.com/wondernest/marketplace/internal/services/grants"
)

var (
	ErrValidation = errors.New("validation error")
	// ErrInconsistency means the processor confirmed a charge but the
	// ledger row is in a terminal state that contradicts it. This is
	// never resolved automatically; it pages an operator.
	ErrInconsistency = errors.New("fatal ledger inconsistency")
	// ErrRefundNotAllowed rejects refunds of transactions that never
	// completed. Declined and abandoned purchases have nothing to give
	// back.
	ErrRefundNotAllowed = errors.New("refund allowed only for completed transactions")
)

// RateLimitedError tells the buyer to slow down. RetryAfterSeconds is
// how long until the purchase window has room again.
type RateLimitedError struct {
	RetryAfterSeconds int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("purchase rate limit exceeded, retry in %ds", e.RetryAfterSeconds)
}

// Status is the public outcome of one purchase request.
type Status string

const (
	StatusCompleted             Status = "completed"
	StatusRejected              Status = "rejected"
	StatusPaymentDeclined       Status = "payment_declined"
	StatusPendingReconciliation Status = "pending_reconciliation"
)

type Validator interface {
	Validate(ctx context.Context, in entitlements.Input) (entitlements.Result, error)
}

type Gateway interface {
	Charge(ctx context.Context, in payment.ChargeInput) (payment.ChargeResult, error)
}

type Ledger interface {
	CreatePending(ctx context.Context, in pgrepo.CreatePendingInput) (pgrepo.TransactionRecord, bool, error)
	FindByID(ctx context.Context, transactionID string) (pgrepo.TransactionRecord, error)
	MarkCompleted(ctx context.Context, transactionID, externalRef string) (pgrepo.TransactionRecord, bool, error)
	MarkFailed(ctx context.Context, transactionID, reason string) (pgrepo.TransactionRecord, bool, error)
	MarkRefunded(ctx context.Context, transactionID, reason string) (pgrepo.TransactionRecord, bool, error)
}

type Granter interface {
	Grant(ctx context.Context, in grants.Input) (grants.Outcome, error)
}

type Limiter interface {
	AllowPurchase(ctx context.Context, buyerID string) (int64, bool, error)
}

type Alerter interface {
	Notify(ctx context.Context, text string) error
}

type Config struct {
	GrantRetryAttempts int
	GrantRetryDelay    time.Duration
}

type Dependencies struct {
	Validator Validator
	Gateway   Gateway
	Ledger    Ledger
	Granter   Granter
	Limiter   Limiter
	Alerter   Alerter
}

type Service struct {
	validator Validator
	gateway   Gateway
	ledger    Ledger
	granter   Granter
	limiter   Limiter
	alerter   Alerter
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
	sleep     func(time.Duration)

	tracer               trace.Tracer
	completedCounter     metric.Int64Counter
	declinedCounter      metric.Int64Counter
	indeterminateCounter metric.Int64Counter
	inconsistencyCounter metric.Int64Counter
}

func NewService(deps Dependencies, cfg Config, log *zap.Logger) *Service {
	if cfg.GrantRetryAttempts <= 0 {
		cfg.GrantRetryAttempts = 3
	}
	if cfg.GrantRetryDelay <= 0 {
		cfg.GrantRetryDelay = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	meter := otel.Meter("marketplace.fulfillment")
	completed, _ := meter.Int64Counter("purchases_completed_total",
		metric.WithDescription("Purchases that reached the completed state."))
	declined, _ := meter.Int64Counter("purchases_declined_total",
		metric.WithDescription("Purchases refused by the payment processor."))
	indeterminate, _ := meter.Int64Counter("purchases_indeterminate_total",
		metric.WithDescription("Purchases left pending for reconciliation."))
	inconsistencies, _ := meter.Int64Counter("purchase_inconsistencies_total",
		metric.WithDescription("Confirmed charges contradicted by the ledger."))

	return &Service{
		validator:            deps.Validator,
		gateway:              deps.Gateway,
		ledger:               deps.Ledger,
		granter:              deps.Granter,
		limiter:              deps.Limiter,
		alerter:              deps.Alerter,
		cfg:                  cfg,
		log:                  log,
		now:                  time.Now,
		sleep:                time.Sleep,
		tracer:               otel.Tracer("marketplace.fulfillment"),
		completedCounter:     completed,
		declinedCounter:      declined,
		indeterminateCounter: indeterminate,
		inconsistencyCounter: inconsistencies,
	}
}

type PurchaseInput struct {
	BuyerID          string
	FamilyID         string
	ListingID        string
	ChildIDs         []string
	PaymentMethodRef string
}

// PurchaseResult reports what the buyer got. GrantedChildIDs lists the
// children whose libraries hold the content when the call returns; any
// child missing from it after a completed purchase is filled in by the
// repair job.
type PurchaseResult struct {
	Status          Status
	TransactionID   string
	GrantedChildIDs []string
	Amount          model.Money
	DeclineReason   string
	RejectionReason string
}

// Purchase runs the full pipeline for one buyer request.
//
// The request context matters only until the charge is submitted. From
// that point on every step runs on a detached context: once money may
// have moved, the caller hanging up must not leave the ledger behind.
func (s *Service) Purchase(ctx context.Context, in PurchaseInput) (PurchaseResult, error) {
	if s.validator == nil || s.gateway == nil || s.ledger == nil || s.granter == nil {
		return PurchaseResult{}, fmt.Errorf("fulfillment dependencies are not configured")
	}

	buyerID := strings.TrimSpace(in.BuyerID)
	familyID := strings.TrimSpace(in.FamilyID)
	listingID := strings.TrimSpace(in.ListingID)
	paymentMethodRef := strings.TrimSpace(in.PaymentMethodRef)
	if buyerID == "" || familyID == "" || listingID == "" || paymentMethodRef == "" {
		return PurchaseResult{}, ErrValidation
	}

	ctx, span := s.tracer.Start(ctx, "fulfillment.purchase", trace.WithAttributes(
		attribute.String("listing.id", listingID),
		attribute.Int("children.count", len(in.ChildIDs)),
	))
	defer span.End()

	if s.limiter != nil {
		retryAfter, allowed, err := s.limiter.AllowPurchase(ctx, buyerID)
		if err != nil {
			s.log.Warn("purchase rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			return PurchaseResult{}, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	validation, err := s.validator.Validate(ctx, entitlements.Input{
		BuyerID:   buyerID,
		FamilyID:  familyID,
		ListingID: listingID,
		ChildIDs:  in.ChildIDs,
	})
	if err != nil {
		if entitlements.IsRejection(err) {
			span.AddEvent("rejected")
			return PurchaseResult{Status: StatusRejected, RejectionReason: err.Error()}, nil
		}
		return PurchaseResult{}, fmt.Errorf("validate purchase: %w", err)
	}
	span.AddEvent("validated")

	childIDs := make([]string, 0, len(validation.Children))
	for _, child := range validation.Children {
		childIDs = append(childIDs, child.ID)
	}

	record, created, err := s.ledger.CreatePending(ctx, pgrepo.CreatePendingInput{
		BuyerID:          buyerID,
		FamilyID:         familyID,
		ListingID:        listingID,
		ChildIDs:         childIDs,
		AmountCents:      validation.Listing.PriceCents,
		Currency:         validation.Listing.Currency,
		PaymentMethodRef: paymentMethodRef,
	})
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("open purchase transaction: %w", err)
	}
	if !created {
		// An identical attempt is already in flight. Converging on its
		// row reuses its idempotency key, so the processor sees one
		// charge no matter how many times the buyer clicked.
		s.log.Info("joined in-flight purchase attempt",
			zap.String("transaction_id", record.ID),
			zap.String("buyer_id", buyerID),
		)
	}
	span.SetAttributes(attribute.String("transaction.id", record.ID))

	// Cancellation is honored only up to this line.
	if ctxErr := ctx.Err(); ctxErr != nil {
		detached := context.WithoutCancel(ctx)
		if _, _, failErr := s.ledger.MarkFailed(detached, record.ID, "cancelled before charge"); failErr != nil {
			s.log.Error("mark cancelled purchase failed",
				zap.String("transaction_id", record.ID),
				zap.Error(failErr),
			)
		}
		return PurchaseResult{}, fmt.Errorf("purchase aborted before charge: %w", ctxErr)
	}
	detached := context.WithoutCancel(ctx)

	charge, err := s.gateway.Charge(detached, payment.ChargeInput{
		PaymentMethodRef: paymentMethodRef,
		AmountCents:      record.AmountCents,
		Currency:         record.Currency,
		IdempotencyKey:   record.IdempotencyKey,
	})
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("submit charge: %w", err)
	}

	amount := model.Money{Amount: record.AmountCents, Currency: record.Currency}

	switch charge.Outcome {
	case payment.OutcomeDeclined:
		span.AddEvent("declined")
		s.declinedCounter.Add(detached, 1)
		if _, _, failErr := s.ledger.MarkFailed(detached, record.ID, charge.DeclineReason); failErr != nil {
			s.log.Error("mark declined purchase failed",
				zap.String("transaction_id", record.ID),
				zap.Error(failErr),
			)
		}
		return PurchaseResult{
			Status:        StatusPaymentDeclined,
			TransactionID: record.ID,
			Amount:        amount,
			DeclineReason: charge.DeclineReason,
		}, nil

	case payment.OutcomeIndeterminate:
		// Maybe charged. The row stays pending under its idempotency
		// key; the reconciler settles it against the processor later.
		span.AddEvent("indeterminate")
		s.indeterminateCounter.Add(detached, 1)
		s.log.Warn("charge outcome indeterminate",
			zap.String("transaction_id", record.ID),
			zap.String("detail", charge.Detail),
		)
		return PurchaseResult{
			Status:        StatusPendingReconciliation,
			TransactionID: record.ID,
			Amount:        amount,
		}, nil

	case payment.OutcomeCharged:
		span.AddEvent("charged")
	default:
		return PurchaseResult{}, fmt.Errorf("unexpected charge outcome %q", charge.Outcome)
	}

	completed, changed, err := s.ledger.MarkCompleted(detached, record.ID, charge.ExternalRef)
	if err != nil {
		// The card was charged but the ledger write failed. The row is
		// still pending, so the reconciler will finish the job with
		// the same idempotency key.
		s.log.Error("record completed purchase failed",
			zap.String("transaction_id", record.ID),
			zap.String("external_ref", charge.ExternalRef),
			zap.Error(err),
		)
		return PurchaseResult{
			Status:        StatusPendingReconciliation,
			TransactionID: record.ID,
			Amount:        amount,
		}, nil
	}
	if !changed && enums.TransactionStatus(completed.Status) != enums.TransactionStatusCompleted {
		s.inconsistencyCounter.Add(detached, 1)
		s.alert(detached, fmt.Sprintf(
			"purchase %s: processor confirmed charge %s but ledger status is %s",
			record.ID, charge.ExternalRef, completed.Status,
		))
		s.log.Error("charge confirmed but transaction is terminal",
			zap.String("transaction_id", record.ID),
			zap.String("status", completed.Status),
			zap.String("external_ref", charge.ExternalRef),
		)
		return PurchaseResult{}, ErrInconsistency
	}
	span.AddEvent("recorded")

	granted := s.grantAll(detached, completed)
	span.AddEvent("granted")
	s.completedCounter.Add(detached, 1)

	return PurchaseResult{
		Status:          StatusCompleted,
		TransactionID:   completed.ID,
		GrantedChildIDs: granted,
		Amount:          amount,
	}, nil
}

// grantAll delivers the purchase to every child on the transaction.
// Each grant gets a few retries; a child that still fails is skipped,
// logged, and left to the repair job. The completed purchase is never
// rolled back over grants.
func (s *Service) grantAll(ctx context.Context, record pgrepo.TransactionRecord) []string {
	granted := make([]string, 0, len(record.ChildIDs))
	for _, childID := range record.ChildIDs {
		if s.grantWithRetry(ctx, record, childID) {
			granted = append(granted, childID)
		}
	}
	return granted
}

func (s *Service) grantWithRetry(ctx context.Context, record pgrepo.TransactionRecord, childID string) bool {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.GrantRetryAttempts; attempt++ {
		_, err := s.granter.Grant(ctx, grants.Input{
			ChildID:       childID,
			ListingID:     record.ListingID,
			TransactionID: record.ID,
			GrantedBy:     record.BuyerID,
		})
		if err == nil {
			return true
		}
		lastErr = err
		s.log.Warn("library grant failed",
			zap.String("transaction_id", record.ID),
			zap.String("child_id", childID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < s.cfg.GrantRetryAttempts {
			s.sleep(s.cfg.GrantRetryDelay)
		}
	}

	s.log.Error("library grant exhausted retries",
		zap.String("transaction_id", record.ID),
		zap.String("child_id", childID),
		zap.Error(lastErr),
	)
	s.alert(ctx, fmt.Sprintf(
		"purchase %s completed but child %s is missing the grant; repair job will retry",
		record.ID, childID,
	))
	return false
}

// Transaction returns one ledger entry, scoped to its buyer.
func (s *Service) Transaction(ctx context.Context, buyerID, transactionID string) (model.PurchaseTransaction, error) {
	if s.ledger == nil {
		return model.PurchaseTransaction{}, fmt.Errorf("ledger is not configured")
	}

	buyerID = strings.TrimSpace(buyerID)
	transactionID = strings.TrimSpace(transactionID)
	if buyerID == "" || transactionID == "" {
		return model.PurchaseTransaction{}, ErrValidation
	}

	record, err := s.ledger.FindByID(ctx, transactionID)
	if err != nil {
		return model.PurchaseTransaction{}, err
	}
	if record.BuyerID != buyerID {
		return model.PurchaseTransaction{}, pgrepo.ErrTransactionNotFound
	}
	return toPurchaseTransaction(record), nil
}

// Refund writes the compensating transition for a completed purchase.
// Support tooling calls this after the processor reverses the charge;
// there is no buyer-facing surface. The charged history stays as it
// was, only the status and the refund timestamp move. Replaying a
// refund is a no-op.
func (s *Service) Refund(ctx context.Context, transactionID, reason string) (model.PurchaseTransaction, error) {
	if s.ledger == nil {
		return model.PurchaseTransaction{}, fmt.Errorf("ledger is not configured")
	}

	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return model.PurchaseTransaction{}, ErrValidation
	}

	record, changed, err := s.ledger.MarkRefunded(ctx, transactionID, reason)
	if err != nil {
		return model.PurchaseTransaction{}, err
	}
	if changed {
		s.log.Info("purchase refunded",
			zap.String("transaction_id", record.ID),
			zap.String("reason", reason),
		)
		return toPurchaseTransaction(record), nil
	}
	if enums.TransactionStatus(record.Status) == enums.TransactionStatusRefunded {
		return toPurchaseTransaction(record), nil
	}
	return model.PurchaseTransaction{}, ErrRefundNotAllowed
}

func toPurchaseTransaction(record pgrepo.TransactionRecord) model.PurchaseTransaction {
	return model.PurchaseTransaction{
		ID:               record.ID,
		BuyerID:          record.BuyerID,
		FamilyID:         record.FamilyID,
		ListingID:        record.ListingID,
		ChildIDs:         record.ChildIDs,
		Amount:           model.Money{Amount: record.AmountCents, Currency: record.Currency},
		PaymentMethodRef: record.PaymentMethodRef,
		IdempotencyKey:   record.IdempotencyKey,
		ExternalRef:      record.ExternalRef,
		Status:           enums.TransactionStatus(record.Status),
		FailureReason:    record.FailureReason,
		CreatorShare:     record.CreatorShareCents,
		PlatformShare:    record.PlatformShareCents,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
		CompletedAt:      record.CompletedAt,
		RefundedAt:       record.RefundedAt,
	}
}

func (s *Service) alert(ctx context.Context, text string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(ctx, text); err != nil {
		s.log.Warn("operational alert delivery failed", zap.Error(err))
	}
}
