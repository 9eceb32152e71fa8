package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wondernest/marketplace/internal/domain/enums"
	"github.com/wondernest/marketplace/internal/domain/model"
	"github.com/wondernest/marketplace/internal/gateway/payment"
	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
	"github.com/wondernest/marketplace/internal/services/entitlements"
	"github.com/wondernest/marketplace/internal/services/grants"
)

type stubValidator struct {
	mu      sync.Mutex
	listing pgrepo.ListingRecord
	err     error
	calls   int
}

func (s *stubValidator) Validate(_ context.Context, in entitlements.Input) (entitlements.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return entitlements.Result{}, s.err
	}
	children := make([]model.Child, 0, len(in.ChildIDs))
	for _, id := range in.ChildIDs {
		children = append(children, model.Child{ID: id, FamilyID: in.FamilyID, Active: true})
	}
	return entitlements.Result{
		Listing:  s.listing,
		Children: children,
	}, nil
}

type memGateway struct {
	mu          sync.Mutex
	result      payment.ChargeResult
	calls       int
	chargedKeys map[string]struct{}
}

func newMemGateway() *memGateway {
	return &memGateway{
		result:      payment.ChargeResult{Outcome: payment.OutcomeCharged, ExternalRef: "ch_1"},
		chargedKeys: make(map[string]struct{}),
	}
}

func (g *memGateway) setResult(res payment.ChargeResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.result = res
}

func (g *memGateway) Charge(_ context.Context, in payment.ChargeInput) (payment.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.result.Outcome == payment.OutcomeCharged {
		// The fake processor deduplicates by idempotency key the same
		// way the real one does: repeated keys do not bill twice.
		g.chargedKeys[in.IdempotencyKey] = struct{}{}
	}
	return g.result, nil
}

func (g *memGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.chargedKeys)
}

type memLedger struct {
	mu               sync.Mutex
	records          map[string]pgrepo.TransactionRecord
	pendingByAttempt map[string]string
	seq              int
	completions      int
	completeErr      error
	terminalOverride string
}

func newMemLedger() *memLedger {
	return &memLedger{
		records:          make(map[string]pgrepo.TransactionRecord),
		pendingByAttempt: make(map[string]string),
	}
}

func attemptKey(in pgrepo.CreatePendingInput) string {
	ids := append([]string(nil), in.ChildIDs...)
	sort.Strings(ids)
	return in.BuyerID + "|" + in.ListingID + "|" + strings.Join(ids, ",")
}

func (m *memLedger) CreatePending(_ context.Context, in pgrepo.CreatePendingInput) (pgrepo.TransactionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := attemptKey(in)
	if id, ok := m.pendingByAttempt[key]; ok {
		return m.records[id], false, nil
	}

	m.seq++
	id := fmt.Sprintf("txn_%d", m.seq)
	record := pgrepo.TransactionRecord{
		ID:               id,
		BuyerID:          in.BuyerID,
		FamilyID:         in.FamilyID,
		ListingID:        in.ListingID,
		ChildIDs:         append([]string(nil), in.ChildIDs...),
		AmountCents:      in.AmountCents,
		Currency:         in.Currency,
		PaymentMethodRef: in.PaymentMethodRef,
		IdempotencyKey:   id,
		Status:           "pending",
		CreatedAt:        time.Now().UTC(),
	}
	m.records[id] = record
	m.pendingByAttempt[key] = id
	return record, true, nil
}

func (m *memLedger) FindByID(_ context.Context, transactionID string) (pgrepo.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[transactionID]
	if !ok {
		return pgrepo.TransactionRecord{}, pgrepo.ErrTransactionNotFound
	}
	return record, nil
}

func (m *memLedger) MarkCompleted(_ context.Context, transactionID, externalRef string) (pgrepo.TransactionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.completeErr != nil {
		return pgrepo.TransactionRecord{}, false, m.completeErr
	}
	record, ok := m.records[transactionID]
	if !ok {
		return pgrepo.TransactionRecord{}, false, pgrepo.ErrTransactionNotFound
	}
	if m.terminalOverride != "" && record.Status == "pending" {
		record.Status = m.terminalOverride
		m.records[transactionID] = record
		m.dropAttempt(transactionID)
		return record, false, nil
	}
	if record.Status != "pending" {
		return record, false, nil
	}

	record.Status = "completed"
	record.ExternalRef = &externalRef
	now := time.Now().UTC()
	record.CompletedAt = &now
	m.records[transactionID] = record
	m.dropAttempt(transactionID)
	m.completions++
	return record, true, nil
}

func (m *memLedger) MarkFailed(_ context.Context, transactionID, reason string) (pgrepo.TransactionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[transactionID]
	if !ok {
		return pgrepo.TransactionRecord{}, false, pgrepo.ErrTransactionNotFound
	}
	if record.Status != "pending" {
		return record, false, nil
	}

	record.Status = "failed"
	record.FailureReason = &reason
	m.records[transactionID] = record
	m.dropAttempt(transactionID)
	return record, true, nil
}

func (m *memLedger) MarkRefunded(_ context.Context, transactionID, reason string) (pgrepo.TransactionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[transactionID]
	if !ok {
		return pgrepo.TransactionRecord{}, false, pgrepo.ErrTransactionNotFound
	}
	if record.Status != "completed" {
		return record, false, nil
	}

	record.Status = "refunded"
	record.FailureReason = &reason
	now := time.Now().UTC()
	record.RefundedAt = &now
	m.records[transactionID] = record
	return record, true, nil
}

func (m *memLedger) dropAttempt(transactionID string) {
	for key, id := range m.pendingByAttempt {
		if id == transactionID {
			delete(m.pendingByAttempt, key)
		}
	}
}

func (m *memLedger) single(t *testing.T) pgrepo.TransactionRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) != 1 {
		t.Fatalf("expected exactly 1 ledger record, got %d", len(m.records))
	}
	for _, record := range m.records {
		return record
	}
	return pgrepo.TransactionRecord{}
}

type memGrants struct {
	mu           sync.Mutex
	entries      map[string]string
	failuresLeft map[string]int
}

func newMemGrants() *memGrants {
	return &memGrants{
		entries:      make(map[string]string),
		failuresLeft: make(map[string]int),
	}
}

func (g *memGrants) Grant(_ context.Context, in grants.Input) (grants.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failuresLeft[in.ChildID] > 0 {
		g.failuresLeft[in.ChildID]--
		return "", errors.New("grant store unavailable")
	}

	key := in.ChildID + "|" + in.ListingID
	if _, ok := g.entries[key]; ok {
		return grants.OutcomeAlreadyGranted, nil
	}
	g.entries[key] = in.TransactionID
	return grants.OutcomeGranted, nil
}

func (g *memGrants) entryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

type stubLimiter struct {
	retryAfter int64
	allowed    bool
}

func (s *stubLimiter) AllowPurchase(_ context.Context, _ string) (int64, bool, error) {
	return s.retryAfter, s.allowed, nil
}

type stubAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (s *stubAlerter) Notify(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, text)
	return nil
}

func (s *stubAlerter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func approvedListing() pgrepo.ListingRecord {
	return pgrepo.ListingRecord{ID: "lst_1", Status: "approved", PriceCents: 499, Currency: "USD"}
}

func purchaseInput() PurchaseInput {
	return PurchaseInput{
		BuyerID:          "usr_1",
		FamilyID:         "fam_1",
		ListingID:        "lst_1",
		ChildIDs:         []string{"kid_1", "kid_2"},
		PaymentMethodRef: "pm_1",
	}
}

func newTestService(deps Dependencies) *Service {
	svc := NewService(deps, Config{GrantRetryAttempts: 3, GrantRetryDelay: time.Millisecond}, zap.NewNop())
	svc.sleep = func(time.Duration) {}
	return svc
}

func TestPurchaseMultiChildChargesOnceGrantsEach(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	gateway := newMemGateway()
	ledger := newMemLedger()
	library := newMemGrants()
	svc := newTestService(Dependencies{Validator: validator, Gateway: gateway, Ledger: ledger, Granter: library})

	res, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if len(res.GrantedChildIDs) != 2 {
		t.Fatalf("expected 2 granted children, got %v", res.GrantedChildIDs)
	}
	if gateway.chargeCount() != 1 {
		t.Fatalf("expected exactly 1 charge, got %d", gateway.chargeCount())
	}
	if library.entryCount() != 2 {
		t.Fatalf("expected 2 library entries, got %d", library.entryCount())
	}

	record := ledger.single(t)
	if record.Status != "completed" {
		t.Fatalf("expected completed ledger record, got %s", record.Status)
	}
	if record.ExternalRef == nil || *record.ExternalRef != "ch_1" {
		t.Fatalf("completed record must carry the processor reference")
	}
	for key, txnID := range library.entries {
		if txnID != record.ID {
			t.Fatalf("entry %s references %s, want %s", key, txnID, record.ID)
		}
	}
}

func TestPurchaseRejectedBeforeAnyCharge(t *testing.T) {
	validator := &stubValidator{err: &entitlements.AlreadyOwnedError{ChildIDs: []string{"kid_1", "kid_2"}, All: true}}
	gateway := newMemGateway()
	ledger := newMemLedger()
	svc := newTestService(Dependencies{Validator: validator, Gateway: gateway, Ledger: ledger, Granter: newMemGrants()})

	res, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", res.Status)
	}
	if res.RejectionReason == "" {
		t.Fatalf("rejection must carry a reason")
	}
	if gateway.calls != 0 {
		t.Fatalf("rejected purchase must never reach the processor")
	}
	if len(ledger.records) != 0 {
		t.Fatalf("rejected purchase must not open a ledger record")
	}
}

func TestPurchasePartialOwnershipNamesOwners(t *testing.T) {
	validator := &stubValidator{err: &entitlements.AlreadyOwnedError{ChildIDs: []string{"kid_2"}}}
	gateway := newMemGateway()
	svc := newTestService(Dependencies{Validator: validator, Gateway: gateway, Ledger: newMemLedger(), Granter: newMemGrants()})

	res, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", res.Status)
	}
	if !strings.Contains(res.RejectionReason, "kid_2") {
		t.Fatalf("rejection must name the owning child, got %q", res.RejectionReason)
	}
	if gateway.calls != 0 {
		t.Fatalf("partial ownership must not be charged")
	}
}

func TestPurchaseDeclinedMarksFailedWithoutGrants(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	gateway := newMemGateway()
	gateway.setResult(payment.ChargeResult{Outcome: payment.OutcomeDeclined, DeclineReason: "insufficient_funds"})
	ledger := newMemLedger()
	library := newMemGrants()
	svc := newTestService(Dependencies{Validator: validator, Gateway: gateway, Ledger: ledger, Granter: library})

	res, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.Status != StatusPaymentDeclined {
		t.Fatalf("expected declined, got %s", res.Status)
	}
	if res.DeclineReason != "insufficient_funds" {
		t.Fatalf("expected decline reason, got %q", res.DeclineReason)
	}

	record := ledger.single(t)
	if record.Status != "failed" {
		t.Fatalf("declined purchase must be failed in the ledger, got %s", record.Status)
	}
	if record.FailureReason == nil || *record.FailureReason != "insufficient_funds" {
		t.Fatalf("failed record must keep the decline reason")
	}
	if library.entryCount() != 0 {
		t.Fatalf("declined purchase must not grant anything")
	}
}

func TestPurchaseIndeterminateThenRetryCompletesOnce(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	gateway := newMemGateway()
	gateway.setResult(payment.ChargeResult{Outcome: payment.OutcomeIndeterminate, Detail: "timeout"})
	ledger := newMemLedger()
	library := newMemGrants()
	svc := newTestService(Dependencies{Validator: validator, Gateway: gateway, Ledger: ledger, Granter: library})

	first, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	if first.Status != StatusPendingReconciliation {
		t.Fatalf("expected pending reconciliation, got %s", first.Status)
	}
	if record := ledger.single(t); record.Status != "pending" {
		t.Fatalf("indeterminate charge must leave the record pending, got %s", record.Status)
	}
	if library.entryCount() != 0 {
		t.Fatalf("nothing may be granted while the charge is unsettled")
	}

	// The processor actually took the first charge; the retry reuses
	// the same key and sees the settled answer.
	gateway.setResult(payment.ChargeResult{Outcome: payment.OutcomeCharged, ExternalRef: "ch_1"})

	second, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if second.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", second.Status)
	}
	if second.TransactionID != first.TransactionID {
		t.Fatalf("retry must converge on the same transaction")
	}
	if gateway.chargeCount() != 1 {
		t.Fatalf("expected 1 distinct charge key, got %d", gateway.chargeCount())
	}
	if ledger.completions != 1 {
		t.Fatalf("expected exactly 1 completion, got %d", ledger.completions)
	}
	if library.entryCount() != 2 {
		t.Fatalf("expected 2 library entries after retry, got %d", library.entryCount())
	}
}

func TestPurchaseRetriesTransientGrantFailure(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	ledger := newMemLedger()
	library := newMemGrants()
	library.failuresLeft["kid_2"] = 1
	svc := newTestService(Dependencies{Validator: validator, Gateway: newMemGateway(), Ledger: ledger, Granter: library})

	res, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if len(res.GrantedChildIDs) != 2 {
		t.Fatalf("transient grant failure must be retried within the request, got %v", res.GrantedChildIDs)
	}
	if library.entryCount() != 2 {
		t.Fatalf("expected 2 entries, got %d", library.entryCount())
	}
}

func TestPurchaseAbsorbsExhaustedGrantFailure(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	ledger := newMemLedger()
	library := newMemGrants()
	library.failuresLeft["kid_2"] = 10
	alerter := &stubAlerter{}
	svc := newTestService(Dependencies{
		Validator: validator,
		Gateway:   newMemGateway(),
		Ledger:    ledger,
		Granter:   library,
		Alerter:   alerter,
	})

	res, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("grant failures must never fail a completed purchase: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if len(res.GrantedChildIDs) != 1 || res.GrantedChildIDs[0] != "kid_1" {
		t.Fatalf("expected only kid_1 granted, got %v", res.GrantedChildIDs)
	}
	if record := ledger.single(t); record.Status != "completed" {
		t.Fatalf("ledger record must stay completed, got %s", record.Status)
	}
	if alerter.count() == 0 {
		t.Fatalf("an undelivered grant must raise an operational alert")
	}
}

func TestPurchaseConcurrentDuplicateClick(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	gateway := newMemGateway()
	ledger := newMemLedger()
	library := newMemGrants()
	svc := newTestService(Dependencies{Validator: validator, Gateway: gateway, Ledger: ledger, Granter: library})

	in := purchaseInput()
	in.ChildIDs = []string{"kid_1"}

	var wg sync.WaitGroup
	results := make([]PurchaseResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Purchase(context.Background(), in)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("purchase %d: %v", i, errs[i])
		}
		if results[i].Status != StatusCompleted {
			t.Fatalf("purchase %d: expected completed, got %s", i, results[i].Status)
		}
	}
	if results[0].TransactionID != results[1].TransactionID {
		t.Fatalf("duplicate clicks must converge on one transaction")
	}
	if len(ledger.records) != 1 {
		t.Fatalf("expected 1 ledger record, got %d", len(ledger.records))
	}
	if gateway.chargeCount() != 1 {
		t.Fatalf("expected 1 distinct charge key, got %d", gateway.chargeCount())
	}
	if library.entryCount() != 1 {
		t.Fatalf("expected 1 library entry, got %d", library.entryCount())
	}
}

func TestPurchaseHonorsCancellationBeforeCharge(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	gateway := newMemGateway()
	ledger := newMemLedger()
	svc := newTestService(Dependencies{Validator: validator, Gateway: gateway, Ledger: ledger, Granter: newMemGrants()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Purchase(ctx, purchaseInput())
	if err == nil {
		t.Fatalf("expected error for cancelled context")
	}
	if gateway.calls != 0 {
		t.Fatalf("cancelled request must not reach the processor")
	}
	if record := ledger.single(t); record.Status != "failed" {
		t.Fatalf("cancelled attempt must be failed in the ledger, got %s", record.Status)
	}
}

func TestPurchaseInconsistentLedgerRaisesAlert(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	ledger := newMemLedger()
	ledger.terminalOverride = "failed"
	library := newMemGrants()
	alerter := &stubAlerter{}
	svc := newTestService(Dependencies{
		Validator: validator,
		Gateway:   newMemGateway(),
		Ledger:    ledger,
		Granter:   library,
		Alerter:   alerter,
	})

	_, err := svc.Purchase(context.Background(), purchaseInput())
	if !errors.Is(err, ErrInconsistency) {
		t.Fatalf("expected ErrInconsistency, got %v", err)
	}
	if alerter.count() != 1 {
		t.Fatalf("inconsistency must raise exactly one alert, got %d", alerter.count())
	}
	if library.entryCount() != 0 {
		t.Fatalf("nothing may be granted on an inconsistent transaction")
	}
}

func TestPurchaseLedgerWriteFailureLeavesPending(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	ledger := newMemLedger()
	ledger.completeErr = errors.New("connection reset")
	library := newMemGrants()
	svc := newTestService(Dependencies{Validator: validator, Gateway: newMemGateway(), Ledger: ledger, Granter: library})

	res, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.Status != StatusPendingReconciliation {
		t.Fatalf("expected pending reconciliation, got %s", res.Status)
	}
	if library.entryCount() != 0 {
		t.Fatalf("grants must wait for a durable completed record")
	}
}

func TestPurchaseRateLimited(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	gateway := newMemGateway()
	ledger := newMemLedger()
	svc := newTestService(Dependencies{
		Validator: validator,
		Gateway:   gateway,
		Ledger:    ledger,
		Granter:   newMemGrants(),
		Limiter:   &stubLimiter{retryAfter: 30, allowed: false},
	})

	_, err := svc.Purchase(context.Background(), purchaseInput())
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfterSeconds != 30 {
		t.Fatalf("expected retry after 30s, got %d", limited.RetryAfterSeconds)
	}
	if validator.calls != 0 || gateway.calls != 0 || len(ledger.records) != 0 {
		t.Fatalf("rate limited request must stop before validation")
	}
}

func TestRefundCompletedPurchase(t *testing.T) {
	validator := &stubValidator{listing: approvedListing()}
	ledger := newMemLedger()
	svc := newTestService(Dependencies{Validator: validator, Gateway: newMemGateway(), Ledger: ledger, Granter: newMemGrants()})

	res, err := svc.Purchase(context.Background(), purchaseInput())
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	refunded, err := svc.Refund(context.Background(), res.TransactionID, "parent complaint")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != enums.TransactionStatusRefunded {
		t.Fatalf("expected refunded status, got %s", refunded.Status)
	}
	if refunded.RefundedAt == nil {
		t.Fatalf("refund must stamp the refund time")
	}
	if refunded.Amount.Amount != 499 || refunded.ListingID != "lst_1" {
		t.Fatalf("refund must not rewrite the charged history, got %+v", refunded)
	}

	// Replaying the refund is a no-op on the same record.
	again, err := svc.Refund(context.Background(), res.TransactionID, "parent complaint")
	if err != nil {
		t.Fatalf("refund replay: %v", err)
	}
	if again.Status != enums.TransactionStatusRefunded || again.ID != refunded.ID {
		t.Fatalf("refund replay must return the refunded record, got %+v", again)
	}
}

func TestRefundRequiresCompletedTransaction(t *testing.T) {
	ledger := newMemLedger()
	record, _, err := ledger.CreatePending(context.Background(), pgrepo.CreatePendingInput{
		BuyerID:   "usr_1",
		FamilyID:  "fam_1",
		ListingID: "lst_1",
		ChildIDs:  []string{"kid_1"},
	})
	if err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	svc := newTestService(Dependencies{
		Validator: &stubValidator{listing: approvedListing()},
		Gateway:   newMemGateway(),
		Ledger:    ledger,
		Granter:   newMemGrants(),
	})

	if _, err := svc.Refund(context.Background(), record.ID, "too soon"); !errors.Is(err, ErrRefundNotAllowed) {
		t.Fatalf("expected ErrRefundNotAllowed for pending transaction, got %v", err)
	}
	if _, err := svc.Refund(context.Background(), "txn_missing", "gone"); !errors.Is(err, pgrepo.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestTransactionScopedToBuyer(t *testing.T) {
	ledger := newMemLedger()
	record, _, err := ledger.CreatePending(context.Background(), pgrepo.CreatePendingInput{
		BuyerID:   "usr_1",
		FamilyID:  "fam_1",
		ListingID: "lst_1",
		ChildIDs:  []string{"kid_1"},
	})
	if err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	svc := newTestService(Dependencies{
		Validator: &stubValidator{listing: approvedListing()},
		Gateway:   newMemGateway(),
		Ledger:    ledger,
		Granter:   newMemGrants(),
	})

	txn, err := svc.Transaction(context.Background(), "usr_1", record.ID)
	if err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if txn.ID != record.ID || txn.Status != enums.TransactionStatusPending {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	if _, err := svc.Transaction(context.Background(), "usr_2", record.ID); !errors.Is(err, pgrepo.ErrTransactionNotFound) {
		t.Fatalf("foreign buyer must not see the transaction, got %v", err)
	}
}
