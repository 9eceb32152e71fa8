// Package reconcile settles purchases the request path could not
// finish. It answers two questions on a timer: what actually happened
// to charges we lost track of, and which completed purchases still owe
// a child their content.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wondernest/marketplace/internal/domain/enums"
	"github.com/wondernest/marketplace/internal/gateway/payment"
	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
	"github.com/wondernest/marketplace/internal/services/grants"
)

type Ledger interface {
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]pgrepo.TransactionRecord, error)
	ListCompletedWithMissingGrants(ctx context.Context, since time.Time, limit int) ([]pgrepo.TransactionRecord, error)
	MarkCompleted(ctx context.Context, transactionID, externalRef string) (pgrepo.TransactionRecord, bool, error)
	MarkFailed(ctx context.Context, transactionID, reason string) (pgrepo.TransactionRecord, bool, error)
}

type Gateway interface {
	Lookup(ctx context.Context, idempotencyKey string) (payment.ChargeResult, error)
}

type Granter interface {
	Grant(ctx context.Context, in grants.Input) (grants.Outcome, error)
}

type Alerter interface {
	Notify(ctx context.Context, text string) error
}

type Config struct {
	PendingAge   time.Duration
	RepairWindow time.Duration
	BatchSize    int
}

type Job struct {
	ledger  Ledger
	gateway Gateway
	granter Granter
	alerter Alerter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(ledger Ledger, gateway Gateway, granter Granter, alerter Alerter, cfg Config, logger *zap.Logger) *Job {
	if cfg.PendingAge <= 0 {
		cfg.PendingAge = 10 * time.Minute
	}
	if cfg.RepairWindow <= 0 {
		cfg.RepairWindow = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		ledger:  ledger,
		gateway: gateway,
		granter: granter,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

type summary struct {
	scanned   int
	completed int
	failed    int
	stillOpen int
	repaired  int
}

// Run executes one reconciliation pass. Per-transaction problems are
// logged and skipped; only a failure to read the work lists aborts the
// pass.
func (j *Job) Run(ctx context.Context) error {
	if j.ledger == nil || j.gateway == nil {
		return fmt.Errorf("reconcile dependencies are not configured")
	}

	var sum summary
	if err := j.settlePending(ctx, &sum); err != nil {
		return err
	}
	if err := j.repairGrants(ctx, &sum); err != nil {
		return err
	}

	j.logger.Info("reconcile pass finished",
		zap.Int("scanned", sum.scanned),
		zap.Int("completed", sum.completed),
		zap.Int("failed", sum.failed),
		zap.Int("still_open", sum.stillOpen),
		zap.Int("grants_repaired", sum.repaired),
	)

	if j.alerter != nil && sum.completed+sum.failed+sum.repaired > 0 {
		text := fmt.Sprintf(
			"reconcile: settled %d charged, failed %d, repaired %d grants (%d still open)",
			sum.completed, sum.failed, sum.repaired, sum.stillOpen,
		)
		if err := j.alerter.Notify(ctx, text); err != nil {
			j.logger.Warn("reconcile summary alert failed", zap.Error(err))
		}
	}

	return nil
}

// settlePending asks the processor what became of each stale pending
// transaction, using the idempotency key it was opened with.
func (j *Job) settlePending(ctx context.Context, sum *summary) error {
	cutoff := j.now().Add(-j.cfg.PendingAge)
	records, err := j.ledger.ListPendingOlderThan(ctx, cutoff, j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale pending transactions: %w", err)
	}
	sum.scanned = len(records)

	for _, record := range records {
		result, err := j.gateway.Lookup(ctx, record.IdempotencyKey)
		if err != nil {
			j.logger.Warn("charge lookup failed",
				zap.String("transaction_id", record.ID),
				zap.Error(err),
			)
			sum.stillOpen++
			continue
		}

		switch result.Outcome {
		case payment.OutcomeCharged:
			j.settleCharged(ctx, record, result.ExternalRef, sum)

		case payment.OutcomeDeclined:
			if _, _, err := j.ledger.MarkFailed(ctx, record.ID, result.DeclineReason); err != nil {
				j.logger.Error("mark declined transaction failed",
					zap.String("transaction_id", record.ID),
					zap.Error(err),
				)
				sum.stillOpen++
				continue
			}
			sum.failed++

		case payment.OutcomeNotFound:
			// The processor never saw this key, so nothing was billed.
			if _, _, err := j.ledger.MarkFailed(ctx, record.ID, "charge never reached the processor"); err != nil {
				j.logger.Error("mark abandoned transaction failed",
					zap.String("transaction_id", record.ID),
					zap.Error(err),
				)
				sum.stillOpen++
				continue
			}
			sum.failed++

		default:
			sum.stillOpen++
			j.logger.Info("charge still unsettled",
				zap.String("transaction_id", record.ID),
				zap.String("detail", result.Detail),
			)
		}
	}

	return nil
}

func (j *Job) settleCharged(ctx context.Context, record pgrepo.TransactionRecord, externalRef string, sum *summary) {
	completed, changed, err := j.ledger.MarkCompleted(ctx, record.ID, externalRef)
	if err != nil {
		j.logger.Error("mark reconciled transaction completed failed",
			zap.String("transaction_id", record.ID),
			zap.Error(err),
		)
		sum.stillOpen++
		return
	}
	if !changed && enums.TransactionStatus(completed.Status) != enums.TransactionStatusCompleted {
		j.alertf(ctx, "reconcile: transaction %s is %s but the processor confirmed charge %s",
			record.ID, completed.Status, externalRef)
		j.logger.Error("reconciled charge contradicts ledger state",
			zap.String("transaction_id", record.ID),
			zap.String("status", completed.Status),
		)
		return
	}

	sum.completed++
	sum.repaired += j.grantChildren(ctx, completed)
}

// repairGrants finishes deliveries for completed purchases with missing
// library entries.
func (j *Job) repairGrants(ctx context.Context, sum *summary) error {
	if j.granter == nil {
		return nil
	}

	since := j.now().Add(-j.cfg.RepairWindow)
	records, err := j.ledger.ListCompletedWithMissingGrants(ctx, since, j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list transactions with missing grants: %w", err)
	}

	for _, record := range records {
		sum.repaired += j.grantChildren(ctx, record)
	}

	return nil
}

func (j *Job) grantChildren(ctx context.Context, record pgrepo.TransactionRecord) int {
	if j.granter == nil {
		return 0
	}

	granted := 0
	for _, childID := range record.ChildIDs {
		outcome, err := j.granter.Grant(ctx, grants.Input{
			ChildID:       childID,
			ListingID:     record.ListingID,
			TransactionID: record.ID,
			GrantedBy:     record.BuyerID,
		})
		if err != nil {
			j.logger.Warn("reconcile grant failed",
				zap.String("transaction_id", record.ID),
				zap.String("child_id", childID),
				zap.Error(err),
			)
			continue
		}
		if outcome == grants.OutcomeGranted {
			granted++
		}
	}
	return granted
}

func (j *Job) alertf(ctx context.Context, format string, args ...any) {
	if j.alerter == nil {
		return
	}
	if err := j.alerter.Notify(ctx, fmt.Sprintf(format, args...)); err != nil {
		j.logger.Warn("reconcile alert failed", zap.Error(err))
	}
}
