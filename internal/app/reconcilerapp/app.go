// Package reconcilerapp hosts the settlement worker. It shares the
// ledger and grant code with the api app but runs on its own schedule,
// so a stuck purchase gets resolved even when no api instance is up.
package reconcilerapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wondernest/marketplace/internal/config"
	"github.com/wondernest/marketplace/internal/gateway/payment"
	"github.com/wondernest/marketplace/internal/infra/alert"
	"github.com/wondernest/marketplace/internal/jobs/reconcile"
	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
	redrepo "github.com/wondernest/marketplace/internal/repo/redis"
	grantssvc "github.com/wondernest/marketplace/internal/services/grants"
)

type App struct {
	cfg      config.Config
	logger   *zap.Logger
	postgres *pgxpool.Pool
	redis    *goredis.Client
	job      *reconcile.Job
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("init postgres for reconciler: %w", err)
	}

	gateway, err := payment.NewClient(payment.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		APIKey:     cfg.Gateway.APIKey,
		Timeout:    cfg.Gateway.Timeout,
		RetryCount: cfg.Gateway.RetryCount,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init payment gateway for reconciler: %w", err)
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	grantNotifier := redrepo.NewGrantNotifier(redisClient)
	ledgerRepo := pgrepo.NewLedgerRepo(pool)
	libraryRepo := pgrepo.NewLibraryRepo(pool)
	grantService := grantssvc.NewService(libraryRepo, grantNotifier, logger)

	var alerter reconcile.Alerter
	if n, err := alert.NewNotifier(cfg.Alert.TelegramToken, cfg.Alert.ChatID); err != nil {
		logger.Warn("alert notifier disabled", zap.Error(err))
	} else {
		alerter = n
	}

	job := reconcile.New(ledgerRepo, gateway, grantService, alerter, reconcile.Config{
		PendingAge:   cfg.Reconcile.PendingAge,
		RepairWindow: cfg.Reconcile.RepairWindow,
		BatchSize:    cfg.Reconcile.BatchSize,
	}, logger)

	return &App{
		cfg:      cfg,
		logger:   logger,
		postgres: pool,
		redis:    redisClient,
		job:      job,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("reconciler started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.runReconcileLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("reconciler stopped")
			return nil
		case err := <-errCh:
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			return err
		}
	}
}

func (a *App) runReconcileLoop(ctx context.Context) error {
	interval := a.cfg.Reconcile.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	if err := a.job.Run(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.job.Run(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *App) Shutdown() {
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
