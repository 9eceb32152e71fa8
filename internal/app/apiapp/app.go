package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wondernest/marketplace/internal/config"
	"github.com/wondernest/marketplace/internal/gateway/payment"
	"github.com/wondernest/marketplace/internal/infra/alert"
	s3infra "github.com/wondernest/marketplace/internal/infra/s3"
	"github.com/wondernest/marketplace/internal/infra/telemetry"
	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
	redrepo "github.com/wondernest/marketplace/internal/repo/redis"
	authsvc "github.com/wondernest/marketplace/internal/services/auth"
	catalogsvc "github.com/wondernest/marketplace/internal/services/catalog"
	entsvc "github.com/wondernest/marketplace/internal/services/entitlements"
	fulfillsvc "github.com/wondernest/marketplace/internal/services/fulfillment"
	grantssvc "github.com/wondernest/marketplace/internal/services/grants"
	librarysvc "github.com/wondernest/marketplace/internal/services/library"
	ratesvc "github.com/wondernest/marketplace/internal/services/rate"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	s3         *minio.Client
	telemetry  *telemetry.Provider
	httpRouter http.Handler
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	jwtManager := authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL)

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	var tel *telemetry.Provider
	if p, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}); err != nil {
		log.Warn("telemetry init failed, continuing without export", zap.Error(err))
	} else {
		tel = p
	}

	var pool *pgxpool.Pool
	if p, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN); err != nil {
		log.Warn("postgres init failed, continuing in degraded mode", zap.Error(err))
	} else {
		pool = p
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	rateRepo := redrepo.NewRateRepo(redisClient)
	grantNotifier := redrepo.NewGrantNotifier(redisClient)
	listingRepo := pgrepo.NewListingRepo(pool)
	childrenRepo := pgrepo.NewChildrenRepo(pool)
	ledgerRepo := pgrepo.NewLedgerRepo(pool)
	libraryRepo := pgrepo.NewLibraryRepo(pool)

	var s3Client *minio.Client
	if c, err := s3infra.NewClient(s3infra.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		UseSSL:    cfg.S3.UseSSL,
	}); err != nil {
		log.Warn("s3 init failed, continuing in degraded mode", zap.Error(err))
	} else {
		s3Client = c
	}
	contentStorage := librarysvc.NewContentStorage(s3Client, cfg.S3.Bucket)
	if s3Client != nil {
		if err := contentStorage.EnsureBucket(ctx); err != nil {
			log.Warn("content bucket check failed, signed urls may not resolve", zap.Error(err))
		}
	}

	var gateway *payment.Client
	if c, err := payment.NewClient(payment.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		APIKey:     cfg.Gateway.APIKey,
		Timeout:    cfg.Gateway.Timeout,
		RetryCount: cfg.Gateway.RetryCount,
	}); err != nil {
		log.Warn("payment gateway init failed, purchases will be refused", zap.Error(err))
	} else {
		gateway = c
	}

	var alerter fulfillsvc.Alerter
	if n, err := alert.NewNotifier(cfg.Alert.TelegramToken, cfg.Alert.ChatID); err != nil {
		log.Warn("alert notifier disabled", zap.Error(err))
	} else {
		alerter = n
	}

	entitlementService := entsvc.NewService(listingRepo, childrenRepo, libraryRepo, entsvc.Config{
		MaxChildrenPerPurchase: cfg.Purchase.MaxChildrenPerPurchase,
	})
	grantService := grantssvc.NewService(libraryRepo, grantNotifier, log)
	rateLimiter := ratesvc.NewLimiter(rateRepo, cfg.Purchase.RateLimitPerMinute)
	fulfillmentService := fulfillsvc.NewService(fulfillsvc.Dependencies{
		Validator: entitlementService,
		Gateway:   gatewayOrNil(gateway),
		Ledger:    ledgerRepo,
		Granter:   grantService,
		Limiter:   rateLimiter,
		Alerter:   alerter,
	}, fulfillsvc.Config{
		GrantRetryAttempts: cfg.Purchase.GrantRetryAttempts,
		GrantRetryDelay:    cfg.Purchase.GrantRetryDelay,
	}, log)
	catalogService := catalogsvc.NewService(listingRepo)
	libraryService := librarysvc.NewService(libraryRepo, childrenRepo, listingRepo, contentStorage, cfg.S3.URLTTL)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	RegisterRoutes(r, Dependencies{
		JWTManager:         jwtManager,
		FulfillmentService: fulfillmentService,
		CatalogService:     catalogService,
		LibraryService:     libraryService,
		Logger:             log,
	})

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		postgres:   pool,
		redis:      redisClient,
		s3:         s3Client,
		telemetry:  tel,
		httpRouter: r,
	}, nil
}

// gatewayOrNil keeps a failed gateway init out of the service. A typed
// nil pointer inside the interface would pass the service's nil check
// and panic on first use.
func gatewayOrNil(client *payment.Client) fulfillsvc.Gateway {
	if client == nil {
		return nil
	}
	return client
}

func (a *App) Run() error {
	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
