package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/kroypata/checkout/internal/checkout"
	"github.com/kroypata/checkout/internal/commerce"
	"github.com/kroypata/checkout/internal/handlers"
	"github.com/kroypata/checkout/internal/platform/auth"
	"github.com/kroypata/checkout/internal/platform/config"
	pfirestore "github.com/kroypata/checkout/internal/platform/firestore"
	"github.com/kroypata/checkout/internal/platform/idempotency"
	"github.com/kroypata/checkout/internal/platform/jobs"
	"github.com/kroypata/checkout/internal/platform/observability"
	"github.com/kroypata/checkout/internal/platform/secrets"
	"github.com/kroypata/checkout/internal/repositories"
	firestoreRepo "github.com/kroypata/checkout/internal/repositories/firestore"
	redisRepo "github.com/kroypata/checkout/internal/repositories/redis"
	"github.com/kroypata/checkout/internal/services"
)

const secretHealthReference = "secret://system/healthz?version=latest"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkout")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithProject(firstNonBlank(envValues["CHECKOUT_FIREBASE_PROJECT_ID"], envValues["GOOGLE_CLOUD_PROJECT"])),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithMeter(otel.Meter("github.com/kroypata/checkout/secrets")),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("Commerce.APIKey"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry, cfg.Security.Environment)
	if err != nil {
		logger.Fatal("failed to initialise telemetry", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()

	metrics, err := observability.NewCheckoutMetrics()
	if err != nil {
		logger.Fatal("failed to initialise metrics", zap.Error(err))
	}

	logger = logger.With(observability.ServiceContext("checkout", cfg.Telemetry.Version))

	buildInfo := services.BuildInfo{
		Version:     cfg.Telemetry.Version,
		Environment: cfg.Security.Environment,
		StartedAt:   startedAt,
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore,
		pfirestore.WithDialTimeout(15*time.Second),
		pfirestore.WithClientOptions(option.WithUserAgent("kroypata-checkout/"+cfg.Telemetry.Version)),
	)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("redis not configured; guest carts and the completion lock are disabled")
	}

	commerceClient, err := commerce.NewClient(commerce.Config{
		BaseURL:             cfg.Commerce.BaseURL,
		APIKey:              cfg.Commerce.APIKey,
		Timeout:             cfg.Commerce.Timeout,
		ListAttempts:        uint(cfg.Commerce.ListAttempts),
		StrictSplitShipping: cfg.Commerce.StrictSplitShipping,
	})
	if err != nil {
		logger.Fatal("failed to initialise commerce client", zap.Error(err))
	}

	cartRepo, err := firestoreRepo.NewCartRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise cart repository", zap.Error(err))
	}
	contactRepo, err := firestoreRepo.NewContactRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise contact repository", zap.Error(err))
	}

	analysisCache := checkout.NewAnalysisCache(cfg.Checkout.ShippingCacheTTL, time.Now)
	deps := services.CheckoutSessionServiceDeps{
		Gateway:         commerceClient,
		Coupons:         commerceClient,
		Carts:           cartRepo,
		Contacts:        contactRepo,
		Observer:        metrics,
		AnalysisCache:   analysisCache,
		Timeout:         cfg.Commerce.Timeout,
		Debounce:        cfg.Checkout.Debounce,
		SessionTTL:      cfg.Checkout.SessionTTL,
		DefaultCurrency: cfg.Commerce.DefaultCurrency,
		Clock:           time.Now,
		Logger:          observability.EventLogger(logger.Named("sessions")),
		SessionGauge:    metrics.SetActiveSessions,
	}

	if redisClient != nil {
		guestCarts, err := redisRepo.NewGuestCartRepository(redisClient, cfg.Redis.KeyPrefix)
		if err != nil {
			logger.Fatal("failed to initialise guest cart repository", zap.Error(err))
		}
		lock, err := redisRepo.NewSessionLock(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.CompletionLockTTL)
		if err != nil {
			logger.Fatal("failed to initialise completion lock", zap.Error(err))
		}
		deps.GuestCarts = guestCarts
		deps.Lock = lock
	}

	if topicID := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(topicID)
		defer topic.Stop()
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		deps.Events = publisher
	} else {
		logger.Info("order events topic not configured; completion events are not published")
	}

	sessionService, err := services.NewCheckoutSessionService(deps)
	if err != nil {
		logger.Fatal("failed to initialise checkout session service", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreProvider, redisClient, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider, "")
	idempotencyGuard := idempotency.Guard(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.EventLogger(logger.Named("idempotency"))),
	)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	checkoutHandlers := handlers.NewCheckoutHandlers(sessionService, idempotencyGuard,
		handlers.WithSessionStartLimit(cfg.Checkout.StartLimit, cfg.Checkout.StartLimitWindow, time.Now),
	)
	internalHandlers := handlers.NewInternalHandlers(sessionService,
		handlers.WithInternalPurger(idempotencyStore, cfg.Idempotency.CleanupBatchSize),
		handlers.WithInternalLogger(observability.EventLogger(logger.Named("internal"))),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	projectID := cfg.Firebase.ProjectID
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(metrics),
		),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(metrics.Handler()),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithCheckoutMiddlewares(authenticator.OptionalFirebaseAuth()),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	runEvery(backgroundCtx, &backgroundWG, cfg.Checkout.SweepInterval, func(ctx context.Context) {
		removed, err := sessionService.SweepExpired(ctx)
		if err != nil {
			logger.Warn("session sweep error", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("expired checkout sessions removed", zap.Int("count", removed))
		}
		if evicted := analysisCache.Purge(); evicted > 0 {
			logger.Debug("shipping analysis cache pruned", zap.Int("count", evicted))
		}
	})
	runEvery(backgroundCtx, &backgroundWG, cfg.Idempotency.CleanupInterval, func(ctx context.Context) {
		removed, err := idempotencyStore.Purge(ctx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
		if err != nil {
			logger.Warn("idempotency cleanup error", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
		}
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// runEvery calls fn on every tick until ctx is cancelled. Each run gets at most one minute.
func runEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				fn(runCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func newSystemService(provider *pfirestore.Provider, redisClient *redis.Client, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	probes := []repositories.Probe{{
		Name:     "firestore",
		Critical: true,
		Check:    provider.Ping,
	}}
	if redisClient != nil {
		probes = append(probes, repositories.Probe{
			Name:     "redis",
			Critical: true,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	if fetcher != nil {
		probes = append(probes, repositories.Probe{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.ResolveSecret(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrSecretNotFound) {
					return nil
				}
				return err
			},
		})
	}
	repo, err := repositories.NewProbeHealthRepository(probes, repositories.WithProbeTimeout(2*time.Second))
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
		CacheTTL:         2 * time.Second,
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache, observability.EventLogger(logger))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
