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
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/listing-auditor/api/internal/contentgen"
	"github.com/listing-auditor/api/internal/handlers"
	"github.com/listing-auditor/api/internal/platform/config"
	pfirestore "github.com/listing-auditor/api/internal/platform/firestore"
	"github.com/listing-auditor/api/internal/platform/idempotency"
	"github.com/listing-auditor/api/internal/platform/jobs"
	"github.com/listing-auditor/api/internal/platform/metrics"
	"github.com/listing-auditor/api/internal/platform/observability"
	"github.com/listing-auditor/api/internal/platform/secrets"
	"github.com/listing-auditor/api/internal/repositories"
	firestoreRepo "github.com/listing-auditor/api/internal/repositories/firestore"
	"github.com/listing-auditor/api/internal/services"
	"github.com/listing-auditor/api/internal/shopify"

	"github.com/oklog/ulid/v2"
)

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

	logger := baseLogger.Named("auditor")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
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
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	tokenSources := []repositories.ShopTokenRepository{
		repositories.NewStaticShopTokenRepository(cfg.Shopify.CredentialTokens()),
	}
	if firestoreProvider.Enabled() {
		shopRepo, err := firestoreRepo.NewShopTokenRepository(firestoreProvider, cfg.Firestore.ShopsCollection)
		if err != nil {
			logger.Fatal("failed to initialise shop token repository", zap.Error(err))
		}
		tokenSources = append(tokenSources, shopRepo)
	}
	shopTokens := repositories.NewChainShopTokenRepository(tokenSources...)

	connector, err := shopify.NewConnector(shopify.ConnectorConfig{
		Tokens:            shopify.TokenResolverFunc(repositories.AccessToken(shopTokens)),
		APIVersion:        cfg.Shopify.APIVersion,
		HTTPClient:        &http.Client{Timeout: cfg.Shopify.Timeout},
		RequestsPerSecond: cfg.Shopify.RequestsPerSecond,
		Burst:             cfg.Shopify.Burst,
		Logger:            logger.Named("shopify"),
	})
	if err != nil {
		logger.Fatal("failed to initialise shopify connector", zap.Error(err))
	}
	stores := services.ProductStoreResolverFunc(func(ctx context.Context, shop string) (services.ProductStore, error) {
		client, err := connector.ForShop(ctx, shop)
		if err != nil {
			return nil, err
		}
		return client, nil
	})

	auditDeps := services.AuditServiceDeps{
		Stores: stores,
		Settings: services.AuditRuleSettings{
			MinDescriptionLength: cfg.Audit.MinDescriptionLength,
			KnownBrands:          cfg.Audit.KnownBrands,
			ClassifyCategory:     cfg.Audit.ClassifyCategory,
			SKUPrefix:            cfg.Audit.SKUPrefix,
		},
		ClassifyFailure: contentgen.FailureKindOf,
		Clock:           time.Now,
		IDGenerator:     func() string { return ulid.Make().String() },
		Logger:          observability.EventLogger(logger.Named("audit")),
	}
	if strings.TrimSpace(cfg.AI.APIKey) != "" {
		generator, err := contentgen.NewClient(contentgen.Config{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.BaseURL,
			Model:   cfg.AI.Model,
			Timeout: cfg.AI.Timeout,
		})
		if err != nil {
			logger.Fatal("failed to initialise content generator", zap.Error(err))
		}
		auditDeps.Generator = generator
	} else {
		logger.Warn("no AI API key configured; short descriptions will be tagged")
	}

	var recorder *metrics.Recorder
	if cfg.Server.MetricsEnabled {
		recorder = metrics.NewRecorder()
		auditDeps.Metrics = recorder
	}

	if topic := strings.TrimSpace(cfg.Jobs.AuditTopic); topic != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Jobs.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		pubsubTopic := pubsubClient.Topic(topic)
		defer pubsubTopic.Stop()
		publisher, err := jobs.NewPubSubAuditPublisher(pubsubTopic)
		if err != nil {
			logger.Fatal("failed to initialise audit publisher", zap.Error(err))
		}
		auditDeps.Publisher = publisher
	}

	auditService, err := services.NewAuditService(auditDeps)
	if err != nil {
		logger.Fatal("failed to initialise audit service", zap.Error(err))
	}
	dispatcher, err := services.NewAuditDispatcher(services.AuditDispatcherDeps{
		Audits: auditService,
		Logger: observability.EventLogger(logger.Named("dispatcher")),
	})
	if err != nil {
		logger.Fatal("failed to initialise audit dispatcher", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreProvider, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	webhookOpts := []handlers.WebhookOption{
		handlers.WithWebhookDispatcher(dispatcher),
		handlers.WithWebhookDefaultShop(cfg.Shopify.StoreDomain),
		handlers.WithWebhookRateLimit(cfg.RateLimits.WebhookPerMinute),
	}
	if recorder != nil {
		webhookOpts = append(webhookOpts, handlers.WithWebhookMetrics(recorder))
	}
	webhookHandlers := handlers.NewWebhookHandlers(webhookOpts...)

	var webhookMiddlewares []func(http.Handler) http.Handler
	var deliveryStore idempotency.Store
	if cfg.Webhooks.DedupeTTL > 0 {
		deliveryStore = newDeliveryStore(firestoreProvider, cfg, logger)
		dedupeOpts := []idempotency.MiddlewareOption{
			idempotency.WithTTL(cfg.Webhooks.DedupeTTL),
			idempotency.WithPendingLease(cfg.Webhooks.PendingLease),
			idempotency.WithLogger(logger.Named("dedupe")),
		}
		if recorder != nil {
			dedupeOpts = append(dedupeOpts, idempotency.WithObserver(recorder.ObserveWebhook))
		}
		webhookMiddlewares = append(webhookMiddlewares, idempotency.Middleware(deliveryStore, dedupeOpts...))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if deliveryStore != nil && cfg.Webhooks.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			runDeliveryCleanup(cleanupCtx, deliveryStore, cfg.Webhooks.CleanupInterval, logger.Named("dedupe"))
		}()
	}

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}
	if recorder != nil {
		middlewares = append(middlewares, recorder.Middleware)
	}

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if systemService != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(systemService))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	opts = append(opts, handlers.WithWebhookMiddlewares(webhookMiddlewares...))
	opts = append(opts, handlers.WithRootWebhookRoutes(func(r chi.Router) {
		webhookHandlers.LegacyRoutes(r)
	}))
	if recorder != nil {
		opts = append(opts, handlers.WithMetricsHandler(recorder.Handler()))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("listing auditor listening",
			zap.String("version", buildInfo.Version),
			zap.String("environment", buildInfo.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Dispatcher.DrainTimeout)
	defer drainCancel()
	if err := dispatcher.Wait(drainCtx); err != nil {
		logger.Warn("audits still running at shutdown", zap.Error(err))
	}
}

func newDeliveryStore(provider *pfirestore.Provider, cfg config.Config, logger *zap.Logger) idempotency.Store {
	if !provider.Enabled() {
		logger.Info("webhook dedupe uses in-memory store")
		return idempotency.NewMemoryStore()
	}
	store, err := idempotency.NewFirestoreStore(provider, idempotency.WithCollection(cfg.Webhooks.DedupeCollection))
	if err != nil {
		logger.Warn("webhook dedupe falling back to in-memory store", zap.Error(err))
		return idempotency.NewMemoryStore()
	}
	return store
}

func runDeliveryCleanup(ctx context.Context, store idempotency.Store, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.CleanupExpired(ctx, now, 0)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn("webhook dedupe cleanup failed", zap.Error(err))
				}
				continue
			}
			if removed > 0 {
				logger.Debug("webhook dedupe cleanup", zap.Int("removed", removed))
			}
		}
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["AUDITOR_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["AUDITOR_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSystemService(provider *pfirestore.Provider, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if provider.Enabled() {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Timeout:  1500 * time.Millisecond,
			Critical: true,
			Check:    provider.Ping,
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Jobs.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("AUDITOR_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("AUDITOR_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("AUDITOR_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("AUDITOR_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parseKeyValueList(lookup("AUDITOR_SECRET_PROJECT_IDS")); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("AUDITOR_GCP_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames marks the store token as mandatory only for
// single-shop deployments that name a store in configuration.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	store := strings.TrimSpace(env["AUDITOR_SHOPIFY_STORE_DOMAIN"])
	if store == "" {
		store = strings.TrimSpace(env["SHOPIFY_STORE_URL"])
	}
	if store != "" && strings.TrimSpace(env["AUDITOR_FIRESTORE_PROJECT_ID"]) == "" {
		required = append(required, "Shopify.AccessToken")
	}
	return required
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
