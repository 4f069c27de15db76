package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/marigold-commerce/api/internal/handlers"
	"github.com/marigold-commerce/api/internal/payments"
	"github.com/marigold-commerce/api/internal/platform/auth"
	"github.com/marigold-commerce/api/internal/platform/config"
	pfirestore "github.com/marigold-commerce/api/internal/platform/firestore"
	"github.com/marigold-commerce/api/internal/platform/idempotency"
	"github.com/marigold-commerce/api/internal/platform/jobs"
	"github.com/marigold-commerce/api/internal/platform/observability"
	"github.com/marigold-commerce/api/internal/platform/secrets"
	platformstorage "github.com/marigold-commerce/api/internal/platform/storage"
	"github.com/marigold-commerce/api/internal/repositories"
	firestoreRepo "github.com/marigold-commerce/api/internal/repositories/firestore"
	"github.com/marigold-commerce/api/internal/services"
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

	logger := baseLogger.Named("api")
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

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
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
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var eventsPublisher services.CommerceEventPublisher
	var notifier services.Notifier
	if strings.TrimSpace(cfg.Events.Topic) != "" {
		eventsProject := strings.TrimSpace(cfg.Events.ProjectID)
		if eventsProject == "" {
			eventsProject = traceProjectID(cfg)
		}
		pubsubClient, err := pubsub.NewClient(ctx, eventsProject)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()

		eventsPublisher, err = jobs.NewPubSubEventPublisher(pubsubClient.Topic(cfg.Events.Topic))
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
		if cfg.Features.EnableNotifications && strings.TrimSpace(cfg.Events.NotificationsTopic) != "" {
			notifier, err = jobs.NewPubSubNotifier(pubsubClient.Topic(cfg.Events.NotificationsTopic))
			if err != nil {
				logger.Fatal("failed to initialise notifier", zap.Error(err))
			}
		}
	}

	var invoiceArchive services.InvoiceArchiver
	if strings.TrimSpace(cfg.Storage.InvoicesBucket) != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()

		archiveOpts := []platformstorage.InvoiceArchiveOption{}
		if signerKey := strings.TrimSpace(cfg.Storage.SignerKey); signerKey != "" {
			signer, err := platformstorage.NewServiceAccountSignerFromJSON([]byte(signerKey))
			if err != nil {
				logger.Fatal("failed to parse storage signer key", zap.Error(err))
			}
			signedURLClient, err := platformstorage.NewClient(signer)
			if err != nil {
				logger.Fatal("failed to initialise signed url client", zap.Error(err))
			}
			archiveOpts = append(archiveOpts, platformstorage.WithInvoiceSigner(signedURLClient))
		}
		invoiceArchive, err = platformstorage.NewInvoiceArchive(storageClient, cfg.Storage.InvoicesBucket, archiveOpts...)
		if err != nil {
			logger.Fatal("failed to initialise invoice archive", zap.Error(err))
		}
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	cartRepo, err := firestoreRepo.NewCartRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise cart repository", zap.Error(err))
	}
	stockRepo, err := firestoreRepo.NewStockRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise stock repository", zap.Error(err))
	}
	couponRepo, err := firestoreRepo.NewCouponRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise coupon repository", zap.Error(err))
	}
	paymentRepo, err := firestoreRepo.NewPaymentRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise payment repository", zap.Error(err))
	}
	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}
	tokenRepo, err := firestoreRepo.NewTokenRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise token repository", zap.Error(err))
	}

	counterService, err := services.NewCounterService(services.CounterServiceDeps{Repository: counterRepo})
	if err != nil {
		logger.Fatal("failed to initialise counter service", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreClient, fetcher, buildInfo, counterService)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	inventoryService, err := services.NewInventoryService(services.InventoryServiceDeps{
		Stock:          stockRepo,
		Events:         eventsPublisher,
		ReservationTTL: cfg.Checkout.ReservationTTL,
		Clock:          time.Now,
		Logger:         zapEventLogger(logger.Named("inventory")),
	})
	if err != nil {
		logger.Fatal("failed to initialise inventory service", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Carts:              cartRepo,
		Inventory:          inventoryService,
		ShippingFeePerLine: cfg.Checkout.ShippingFlatFee,
		Currency:           cfg.Checkout.Currency,
		Clock:              time.Now,
		Logger:             zapEventLogger(logger.Named("cart")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	couponService, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: couponRepo,
		Clock:   time.Now,
		Logger:  zapEventLogger(logger.Named("coupons")),
	})
	if err != nil {
		logger.Fatal("failed to initialise coupon service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    orderRepo,
		Carts:     cartRepo,
		Counters:  counterRepo,
		Inventory: inventoryService,
		Invoices:  invoiceArchive,
		Notifier:  notifier,
		Events:    eventsPublisher,
		Clock:     time.Now,
		Logger:    zapEventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	paymentManager, err := newPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}

	paymentService, err := services.NewPaymentService(services.PaymentServiceDeps{
		Payments:   paymentRepo,
		Carts:      cartRepo,
		Orders:     orderService,
		Inventory:  inventoryService,
		Gateways:   paymentManager,
		Events:     eventsPublisher,
		SessionTTL: cfg.Checkout.PaymentSessionTTL,
		Clock:      time.Now,
		Logger:     zapEventLogger(logger.Named("payments")),
	})
	if err != nil {
		logger.Fatal("failed to initialise payment service", zap.Error(err))
	}

	cartHandlers := handlers.NewCartHandlers(authenticator, cartService)
	couponHandlers := handlers.NewCouponHandlers(authenticator, couponService)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, paymentService)
	webhookHandlers := handlers.NewWebhookHandlers(paymentService, zapEventLogger(logger.Named("webhooks")))
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService)
	adminHandlers := handlers.NewAdminHandlers(authenticator, couponService, orderService, inventoryService, paymentService)
	sweepHandlers := handlers.NewSweepHandlers(handlers.SweepDeps{
		Coupons:     couponService,
		Payments:    paymentService,
		Inventory:   inventoryService,
		Tokens:      tokenRepo,
		Idempotency: idempotencyStore,
	})

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweeps := newSweepRunner(sweepCtx, &sweepWG, logger.Named("sweeps"))
	batch := cfg.Checkout.SweepBatchSize
	sweeps.start("coupons", cfg.Checkout.CouponSweepInterval, func(ctx context.Context) (int, error) {
		return couponService.DeactivateExpired(ctx)
	})
	sweeps.start("payments", cfg.Checkout.PaymentSweepInterval, func(ctx context.Context) (int, error) {
		return paymentService.ExpireStale(ctx, batch)
	})
	sweeps.start("orders", cfg.Checkout.PaymentSweepInterval, func(ctx context.Context) (int, error) {
		return paymentService.RetryPendingOrders(ctx, batch)
	})
	sweeps.start("reservations", cfg.Checkout.ReserveSweepInterval, func(ctx context.Context) (int, error) {
		return inventoryService.ReleaseExpired(ctx, batch)
	})
	sweeps.start("idempotency", cfg.Idempotency.CleanupInterval, func(ctx context.Context) (int, error) {
		return idempotencyStore.CleanupExpired(ctx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
	})
	sweeps.start("tokens", cfg.Idempotency.CleanupInterval, func(ctx context.Context) (int, error) {
		return tokenRepo.CleanupExpired(ctx, time.Now().UTC(), batch)
	})

	hmacNonces, err := auth.NewPersistedNonceStore(tokenRepo)
	if err != nil {
		logger.Fatal("failed to initialise nonce store", zap.Error(err))
	}

	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)
	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg, hmacNonces)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithCartRoutes(cartHandlers.Routes))
	opts = append(opts, handlers.WithCouponRoutes(couponHandlers.Routes))
	opts = append(opts, handlers.WithPaymentRoutes(paymentHandlers.Routes))
	opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	opts = append(opts, handlers.WithAdminRoutes(adminHandlers.Routes))
	opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(sweepHandlers.Routes))
	// Gateway callbacks authenticate inside the payment service (each PSP has
	// its own signature scheme) and must always answer 200, so no HMAC
	// middleware is mounted on the webhook group. Internal sweeps take OIDC
	// when configured and fall back to the shared HMAC secret.
	switch {
	case oidcMiddleware != nil:
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	case hmacMiddleware != nil:
		opts = append(opts, handlers.WithInternalMiddlewares(hmacMiddleware))
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
		serverLogger.Info("marigold commerce api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// zapEventLogger adapts a zap logger to the event/fields callback the
// services take.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider)
	adapterLogger := zapEventLogger(logger)

	if strings.TrimSpace(cfg.PSP.PhonePe.MerchantID) != "" {
		provider, err := payments.NewPhonePeProvider(payments.PhonePeProviderConfig{
			MerchantID:  cfg.PSP.PhonePe.MerchantID,
			SaltKey:     cfg.PSP.PhonePe.SaltKey,
			SaltIndex:   cfg.PSP.PhonePe.SaltIndex,
			BaseURL:     cfg.PSP.PhonePe.BaseURL,
			RedirectURL: cfg.PSP.PhonePe.RedirectURL,
			SessionTTL:  cfg.Checkout.PaymentSessionTTL,
			Logger:      adapterLogger,
		})
		if err != nil {
			return nil, err
		}
		providers["phonepe"] = provider
	}
	if strings.TrimSpace(cfg.PSP.Razorpay.KeyID) != "" {
		provider, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
			KeyID:         cfg.PSP.Razorpay.KeyID,
			KeySecret:     cfg.PSP.Razorpay.KeySecret,
			WebhookSecret: cfg.PSP.Razorpay.WebhookSecret,
			SessionTTL:    cfg.Checkout.PaymentSessionTTL,
			Logger:        adapterLogger,
		})
		if err != nil {
			return nil, err
		}
		providers["razorpay"] = provider
	}
	if strings.TrimSpace(cfg.PSP.Stripe.APIKey) != "" {
		provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.PSP.Stripe.APIKey,
			WebhookSecret: cfg.PSP.Stripe.WebhookSecret,
			SuccessURL:    cfg.PSP.Stripe.SuccessURL,
			CancelURL:     cfg.PSP.Stripe.CancelURL,
			SessionTTL:    cfg.Checkout.PaymentSessionTTL,
			Logger:        adapterLogger,
		})
		if err != nil {
			return nil, err
		}
		providers["stripe"] = provider
	}
	if len(providers) == 0 {
		return nil, errors.New("payments: no gateway configured; set at least one PSP credential block")
	}

	var opts []payments.ManagerOption
	if cfg.PSP.DefaultGateway != "" {
		opts = append(opts, payments.WithDefaultGateway(cfg.PSP.DefaultGateway))
	}
	return payments.NewManager(providers, opts...)
}

// sweepRunner owns the periodic maintenance loops.
type sweepRunner struct {
	ctx    context.Context
	wg     *sync.WaitGroup
	logger *zap.Logger
}

func newSweepRunner(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger) *sweepRunner {
	return &sweepRunner{ctx: ctx, wg: wg, logger: logger}
}

func (s *sweepRunner) start(name string, interval time.Duration, fn func(context.Context) (int, error)) {
	if interval <= 0 || fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(s.ctx, time.Minute)
				processed, err := fn(runCtx)
				cancel()
				if err != nil {
					s.logger.Error("sweep error", zap.String("sweep", name), zap.Error(err))
					continue
				}
				if processed > 0 {
					s.logger.Info("sweep processed records", zap.String("sweep", name), zap.Int("count", processed))
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
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

func newSystemService(client *firestore.Client, fetcher *secrets.Fetcher, build services.BuildInfo, counters services.CounterService) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
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
				if st, ok := status.FromError(err); ok {
					switch st.Code() {
					case codes.NotFound:
						return nil
					}
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
		Counters:         counters,
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config, nonces auth.NonceStore) func(http.Handler) http.Handler {
	secrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(key)] = value
	}
	if cfg.Webhooks.SigningSecret != "" {
		if _, ok := secrets["default"]; !ok {
			secrets["default"] = cfg.Webhooks.SigningSecret
		}
	}
	if len(secrets) == 0 {
		return nil
	}

	provider := staticSecretProvider{secrets: secrets}
	if nonces == nil {
		nonces = auth.NewInMemoryNonceStore()
	}
	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewHMACValidator(provider, nonces,
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)

	resolver := internalSecretResolver(secrets)
	return validator.RequireHMACResolver(resolver)
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

// internalSecretResolver picks the HMAC secret for internal callers, keyed on
// the first path segment under /internal/ (e.g. "sweeps"), falling back to
// "default".
func internalSecretResolver(secrets map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		path := r.URL.Path
		if idx := strings.Index(path, "/internal/"); idx >= 0 {
			path = path[idx+len("/internal/"):]
		}
		path = strings.Trim(path, "/")

		candidates := make([]string, 0, 2)
		if path != "" {
			segments := strings.Split(path, "/")
			candidates = append(candidates, strings.ToLower(segments[0]))
		}
		candidates = append(candidates, "default")

		for _, candidate := range candidates {
			if secret, ok := secrets[candidate]; ok && secret != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve for the configured
// gateway set. A PSP block left unconfigured contributes nothing.
func requiredSecretNames(env map[string]string) []string {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	var required []string
	if lookup("API_PSP_PHONEPE_MERCHANT_ID") != "" {
		required = append(required, "PSP.PhonePe.SaltKey")
	}
	if lookup("API_PSP_RAZORPAY_KEY_ID") != "" {
		required = append(required, "PSP.Razorpay.KeySecret", "PSP.Razorpay.WebhookSecret")
	}
	if lookup("API_PSP_STRIPE_API_KEY") != "" {
		required = append(required, "PSP.Stripe.APIKey", "PSP.Stripe.WebhookSecret")
	}
	if lookup("API_WEBHOOK_SIGNING_SECRET") != "" {
		required = append(required, "Webhooks.SigningSecret")
	}
	if lookup("API_STORAGE_SIGNER_KEY") != "" {
		required = append(required, "Storage.SignerKey")
	}
	for _, key := range parseHMACSecretKeys(lookup("API_SECURITY_HMAC_SECRETS")) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		ref = prefix + ref
		pins[ref] = version
	}
	return pins
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
