package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/ferncart/api/internal/handlers"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/platform/auth"
	"github.com/ferncart/api/internal/platform/config"
	"github.com/ferncart/api/internal/platform/events"
	pfirestore "github.com/ferncart/api/internal/platform/firestore"
	"github.com/ferncart/api/internal/platform/idempotency"
	"github.com/ferncart/api/internal/platform/observability"
	"github.com/ferncart/api/internal/platform/secrets"
	"github.com/ferncart/api/internal/repositories"
	firestorerepo "github.com/ferncart/api/internal/repositories/firestore"
	"github.com/ferncart/api/internal/services"
)

const (
	firestoreProbeTimeout = 1500 * time.Millisecond
	secretProbeTimeout    = time.Second
	shutdownTimeout       = 10 * time.Second
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	logger = logger.Named("api")

	ctx := observability.WithLogger(context.Background(), logger)

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(defaultSecretProject()),
	)
	if err != nil {
		logger.Fatal("initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("close secret fetcher", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var validationErr *config.ValidationError
		var secretErr *config.SecretError
		switch {
		case errors.As(err, &validationErr):
			logger.Fatal("configuration is incomplete", zap.Strings("fields", validationErr.Fields()))
		case errors.As(err, &secretErr):
			logger.Fatal("resolve configuration secret", zap.String("ref", secretErr.Ref), zap.Error(err))
		default:
			logger.Fatal("load configuration", zap.Error(err))
		}
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := provider.Client(ctx)
	if err != nil {
		logger.Fatal("connect firestore", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Close(closeCtx); err != nil {
			logger.Warn("close firestore client", zap.Error(err))
		}
	}()

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("initialise firebase auth", zap.Error(err))
	}
	authn := auth.NewAuthenticator(verifier, auth.WithUserGetter(verifier))

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Logger:        observability.EventLogger(logger.Named("stripe")),
	})
	if err != nil {
		logger.Fatal("initialise stripe gateway", zap.Error(err))
	}

	cartRepo, err := firestorerepo.NewCartRepository(provider)
	if err != nil {
		logger.Fatal("initialise cart repository", zap.Error(err))
	}
	productRepo, err := firestorerepo.NewProductRepository(provider)
	if err != nil {
		logger.Fatal("initialise product repository", zap.Error(err))
	}
	orderRepo, err := firestorerepo.NewOrderRepository(provider)
	if err != nil {
		logger.Fatal("initialise order repository", zap.Error(err))
	}

	var publisher services.OrderEventPublisher
	var pubsubClient *pubsub.Client
	if topic := strings.TrimSpace(cfg.Events.OrderTopic); topic != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("connect pubsub", zap.Error(err))
		}
		publisher, err = events.NewPubSubOrderPublisher(pubsubClient.Topic(topic))
		if err != nil {
			logger.Fatal("initialise order event publisher", zap.Error(err))
		}
		logger.Info("order event publishing enabled", zap.String("topic", topic))
	} else {
		logger.Info("order event publishing disabled: no topic configured")
	}
	if pubsubClient != nil {
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("close pubsub client", zap.Error(err))
			}
		}()
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Carts:    cartRepo,
		Products: productRepo,
		Logger:   observability.EventLogger(logger.Named("carts")),
	})
	if err != nil {
		logger.Fatal("initialise cart service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   orderRepo,
		Carts:    cartRepo,
		Products: productRepo,
		Events:   publisher,
		Logger:   observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("initialise order service", zap.Error(err))
	}

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:     orderService,
		Gateway:    gateway,
		SuccessURL: cfg.Frontend.OrderSuccessURL,
		CancelURL:  cfg.Frontend.OrderFailureURL,
		Logger:     observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		logger.Fatal("initialise checkout service", zap.Error(err))
	}

	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Orders:  orderRepo,
		Carts:   cartRepo,
		Gateway: gateway,
		Events:  publisher,
		Logger:  observability.EventLogger(logger.Named("reconciler")),
	})
	if err != nil {
		logger.Fatal("initialise payment reconciler", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreClient, fetcher)
	if err != nil {
		logger.Fatal("initialise system service", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMW := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cartHandlers := handlers.NewCartHandlers(authn, cartService)
	orderHandlers := handlers.NewOrderHandlers(authn, orderService)
	adminHandlers := handlers.NewAdminOrderHandlers(authn, orderService)
	checkoutHandlers, err := handlers.NewCheckoutHandlers(handlers.CheckoutHandlersConfig{
		Authn:              authn,
		Checkout:           checkoutService,
		Reconciler:         reconciler,
		SuccessRedirectURL: cfg.Frontend.OrderSuccessURL,
		FailureRedirectURL: cfg.Frontend.OrderFailureURL,
		Logger:             observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		logger.Fatal("initialise checkout handlers", zap.Error(err))
	}
	webhookHandlers := handlers.NewWebhookHandlers(gateway, reconciler, observability.EventLogger(logger.Named("webhooks")))
	healthHandlers := handlers.NewHealthHandlers(handlers.WithHealthSystemService(systemService))

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
			idempotencyMW,
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runIdempotencyCleanup(cleanupCtx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	stopCleanup()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// newSystemService assembles the readiness checks behind /readyz: a Firestore
// round trip and a Secret Manager access using a well-known probe secret.
func newSystemService(client *firestore.Client, fetcher *secrets.Fetcher) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{
		{
			Name:    "firestore",
			Timeout: firestoreProbeTimeout,
			Check: func(ctx context.Context) error {
				iter := client.Collections(ctx)
				if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
					return err
				}
				return nil
			},
		},
		{
			Name:    "secretManager",
			Timeout: secretProbeTimeout,
			Check: func(ctx context.Context) error {
				_, err := fetcher.ResolveSecret(ctx, "secret://system/healthz@latest")
				if err == nil || errors.Is(err, secrets.ErrNotFound) {
					// A NotFound still proves the API is reachable and authorised.
					return nil
				}
				return err
			},
		},
	}

	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{Health: health})
}

// runIdempotencyCleanup periodically purges expired idempotency records so the
// collection does not grow without bound.
func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatch)
			cancel()
			if err != nil {
				logger.Warn("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency records purged", zap.Int("count", removed))
			}
		}
	}
}

// traceProjectID picks the project used to build Cloud Logging trace names.
func traceProjectID(cfg config.Config) string {
	if cfg.Firestore.ProjectID != "" {
		return cfg.Firestore.ProjectID
	}
	return cfg.Firebase.ProjectID
}

// defaultSecretProject resolves the project used for secret references that
// omit one, before configuration itself is available.
func defaultSecretProject() string {
	for _, key := range []string{"API_SECRETS_PROJECT_ID", "API_FIREBASE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}
