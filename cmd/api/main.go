// Package main is the entry point for the billing relay API server.
//
// It loads the configuration, connects the identity service, the user store
// (Firestore or Postgres), the rate limit counters and the metrics publisher,
// builds the HTTP server with the core chassis and serves until SIGINT or
// SIGTERM, then shuts down gracefully.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"billingrelay/internal/api/handlers"
	"billingrelay/internal/billing"
	"billingrelay/internal/config"
	"billingrelay/internal/core"
	"billingrelay/internal/db"
	"billingrelay/internal/docstore"
	"billingrelay/internal/external"
	"billingrelay/internal/metrics"
	"billingrelay/internal/ratelimit"
)

const (
	stripeHTTPTimeout = 20 * time.Second
	redisDialTimeout  = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing relay starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"user_store", cfg.Store.Backend,
	)

	deps, cleanup, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, logger, deps)
	if err != nil {
		cleanup()
		return fmt.Errorf("creating server: %w", err)
	}
	for _, fn := range deps.shutdowns {
		srv.OnShutdown(fn)
	}

	return serve(ctx, srv, cfg, logger)
}

// dependencies are the external collaborators of the HTTP surface. Tests
// supply fakes for every field.
type dependencies struct {
	authenticator core.Authenticator
	users         billing.UserStore
	provider      external.BillingProvider
	rateLimit     core.RateLimitStore
	metrics       core.MetricsCollector
	probes        []core.HealthProbe
	shutdowns     []core.ShutdownFunc
}

// connect opens every external client. cleanup releases whatever was opened
// when a later step fails before the server owns the shutdown hooks.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	deps := &dependencies{}
	cleanup := func() {
		c, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for i := len(deps.shutdowns) - 1; i >= 0; i-- {
			_ = deps.shutdowns[i](c)
		}
	}
	fail := func(err error) (*dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	app, err := external.NewFirebaseApp(ctx, external.FirebaseAppConfig{
		ProjectID:       cfg.Firebase.ProjectID,
		ClientEmail:     cfg.Firebase.ClientEmail,
		PrivateKeyPEM:   cfg.Firebase.PrivateKeyPEM(),
		CredentialsFile: cfg.Firebase.CredentialsFile,
	})
	if err != nil {
		return fail(err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return fail(fmt.Errorf("initializing firebase auth: %w", err))
	}
	deps.authenticator = external.NewFirebaseAuthenticator(authClient, logger)

	switch cfg.Store.Backend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:               cfg.Store.URL.Unmask(),
			MaxConns:          cfg.Store.MaxConns,
			MinConns:          cfg.Store.MinConns,
			MaxConnLifetime:   cfg.Store.MaxConnLifetime,
			HealthCheckPeriod: cfg.Store.HealthCheckPeriod,
		})
		if err != nil {
			return fail(err)
		}
		deps.shutdowns = append(deps.shutdowns, func(context.Context) error {
			pool.Close()
			return nil
		})
		deps.users = db.NewUserRepository(pool)
		deps.probes = append(deps.probes, db.NewHealthProbe(pool))
	default:
		fs, err := app.Firestore(ctx)
		if err != nil {
			return fail(fmt.Errorf("initializing firestore: %w", err))
		}
		deps.shutdowns = append(deps.shutdowns, func(context.Context) error { return fs.Close() })
		store := docstore.NewFirestoreUserStore(fs, cfg.Store.UsersCollection)
		deps.users = store
		deps.probes = append(deps.probes, store.HealthProbe())
	}

	deps.provider = external.NewStripeClient(&http.Client{Timeout: stripeHTTPTimeout}, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:   cfg.Billing.APIBase,
		Logger:    logger,
	})

	if cfg.RateLimit.IsEnabled(cfg.Environment) {
		if cfg.Redis.URL.IsSet() {
			client, err := ratelimit.Connect(ctx, cfg.Redis.URL.Unmask(), redisDialTimeout)
			if err != nil {
				return fail(err)
			}
			deps.shutdowns = append(deps.shutdowns, func(context.Context) error { return client.Close() })
			deps.rateLimit = ratelimit.NewRedisStore(client)
			deps.probes = append(deps.probes, ratelimit.NewHealthProbe(client))
		} else {
			logger.Warn("REDIS_URL not set, rate limit counters are per process")
			deps.rateLimit = ratelimit.NewMemoryStore()
		}
	}

	if cfg.Observability.MetricsEnabled {
		cw, err := metrics.NewClient(ctx, cfg.AWS.Region, cfg.AWS.EndpointURL)
		if err != nil {
			return fail(err)
		}
		collector := metrics.NewCloudWatchCollector(cw, cfg.Observability.MetricNamespace, logger)
		deps.shutdowns = append(deps.shutdowns, collector.Close)
		deps.metrics = collector
	}

	return deps, cleanup, nil
}

// buildServer assembles the billing services and handlers onto the core
// chassis and mounts all routes.
func buildServer(cfg *config.Config, logger *slog.Logger, deps *dependencies) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.Authenticator = deps.authenticator
	srv.RateLimitStore = deps.rateLimit
	srv.Metrics = deps.metrics
	srv.HealthProbes = deps.probes

	reconciler := billing.NewReconciler(deps.users, logger)
	dispatcher := billing.NewDispatcher(reconciler, logger)
	verifier := billing.NewSignatureVerifier(cfg.Billing.WebhookTolerance)
	sessions := billing.NewSessionFactory(deps.users, deps.provider, srv.Validator, billing.SessionConfig{
		DefaultPriceID:         cfg.Billing.ProPlanPriceID,
		FallbackToDefaultPrice: cfg.Billing.DefaultPriceFallback,
	}, logger)

	webhookHandler := handlers.NewStripeWebhookHandler(verifier, dispatcher, cfg.Billing.StripeWebhookSecret.Unmask(), logger)
	billingHandler := handlers.NewBillingHandler(sessions, deps.users, logger)

	srv.WebhookRegistrars = append(srv.WebhookRegistrars, webhookHandler.RegisterRoutes)
	srv.APIRegistrars = append(srv.APIRegistrars, billingHandler.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// serve runs the HTTP server until ctx is cancelled or the listener fails,
// then drains in-flight requests and releases server resources.
func serve(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
			errs = append(errs, err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// secretProvider selects how *_SSM_PARAM pointers are resolved. SECRET_PROVIDER=env
// reads them from other environment variables for dev setups without AWS. The
// SSM client is created lazily, so local runs never touch AWS.
func secretProvider() config.SecretProvider {
	if os.Getenv("SECRET_PROVIDER") == "env" {
		return config.NewEnvVarProvider()
	}
	return config.NewSSMProvider(envOr("AWS_REGION", "us-east-1"), os.Getenv("AWS_ENDPOINT_URL"))
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
