package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"token-service/internal/auth"
	"token-service/internal/cache"
	"token-service/internal/clock"
	"token-service/internal/config"
	"token-service/internal/database"
	"token-service/internal/handlers"
	"token-service/internal/keystore"
	"token-service/internal/limiter"
	"token-service/internal/middleware"
	"token-service/internal/observability"
	"token-service/internal/registry"
	"token-service/internal/revocation"
	"token-service/internal/rotation"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// @title                      Token Service API
// @version                    1.0
// @description                Trust root for user and service tokens: issuance, verification, revocation and signing key rotation.
// @BasePath                   /
// @securityDefinitions.apikey ServiceToken
// @in                         header
// @name                       X-Service-Token
func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting token service", zap.String("version", version))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv, version); err != nil {
		logger.Warn("Sentry disabled", zap.Error(err))
	}
	defer observability.FlushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Key repository and credential store
	var keyRepo keystore.Repository = keystore.NewMemoryRepository()
	var users handlers.UserStore
	stores := map[string]handlers.Pinger{}
	if cfg.DatabaseURL != "" {
		if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		db, err := database.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database", zap.Error(err))
		}
		defer db.Close()
		keyRepo = database.NewKeyRepository(db)
		users = database.NewUserRepository(db)
		stores["postgres"] = db
	} else {
		if cfg.IsProduction() {
			logger.Fatal("DATABASE_URL is required in production")
		}
		logger.Warn("DATABASE_URL not set: signing keys are kept in memory and login is disabled")
	}

	// Signing keys
	sealer, err := keystore.OpenSealer(ctx, cfg.KeySealingURL)
	if err != nil {
		logger.Fatal("Failed to open key sealer", zap.Error(err))
	}
	defer sealer.Close()

	clk := clock.Real()
	keys, err := keystore.New(ctx, keyRepo, sealer, clk, keystore.Options{
		GraceWindow:  cfg.KeyGraceWindow,
		CacheTTL:     cfg.KeyCacheTTL,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize key store", zap.Error(err))
	}
	if _, err := keys.EnsureActive(ctx); err != nil {
		logger.Fatal("No active signing key", zap.Error(err))
	}

	// Initialize cache
	cacheClient, err := cache.NewCache(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer cacheClient.Close()
	stores["redis"] = cacheClient

	attempts, err := limiter.New(cacheClient, limiter.Options{
		FailureWindow: cfg.LoginFailureWindow,
		StoreTimeout:  cfg.StoreTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize attempt limiter", zap.Error(err))
	}
	revocations := revocation.NewRegistry(cacheClient, clk, cfg.StoreTimeout, logger)

	services, err := registry.Load(cfg.ServiceRegistryFile)
	if err != nil {
		logger.Fatal("Failed to load service registry", zap.Error(err))
	}
	logger.Info("Service registry loaded", zap.Strings("services", services.Names()))

	// Tokens
	verifier := auth.NewVerifier(keys, revocations, clk, auth.VerifierConfig{
		ClockSkew:    cfg.ClockSkew,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)
	issuer := auth.NewIssuer(keys, services, verifier, revocations, clk, auth.IssuerConfig{
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
		Lifetimes: auth.Lifetimes{
			Access:  cfg.AccessTokenTTL,
			Refresh: cfg.RefreshTokenTTL,
			Service: cfg.ServiceTokenTTL,
		},
		RenewGrace:   cfg.ServiceRenewGrace,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)

	// Rotation
	coordinator := rotation.NewCoordinator(keys, logger)
	scheduler := rotation.NewScheduler(coordinator, clk, rotation.SchedulerConfig{
		SweepInterval:    cfg.KeySweepInterval,
		RotationInterval: cfg.KeyRotationInterval,
	}, logger)

	// Initialize handlers
	authHandler, err := handlers.NewAuthHandler(users, attempts, issuer, verifier, revocations, cfg.BcryptCost, logger)
	if err != nil {
		logger.Fatal("Failed to initialize auth handler", zap.Error(err))
	}
	discoveryHandler, err := handlers.NewDiscoveryHandler(cfg.TokenIssuer, cfg.TokenIssuer)
	if err != nil {
		logger.Fatal("Failed to initialize discovery handler", zap.Error(err))
	}

	router := SetupRouter(Handlers{
		Auth:          authHandler,
		ServiceTokens: handlers.NewServiceTokenHandler(services, attempts, issuer, logger),
		Verify:        handlers.NewVerifyHandler(verifier, cfg.TokenAudience, logger),
		Revoke:        handlers.NewRevokeHandler(revocations, clk, cfg.LongestTokenTTL(), logger),
		JWKS:          handlers.NewJWKSHandler(keys, cfg.KeyCacheTTL, logger),
		Discovery:     discoveryHandler,
		Keys:          handlers.NewKeysHandler(coordinator, clk, logger),
		Ready:         handlers.NewReadyHandler(keys, stores, cfg.StoreTimeout, logger),
	},
		middleware.NewServiceAuth(verifier, auth.NewScopeAuthorizer(logger), cfg.TokenAudience, logger),
		cacheClient,
		cfg,
		logger,
	)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Server starting", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}
