package main

import (
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	_ "token-service/docs"
	"token-service/internal/config"
	"token-service/internal/handlers"
	"token-service/internal/middleware"
)

// Handlers groups the HTTP handlers mounted by SetupRouter.
type Handlers struct {
	Auth          *handlers.AuthHandler
	ServiceTokens *handlers.ServiceTokenHandler
	Verify        *handlers.VerifyHandler
	Revoke        *handlers.RevokeHandler
	JWKS          *handlers.JWKSHandler
	Discovery     *handlers.DiscoveryHandler
	Keys          *handlers.KeysHandler
	Ready         *handlers.ReadyHandler
}

// SetupRouter configures and returns the HTTP router with all routes and middleware
func SetupRouter(
	h Handlers,
	serviceAuth *middleware.ServiceAuth,
	counter middleware.Counter,
	cfg *config.Config,
	logger *zap.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RecoverMiddleware(logger))
	router.Use(middleware.CORSMiddleware)
	router.Use(middleware.LoggingMiddleware(logger))

	limited := middleware.RateLimitMiddleware(counter, logger, cfg.RequestRateLimit, cfg.RequestRateWindow)
	requireScope := func(scope string, next http.HandlerFunc) http.Handler {
		return serviceAuth.Authenticate(serviceAuth.RequireScope(scope)(next))
	}

	// Discovery
	router.HandleFunc("/.well-known/openid-configuration", h.Discovery.HandleDiscovery).Methods("GET", "OPTIONS")
	router.HandleFunc("/.well-known/jwks.json", h.JWKS.HandleJWKS).Methods("GET", "OPTIONS")

	// Health check
	router.HandleFunc("/health", handlers.HandleHealth).Methods("GET")
	router.HandleFunc("/ready", h.Ready.HandleReady).Methods("GET")

	v1 := router.PathPrefix("/v1").Subrouter()

	// User tokens
	v1.Handle("/auth/login", limited(http.HandlerFunc(h.Auth.HandleLogin))).Methods("POST", "OPTIONS")
	v1.Handle("/auth/refresh", limited(http.HandlerFunc(h.Auth.HandleRefresh))).Methods("POST", "OPTIONS")
	v1.HandleFunc("/auth/logout", h.Auth.HandleLogout).Methods("POST", "OPTIONS")

	// Service tokens
	v1.Handle("/service-tokens", limited(http.HandlerFunc(h.ServiceTokens.HandleIssue))).Methods("POST")
	v1.HandleFunc("/service-tokens/renew", h.ServiceTokens.HandleRenew).Methods("POST")

	// Verification and revocation
	v1.HandleFunc("/tokens/verify", h.Verify.HandleVerify).Methods("POST", "OPTIONS")
	v1.Handle("/tokens/revoke", requireScope("revoke:token", h.Revoke.HandleRevoke)).Methods("POST")

	// Key rotation
	v1.Handle("/keys/status", requireScope("admin:keys", h.Keys.HandleStatus)).Methods("GET")
	v1.Handle("/keys/initiate", requireScope("admin:keys", h.Keys.HandleInitiate)).Methods("POST")
	v1.Handle("/keys/rotate", requireScope("admin:keys", h.Keys.HandleRotate)).Methods("POST")
	v1.Handle("/keys/sweep", requireScope("admin:keys", h.Keys.HandleSweep)).Methods("POST")
	v1.Handle("/keys/{version}/activate", requireScope("admin:keys", h.Keys.HandleActivate)).Methods("POST")

	// Swagger documentation
	router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	return router
}
