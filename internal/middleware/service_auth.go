package middleware

import (
	stderrors "errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"token-service/internal/auth"
	"token-service/pkg/errors"
)

// ServiceAuth guards routes that only registered services may call.
type ServiceAuth struct {
	verifier   *auth.Verifier
	authorizer *auth.ScopeAuthorizer
	audience   string
	logger     *zap.Logger
}

// NewServiceAuth creates a ServiceAuth accepting tokens for audience.
func NewServiceAuth(verifier *auth.Verifier, authorizer *auth.ScopeAuthorizer, audience string, logger *zap.Logger) *ServiceAuth {
	return &ServiceAuth{
		verifier:   verifier,
		authorizer: authorizer,
		audience:   audience,
		logger:     logger,
	}
}

// Authenticate verifies the X-Service-Token header as a service token
// and stores its claims in the request context.
func (s *ServiceAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(auth.ServiceTokenHeader))
		if raw == "" {
			writeError(w, errors.ErrUnauthorized)
			return
		}

		claims, err := s.verifier.Verify(r.Context(), raw, auth.TypeService, s.audience)
		if err != nil {
			if stderrors.Is(err, auth.ErrStoreUnavailable) {
				s.logger.Warn("Service token check unavailable", zap.String("path", r.URL.Path), zap.Error(err))
				writeError(w, errors.Wrap(err, errors.ErrServiceUnavailable))
				return
			}
			writeError(w, errors.ErrUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// RequireScope rejects requests whose authenticated claims lack scope.
// It must run after Authenticate.
func (s *ServiceAuth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, errors.ErrUnauthorized)
				return
			}
			if err := s.authorizer.Require(claims, scope); err != nil {
				writeError(w, errors.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
