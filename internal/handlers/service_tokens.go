package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"token-service/internal/auth"
	"token-service/internal/models"
	"token-service/pkg/errors"
)

// serviceAttemptPrefix keeps service names and user identifiers apart in
// the shared attempt limiter.
const serviceAttemptPrefix = "service:"

// ServiceAuthenticator checks a registered service's client secret.
type ServiceAuthenticator interface {
	Authenticate(name, secret string) error
}

// ServiceTokenHandler issues and renews service tokens.
type ServiceTokenHandler struct {
	services ServiceAuthenticator
	limiter  AttemptLimiter
	issuer   *auth.Issuer
	logger   *zap.Logger
}

// NewServiceTokenHandler creates a new service token handler
func NewServiceTokenHandler(services ServiceAuthenticator, limiter AttemptLimiter, issuer *auth.Issuer, logger *zap.Logger) *ServiceTokenHandler {
	return &ServiceTokenHandler{
		services: services,
		limiter:  limiter,
		issuer:   issuer,
		logger:   logger,
	}
}

// HandleIssue handles POST /v1/service-tokens
// @Summary     Issue a service token
// @Description Authenticates a registered service and issues a token carrying the requested scope. An empty scope requests the service's full allowance; a scope outside the allowance is refused.
// @Tags        service-tokens
// @Accept      application/json
// @Produce     application/json
// @Param       request body     models.ServiceTokenRequest true "Service credentials and scope"
// @Success     200     {object} models.ServiceTokenResponse
// @Failure     400     {object} models.ErrorResponse
// @Failure     401     {object} models.ErrorResponse
// @Failure     403     {object} models.ErrorResponse
// @Failure     429     {object} models.ErrorResponse
// @Failure     503     {object} models.ErrorResponse
// @Router      /v1/service-tokens [post]
func (h *ServiceTokenHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.ServiceTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendError(w, errors.Wrap(err, errors.ErrInvalidRequest))
		return
	}
	name := strings.TrimSpace(req.ServiceName)
	if name == "" || req.ClientSecret == "" {
		sendError(w, errors.ErrInvalidRequest)
		return
	}
	attemptKey := serviceAttemptPrefix + name

	decision, err := h.limiter.CheckAllowed(ctx, attemptKey)
	if err != nil {
		h.logger.Error("Attempt limiter unavailable", zap.Error(err))
		sendError(w, errors.Wrap(err, errors.ErrServiceUnavailable))
		return
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
		sendError(w, errors.ErrTooManyAttempts)
		return
	}

	if err := h.services.Authenticate(name, req.ClientSecret); err != nil {
		if _, recErr := h.limiter.RecordFailure(ctx, attemptKey); recErr != nil {
			h.logger.Error("Failed to record service auth failure", zap.Error(recErr))
			sendError(w, errors.Wrap(recErr, errors.ErrServiceUnavailable))
			return
		}
		h.logger.Info("Service authentication failed", zap.String("service_name", name))
		sendError(w, toServiceError(err))
		return
	}
	if err := h.limiter.RecordSuccess(ctx, attemptKey); err != nil {
		h.logger.Warn("Failed to reset service auth failures", zap.String("service_name", name), zap.Error(err))
	}

	token, err := h.issuer.IssueServiceToken(ctx, name, req.Scope)
	if err != nil {
		sendError(w, toServiceError(err))
		return
	}
	sendJSON(w, http.StatusOK, serviceTokenResponse(token))
}

// HandleRenew handles POST /v1/service-tokens/renew
// @Summary     Renew a service token
// @Description Exchanges a valid, or recently expired, service token for a fresh one. The scope can only shrink to the service's current allowance. Each token renews once.
// @Tags        service-tokens
// @Produce     application/json
// @Param       X-Service-Token header   string true "Service token to renew"
// @Success     200             {object} models.ServiceTokenResponse
// @Failure     401             {object} models.ErrorResponse
// @Failure     403             {object} models.ErrorResponse
// @Failure     503             {object} models.ErrorResponse
// @Router      /v1/service-tokens/renew [post]
func (h *ServiceTokenHandler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.Header.Get(auth.ServiceTokenHeader))
	if raw == "" {
		sendError(w, errors.ErrUnauthorized)
		return
	}

	token, err := h.issuer.RenewServiceToken(r.Context(), raw)
	if err != nil {
		sendError(w, toServiceError(err))
		return
	}
	sendJSON(w, http.StatusOK, serviceTokenResponse(token))
}

func serviceTokenResponse(token auth.IssuedToken) models.ServiceTokenResponse {
	return models.ServiceTokenResponse{
		Token:     token.Raw,
		TokenType: string(auth.TypeService),
		ExpiresIn: token.ExpiresIn(),
		Scope:     token.Scope,
	}
}
