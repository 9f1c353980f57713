package handlers

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"token-service/internal/auth"
	"token-service/internal/clock"
	"token-service/internal/models"
	"token-service/pkg/errors"
)

// RevokeHandler lets authorized services deny token ids.
type RevokeHandler struct {
	revoker     TokenRevoker
	clock       clock.Clock
	maxLifetime time.Duration
	logger      *zap.Logger
}

// NewRevokeHandler creates a revoke handler. maxLifetime bounds entries
// revoked without an explicit expiry.
func NewRevokeHandler(revoker TokenRevoker, clk clock.Clock, maxLifetime time.Duration, logger *zap.Logger) *RevokeHandler {
	return &RevokeHandler{
		revoker:     revoker,
		clock:       clk,
		maxLifetime: maxLifetime,
		logger:      logger,
	}
}

// HandleRevoke handles POST /v1/tokens/revoke
// @Summary     Revoke a token id
// @Description Denies a token id until expires_at, or for the longest token lifetime when expires_at is omitted. Requires a service token with revoke:token.
// @Tags        tokens
// @Accept      application/json
// @Param       X-Service-Token header string               true "Service token with revoke:token"
// @Param       request         body   models.RevokeRequest true "Token id to revoke"
// @Success     204
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Failure     503 {object} models.ErrorResponse
// @Router      /v1/tokens/revoke [post]
func (h *RevokeHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.RevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendError(w, errors.Wrap(err, errors.ErrInvalidRequest))
		return
	}
	tokenID := strings.TrimSpace(req.TokenID)
	if tokenID == "" {
		sendError(w, errors.ErrInvalidRequest)
		return
	}

	expiresAt := h.clock.Now().Add(h.maxLifetime)
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	if err := h.revoker.Revoke(ctx, tokenID, expiresAt); err != nil {
		h.logger.Error("Failed to revoke token", zap.String("token_id", tokenID), zap.Error(err))
		sendError(w, errors.Wrap(err, errors.ErrServiceUnavailable))
		return
	}

	fields := []zap.Field{zap.String("token_id", tokenID), zap.Time("expires_at", expiresAt)}
	if caller, ok := auth.ClaimsFromContext(ctx); ok {
		fields = append(fields, zap.String("service_name", caller.Subject))
	}
	h.logger.Info("Token revoked", fields...)
	w.WriteHeader(http.StatusNoContent)
}
