package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"token-service/pkg/errors"
)

// KeySetSource publishes the public keys tokens may be verified with.
type KeySetSource interface {
	JWKSet(ctx context.Context) (jwk.Set, error)
}

// JWKSHandler handles JWKS endpoint requests
type JWKSHandler struct {
	keys   KeySetSource
	maxAge time.Duration
	logger *zap.Logger
}

// NewJWKSHandler creates a new JWKS handler. maxAge sets the
// Cache-Control lifetime and should not exceed the key cache TTL of the
// verifiers polling it.
func NewJWKSHandler(keys KeySetSource, maxAge time.Duration, logger *zap.Logger) *JWKSHandler {
	return &JWKSHandler{
		keys:   keys,
		maxAge: maxAge,
		logger: logger,
	}
}

// HandleJWKS handles GET /.well-known/jwks.json
// @Summary     Public verification keys
// @Description Lists the Ed25519 keys of the active and retiring signing key versions. Pending and retired keys are never listed.
// @Tags        discovery
// @Produce     application/json
// @Success     200 {object} map[string]interface{}
// @Failure     503 {object} models.ErrorResponse
// @Router      /.well-known/jwks.json [get]
func (h *JWKSHandler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.JWKSet(r.Context())
	if err != nil {
		h.logger.Error("Failed to build JWKS", zap.Error(err))
		sendError(w, toServiceError(err))
		return
	}

	data, err := json.Marshal(set)
	if err != nil {
		h.logger.Error("Failed to marshal JWKS", zap.Error(err))
		sendError(w, errors.Wrap(err, errors.ErrInternalServer))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.maxAge.Seconds())))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
