package handlers

import (
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	"token-service/internal/auth"
	"token-service/internal/models"
	"token-service/pkg/errors"
)

// invalidTokenMessage is the only explanation a rejected token gets.
const invalidTokenMessage = "token is not valid"

// VerifyHandler verifies tokens on behalf of callers that cannot verify
// locally.
type VerifyHandler struct {
	verifier *auth.Verifier
	audience string
	logger   *zap.Logger
}

// NewVerifyHandler creates a new verify handler
func NewVerifyHandler(verifier *auth.Verifier, audience string, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{
		verifier: verifier,
		audience: audience,
		logger:   logger,
	}
}

// HandleVerify handles POST /v1/tokens/verify
// @Summary     Verify a token
// @Description Verifies signature, audience, type, validity window and revocation, and returns the claims if the token is valid. token_type defaults to user_access.
// @Tags        tokens
// @Accept      application/json
// @Produce     application/json
// @Param       request body     models.VerifyRequest true "Token verification request"
// @Success     200     {object} models.VerifyResponse
// @Failure     400     {object} models.ErrorResponse
// @Failure     503     {object} models.ErrorResponse
// @Router      /v1/tokens/verify [post]
func (h *VerifyHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendError(w, errors.Wrap(err, errors.ErrInvalidRequest))
		return
	}
	if req.Token == "" {
		sendError(w, errors.ErrInvalidRequest)
		return
	}

	tokenType := auth.TypeUserAccess
	if req.TokenType != "" {
		parsed, ok := auth.ParseTokenType(req.TokenType)
		if !ok {
			sendError(w, errors.ErrInvalidRequest)
			return
		}
		tokenType = parsed
	}

	claims, err := h.verifier.Verify(r.Context(), req.Token, tokenType, h.audience)
	if err != nil {
		if stderrors.Is(err, auth.ErrStoreUnavailable) {
			sendError(w, errors.Wrap(err, errors.ErrServiceUnavailable))
			return
		}
		sendJSON(w, http.StatusOK, &models.VerifyResponse{
			Valid:   false,
			Message: invalidTokenMessage,
		})
		return
	}

	sendJSON(w, http.StatusOK, &models.VerifyResponse{
		Valid:  true,
		Claims: claims.Map(),
	})
}
