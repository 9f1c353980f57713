package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"token-service/internal/auth"
	"token-service/internal/database"
	"token-service/internal/limiter"
	"token-service/internal/models"
	"token-service/pkg/errors"
)

// UserStore looks up login principals.
type UserStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// AttemptLimiter throttles credential checks per identifier.
type AttemptLimiter interface {
	CheckAllowed(ctx context.Context, identifier string) (limiter.Decision, error)
	RecordFailure(ctx context.Context, identifier string) (int64, error)
	RecordSuccess(ctx context.Context, identifier string) error
}

// TokenRevoker denies a token id until it expires.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
}

// AuthHandler serves user login, refresh and logout.
type AuthHandler struct {
	users     UserStore
	limiter   AttemptLimiter
	issuer    *auth.Issuer
	verifier  *auth.Verifier
	revoker   TokenRevoker
	dummyHash []byte
	logger    *zap.Logger
}

// NewAuthHandler creates a new auth handler. users may be nil, in which
// case login answers ServiceUnavailable and refresh skips the account
// check.
func NewAuthHandler(
	users UserStore,
	limiter AttemptLimiter,
	issuer *auth.Issuer,
	verifier *auth.Verifier,
	revoker TokenRevoker,
	bcryptCost int,
	logger *zap.Logger,
) (*AuthHandler, error) {
	// Compared against when the identifier is unknown so both paths cost
	// one bcrypt comparison.
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("unknown-user-placeholder"), bcryptCost)
	if err != nil {
		return nil, err
	}
	return &AuthHandler{
		users:     users,
		limiter:   limiter,
		issuer:    issuer,
		verifier:  verifier,
		revoker:   revoker,
		dummyHash: dummyHash,
		logger:    logger,
	}, nil
}

// HandleLogin handles POST /v1/auth/login
// @Summary     Log in with identifier and password
// @Description Checks the credentials and issues an access and refresh token. Repeated failures lock the identifier out for 15 minutes, one hour, then one day.
// @Tags        auth
// @Accept      application/json
// @Produce     application/json
// @Param       request body     models.LoginRequest true "Credentials"
// @Success     200     {object} models.TokenResponse
// @Failure     400     {object} models.ErrorResponse
// @Failure     401     {object} models.ErrorResponse
// @Failure     429     {object} models.ErrorResponse
// @Failure     503     {object} models.ErrorResponse
// @Router      /v1/auth/login [post]
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendError(w, errors.Wrap(err, errors.ErrInvalidRequest))
		return
	}
	identifier := limiter.NormalizeIdentifier(req.Identifier)
	if identifier == "" || req.Password == "" {
		sendError(w, errors.ErrInvalidRequest)
		return
	}

	if h.users == nil {
		h.logger.Warn("Login attempted without a credential store")
		sendError(w, errors.ErrServiceUnavailable)
		return
	}

	decision, err := h.limiter.CheckAllowed(ctx, identifier)
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

	user, err := h.users.FindByIdentifier(ctx, identifier)
	if err != nil && !stderrors.Is(err, database.ErrNotFound) {
		h.logger.Error("Failed to look up user", zap.Error(err))
		sendError(w, errors.Wrap(err, errors.ErrServiceUnavailable))
		return
	}

	if !h.checkPassword(user, req.Password) {
		count, err := h.limiter.RecordFailure(ctx, identifier)
		if err != nil {
			h.logger.Error("Failed to record login failure", zap.Error(err))
			sendError(w, errors.Wrap(err, errors.ErrServiceUnavailable))
			return
		}
		h.logger.Info("Login failed", zap.Int64("failure_count", count))
		sendError(w, errors.ErrUnauthorized)
		return
	}

	if err := h.limiter.RecordSuccess(ctx, identifier); err != nil {
		h.logger.Warn("Failed to reset login failures", zap.String("user_id", user.ID), zap.Error(err))
	}

	tokens, err := h.issuer.IssueUserTokens(ctx, user.ID, user.Attributes)
	if err != nil {
		sendError(w, toServiceError(err))
		return
	}
	sendJSON(w, http.StatusOK, tokenResponse(tokens))
}

// checkPassword reports whether password matches an enabled user. A nil
// user still costs one bcrypt comparison.
func (h *AuthHandler) checkPassword(user *models.User, password string) bool {
	if user == nil {
		_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
		return false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return false
	}
	return !user.Disabled
}

// HandleRefresh handles POST /v1/auth/refresh
// @Summary     Exchange a refresh token
// @Description Issues a new access and refresh token pair. The presented refresh token can be used only once.
// @Tags        auth
// @Accept      application/json
// @Produce     application/json
// @Param       request body     models.RefreshRequest true "Refresh token"
// @Success     200     {object} models.TokenResponse
// @Failure     400     {object} models.ErrorResponse
// @Failure     401     {object} models.ErrorResponse
// @Failure     503     {object} models.ErrorResponse
// @Router      /v1/auth/refresh [post]
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil || req.RefreshToken == "" {
		sendError(w, errors.ErrInvalidRequest)
		return
	}

	if h.users != nil {
		claims, err := h.verifier.Verify(ctx, req.RefreshToken, auth.TypeUserRefresh, h.issuer.Audience())
		if err != nil {
			sendError(w, toServiceError(err))
			return
		}
		user, err := h.users.FindByID(ctx, claims.Subject)
		switch {
		case stderrors.Is(err, database.ErrNotFound):
			sendError(w, errors.ErrUnauthorized)
			return
		case err != nil:
			h.logger.Error("Failed to look up user", zap.Error(err))
			sendError(w, errors.Wrap(err, errors.ErrServiceUnavailable))
			return
		case user.Disabled:
			h.logger.Info("Refresh refused for disabled user", zap.String("user_id", user.ID))
			sendError(w, errors.ErrUnauthorized)
			return
		}
	}

	tokens, err := h.issuer.RefreshUserTokens(ctx, req.RefreshToken)
	if err != nil {
		sendError(w, toServiceError(err))
		return
	}
	sendJSON(w, http.StatusOK, tokenResponse(tokens))
}

// HandleLogout handles POST /v1/auth/logout
// @Summary     Revoke the caller's tokens
// @Description Revokes the bearer access token and, when given, the refresh token of the same user.
// @Tags        auth
// @Accept      application/json
// @Param       Authorization header string               true  "Bearer access token"
// @Param       request       body   models.LogoutRequest false "Refresh token to revoke"
// @Success     204
// @Failure     401 {object} models.ErrorResponse
// @Failure     503 {object} models.ErrorResponse
// @Router      /v1/auth/logout [post]
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audience := h.issuer.Audience()

	raw := bearerToken(r)
	if raw == "" {
		sendError(w, errors.ErrUnauthorized)
		return
	}
	access, err := h.verifier.Verify(ctx, raw, auth.TypeUserAccess, audience)
	if err != nil {
		sendError(w, toServiceError(err))
		return
	}

	var req models.LogoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			sendError(w, errors.Wrap(err, errors.ErrInvalidRequest))
			return
		}
	}

	revoke := []*auth.Claims{access}
	if req.RefreshToken != "" {
		refresh, err := h.verifier.Verify(ctx, req.RefreshToken, auth.TypeUserRefresh, audience)
		if err != nil {
			sendError(w, toServiceError(err))
			return
		}
		if refresh.Subject != access.Subject {
			sendError(w, errors.ErrUnauthorized)
			return
		}
		revoke = append(revoke, refresh)
	}

	for _, claims := range revoke {
		if err := h.revoker.Revoke(ctx, claims.ID, claims.Expiry()); err != nil {
			h.logger.Error("Failed to revoke token", zap.String("token_id", claims.ID), zap.Error(err))
			sendError(w, errors.Wrap(err, errors.ErrServiceUnavailable))
			return
		}
	}
	h.logger.Info("User logged out", zap.String("user_id", access.Subject))
	w.WriteHeader(http.StatusNoContent)
}

func tokenResponse(tokens auth.UserTokens) models.TokenResponse {
	return models.TokenResponse{
		AccessToken:  tokens.Access.Raw,
		TokenType:    "Bearer",
		ExpiresIn:    tokens.Access.ExpiresIn(),
		RefreshToken: tokens.Refresh.Raw,
	}
}
