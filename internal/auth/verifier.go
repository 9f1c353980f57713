package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"token-service/internal/clock"
	"token-service/internal/keystore"
)

// Verification failure reasons. They are for logs and metrics only and
// must never reach a caller; map them to a generic Unauthorized.
var (
	ErrMalformed        = errors.New("malformed token")
	ErrKeyNotFound      = errors.New("signing key not verifiable")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrAudienceMismatch = errors.New("audience mismatch")
	ErrTypeMismatch     = errors.New("token type mismatch")
	ErrExpired          = errors.New("token expired or not yet valid")
	ErrRevoked          = errors.New("token revoked")
	ErrStoreUnavailable = errors.New("verification backend unavailable")
)

// VerificationError carries the reason a token was rejected.
type VerificationError struct {
	Reason  error
	TokenID string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("token verification failed: %v", e.Reason)
}

func (e *VerificationError) Unwrap() error {
	return e.Reason
}

// KeySource resolves a key version to its public key. It returns
// keystore.ErrKeyNotFound for unknown or retired versions.
type KeySource interface {
	VerificationKey(ctx context.Context, version int64) (ed25519.PublicKey, error)
}

// RevocationChecker reports whether a token id has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// VerifierConfig tunes a Verifier.
type VerifierConfig struct {
	// ClockSkew tolerates issuers whose clock runs ahead.
	ClockSkew time.Duration
	// StoreTimeout bounds each key and revocation lookup.
	StoreTimeout time.Duration
}

// Verifier checks tokens in a fixed order and fails closed.
type Verifier struct {
	keys        KeySource
	revocations RevocationChecker
	clock       clock.Clock
	cfg         VerifierConfig
	parser      *jwt.Parser
	logger      *zap.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(keys KeySource, revocations RevocationChecker, clk clock.Clock, cfg VerifierConfig, logger *zap.Logger) *Verifier {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 250 * time.Millisecond
	}
	return &Verifier{
		keys:        keys,
		revocations: revocations,
		clock:       clk,
		cfg:         cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
		logger: logger,
	}
}

// Verify returns the claims of raw if it passes every check for
// expectedType and expectedAudience. Errors are *VerificationError.
func (v *Verifier) Verify(ctx context.Context, raw string, expectedType TokenType, expectedAudience string) (*Claims, error) {
	return v.verify(ctx, raw, expectedType, expectedAudience, 0)
}

// verify runs the pipeline. grace extends acceptance past exp and is
// only used for service token renewal.
func (v *Verifier) verify(ctx context.Context, raw string, expectedType TokenType, expectedAudience string, grace time.Duration) (*Claims, error) {
	// 1. Header only; nothing in the payload is trusted yet.
	unverified, _, err := v.parser.ParseUnverified(raw, &Claims{})
	if err != nil {
		return nil, v.reject(ErrMalformed, "", 0)
	}
	if unverified.Method == nil || unverified.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
		return nil, v.reject(ErrMalformed, "", 0)
	}
	kid, _ := unverified.Header["kid"].(string)
	version, err := keystore.ParseKeyID(kid)
	if err != nil {
		return nil, v.reject(ErrKeyNotFound, "", 0)
	}

	// 2. Key lookup.
	public, err := v.lookupKey(ctx, version)
	if err != nil {
		return nil, v.reject(err, "", version)
	}

	// 3. Signature.
	claims := &Claims{}
	_, err = v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return public, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
			return nil, v.reject(ErrInvalidSignature, "", version)
		}
		return nil, v.reject(ErrMalformed, "", version)
	}
	if claims.ID == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, v.reject(ErrMalformed, claims.ID, version)
	}

	// 4. Audience.
	if len(claims.Audience) != 1 || claims.Audience[0] != expectedAudience {
		return nil, v.reject(ErrAudienceMismatch, claims.ID, version)
	}

	// 5. Type.
	if claims.Type != expectedType {
		return nil, v.reject(ErrTypeMismatch, claims.ID, version)
	}

	// 6. Validity window.
	now := v.clock.Now()
	if now.Before(claims.IssuedAt.Add(-v.cfg.ClockSkew)) || !now.Before(claims.ExpiresAt.Add(grace)) {
		return nil, v.reject(ErrExpired, claims.ID, version)
	}

	// 7. Revocation.
	rctx, cancel := context.WithTimeout(ctx, v.cfg.StoreTimeout)
	defer cancel()
	revoked, err := v.revocations.IsRevoked(rctx, claims.ID)
	if err != nil {
		return nil, v.reject(ErrStoreUnavailable, claims.ID, version)
	}
	if revoked {
		return nil, v.reject(ErrRevoked, claims.ID, version)
	}

	return claims, nil
}

func (v *Verifier) lookupKey(ctx context.Context, version int64) (ed25519.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.StoreTimeout)
	defer cancel()

	public, err := v.keys.VerificationKey(ctx, version)
	switch {
	case err == nil:
		return public, nil
	case errors.Is(err, keystore.ErrKeyNotFound):
		return nil, ErrKeyNotFound
	default:
		return nil, ErrStoreUnavailable
	}
}

func (v *Verifier) reject(reason error, tokenID string, version int64) error {
	v.logger.Debug("Token rejected",
		zap.String("reason", reason.Error()),
		zap.String("token_id", tokenID),
		zap.Int64("key_version", version),
	)
	return &VerificationError{Reason: reason, TokenID: tokenID}
}
