package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"token-service/internal/clock"
	"token-service/internal/keystore"
)

var (
	// ErrUnknownService is returned for services absent from the registry.
	ErrUnknownService = errors.New("auth: unknown service")
	// ErrScopeNotAllowed is returned when a request exceeds the ceiling.
	ErrScopeNotAllowed = errors.New("auth: scope not allowed")
)

// SigningKeyProvider hands out the active signing key.
type SigningKeyProvider interface {
	ActiveKey(ctx context.Context) (keystore.SigningKey, error)
}

// ServiceRegistry reports the maximum scope set of a registered service.
type ServiceRegistry interface {
	MaxScopes(serviceName string) ([]string, bool)
}

// Revoker denies a token id until expiresAt. RevokeOnce reports false
// when the id was already denied, so a one-time token is redeemed by
// exactly one caller.
type Revoker interface {
	RevokeOnce(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error)
}

// Lifetimes are the fixed per-type token lifetimes of a deployment.
type Lifetimes struct {
	Access  time.Duration
	Refresh time.Duration
	Service time.Duration
}

// DefaultLifetimes are 15 minutes, 7 days and 24 hours.
var DefaultLifetimes = Lifetimes{
	Access:  15 * time.Minute,
	Refresh: 7 * 24 * time.Hour,
	Service: 24 * time.Hour,
}

// Longest returns the longest lifetime of the three.
func (l Lifetimes) Longest() time.Duration {
	longest := l.Access
	if l.Refresh > longest {
		longest = l.Refresh
	}
	if l.Service > longest {
		longest = l.Service
	}
	return longest
}

// IssuerConfig tunes an Issuer.
type IssuerConfig struct {
	Issuer    string
	Audience  string
	Lifetimes Lifetimes
	// RenewGrace is how long after expiry a service token may still be
	// renewed.
	RenewGrace   time.Duration
	StoreTimeout time.Duration
}

// IssuedToken is a signed token plus the metadata callers need.
type IssuedToken struct {
	Raw        string
	ID         string
	Type       TokenType
	Subject    string
	Scope      []string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	KeyVersion int64
}

// ExpiresIn is the remaining lifetime at issuance, in whole seconds.
func (t IssuedToken) ExpiresIn() int64 {
	return int64(t.ExpiresAt.Sub(t.IssuedAt) / time.Second)
}

// UserTokens is an access and refresh token pair.
type UserTokens struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// Issuer mints tokens with the active key. It never stores them.
type Issuer struct {
	keys     SigningKeyProvider
	services ServiceRegistry
	verifier *Verifier
	revoker  Revoker
	clock    clock.Clock
	cfg      IssuerConfig
	logger   *zap.Logger
}

// NewIssuer creates an Issuer.
func NewIssuer(keys SigningKeyProvider, services ServiceRegistry, verifier *Verifier, revoker Revoker, clk clock.Clock, cfg IssuerConfig, logger *zap.Logger) *Issuer {
	if cfg.Lifetimes == (Lifetimes{}) {
		cfg.Lifetimes = DefaultLifetimes
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 250 * time.Millisecond
	}
	return &Issuer{
		keys:     keys,
		services: services,
		verifier: verifier,
		revoker:  revoker,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

// Lifetimes returns the configured token lifetimes.
func (i *Issuer) Lifetimes() Lifetimes { return i.cfg.Lifetimes }

// Audience returns the audience placed in every token.
func (i *Issuer) Audience() string { return i.cfg.Audience }

// IssueUserTokens mints an access and a refresh token for userID with
// independent token ids.
func (i *Issuer) IssueUserTokens(ctx context.Context, userID string, attributes map[string]string) (UserTokens, error) {
	if userID == "" {
		return UserTokens{}, errors.New("auth: empty user id")
	}
	key, err := i.activeKey(ctx)
	if err != nil {
		return UserTokens{}, err
	}
	now := i.clock.Now()

	access, err := i.sign(key, now, &Claims{
		Type:       TypeUserAccess,
		Attributes: attributes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
	}, i.cfg.Lifetimes.Access)
	if err != nil {
		return UserTokens{}, err
	}

	refresh, err := i.sign(key, now, &Claims{
		Type:       TypeUserRefresh,
		Attributes: attributes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
	}, i.cfg.Lifetimes.Refresh)
	if err != nil {
		return UserTokens{}, err
	}

	i.logger.Info("Issued user tokens",
		zap.String("user_id", userID),
		zap.String("access_token_id", access.ID),
		zap.String("refresh_token_id", refresh.ID),
		zap.Int64("key_version", key.Version),
	)
	return UserTokens{Access: access, Refresh: refresh}, nil
}

// RefreshUserTokens exchanges a refresh token for a new pair. The
// presented refresh token is revoked so it can be used only once.
func (i *Issuer) RefreshUserTokens(ctx context.Context, rawRefresh string) (UserTokens, error) {
	claims, err := i.verifier.Verify(ctx, rawRefresh, TypeUserRefresh, i.cfg.Audience)
	if err != nil {
		return UserTokens{}, err
	}
	if err := i.redeem(ctx, claims.ID, claims.Expiry()); err != nil {
		return UserTokens{}, err
	}
	return i.IssueUserTokens(ctx, claims.Subject, claims.Attributes)
}

// IssueServiceToken mints a service token. An empty scope requests the
// service's full allowance; anything outside the allowance is refused,
// never truncated.
func (i *Issuer) IssueServiceToken(ctx context.Context, serviceName string, scope []string) (IssuedToken, error) {
	ceiling, ok := i.services.MaxScopes(serviceName)
	if !ok {
		i.logger.Info("Service token refused", zap.String("service_name", serviceName), zap.String("reason", "unknown service"))
		return IssuedToken{}, ErrUnknownService
	}

	requested := scope
	if len(requested) == 0 {
		requested = ceiling
	}
	requested, err := NormalizeScopes(requested)
	if err != nil {
		return IssuedToken{}, err
	}

	allowed := make(map[string]struct{}, len(ceiling))
	for _, s := range ceiling {
		allowed[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := allowed[s]; !ok {
			i.logger.Info("Service token refused",
				zap.String("service_name", serviceName),
				zap.String("reason", "scope not allowed"),
				zap.String("scope", s),
			)
			return IssuedToken{}, ErrScopeNotAllowed
		}
	}

	return i.issueService(ctx, serviceName, requested)
}

// RenewServiceToken issues a replacement for a service token that still
// verifies, or expired less than the renewal grace ago. The subject is
// kept and the scope can only shrink: it is intersected with the
// service's current allowance. The old token is revoked.
func (i *Issuer) RenewServiceToken(ctx context.Context, raw string) (IssuedToken, error) {
	claims, err := i.verifier.verify(ctx, raw, TypeService, i.cfg.Audience, i.cfg.RenewGrace)
	if err != nil {
		return IssuedToken{}, err
	}

	ceiling, ok := i.services.MaxScopes(claims.Subject)
	if !ok {
		i.logger.Info("Service token renewal refused", zap.String("service_name", claims.Subject), zap.String("reason", "unknown service"))
		return IssuedToken{}, ErrUnknownService
	}
	scope := intersect(claims.Scope, ceiling)

	// Revoked past the grace so the same token cannot be renewed twice.
	if err := i.redeem(ctx, claims.ID, claims.Expiry().Add(i.cfg.RenewGrace)); err != nil {
		return IssuedToken{}, err
	}

	renewed, err := i.issueService(ctx, claims.Subject, scope)
	if err != nil {
		return IssuedToken{}, err
	}
	i.logger.Info("Renewed service token",
		zap.String("service_name", claims.Subject),
		zap.String("previous_token_id", claims.ID),
		zap.String("token_id", renewed.ID),
	)
	return renewed, nil
}

func (i *Issuer) issueService(ctx context.Context, serviceName string, scope []string) (IssuedToken, error) {
	key, err := i.activeKey(ctx)
	if err != nil {
		return IssuedToken{}, err
	}
	token, err := i.sign(key, i.clock.Now(), &Claims{
		Type:        TypeService,
		Scope:       scope,
		ServiceName: serviceName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: serviceName,
		},
	}, i.cfg.Lifetimes.Service)
	if err != nil {
		return IssuedToken{}, err
	}
	i.logger.Info("Issued service token",
		zap.String("service_name", serviceName),
		zap.String("token_id", token.ID),
		zap.Strings("scope", scope),
		zap.Int64("key_version", key.Version),
	)
	return token, nil
}

func (i *Issuer) activeKey(ctx context.Context) (keystore.SigningKey, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.StoreTimeout)
	defer cancel()

	key, err := i.keys.ActiveKey(ctx)
	if err != nil {
		i.logger.Error("Failed to load signing key", zap.Error(err))
		return keystore.SigningKey{}, fmt.Errorf("load signing key: %w", err)
	}
	return key, nil
}

// redeem spends a one-time token. Losing the claim to another caller
// fails the same way as presenting a token that was revoked earlier.
func (i *Issuer) redeem(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.StoreTimeout)
	defer cancel()

	claimed, err := i.revoker.RevokeOnce(ctx, tokenID, expiresAt)
	if err != nil {
		return fmt.Errorf("%w: revoke %s: %v", ErrStoreUnavailable, tokenID, err)
	}
	if !claimed {
		i.logger.Info("Token redeemed twice", zap.String("token_id", tokenID))
		return &VerificationError{Reason: ErrRevoked, TokenID: tokenID}
	}
	return nil
}

// sign fills the registered claims shared by every token type and signs
// with key.
func (i *Issuer) sign(key keystore.SigningKey, now time.Time, claims *Claims, lifetime time.Duration) (IssuedToken, error) {
	claims.ID = uuid.New().String()
	claims.Issuer = i.cfg.Issuer
	claims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(lifetime))

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = key.KeyID()

	raw, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return IssuedToken{
		Raw:        raw,
		ID:         claims.ID,
		Type:       claims.Type,
		Subject:    claims.Subject,
		Scope:      claims.Scope,
		IssuedAt:   claims.IssuedAt.Time,
		ExpiresAt:  claims.ExpiresAt.Time,
		KeyVersion: key.Version,
	}, nil
}

// intersect keeps the entries of scope that are also in ceiling, in
// scope's order.
func intersect(scope, ceiling []string) []string {
	allowed := make(map[string]struct{}, len(ceiling))
	for _, s := range ceiling {
		allowed[s] = struct{}{}
	}
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		if _, ok := allowed[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
