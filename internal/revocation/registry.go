// Package revocation keeps the denylist of explicitly revoked token ids.
//
// Entries live exactly as long as the token they revoke would have, so
// the registry only ever holds live tokens that were revoked.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"token-service/internal/clock"
)

const keyPrefix = "revoked:jti:"

// ErrEmptyTokenID is returned when revoking without a token id.
var ErrEmptyTokenID = errors.New("revocation: empty token id")

// Store is the subset of cache operations the registry depends on.
type Store interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Registry is a TTL-backed set of revoked token ids.
type Registry struct {
	store   Store
	clock   clock.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry creates a Registry. timeout bounds every store call.
func NewRegistry(store Store, clk clock.Clock, timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Registry{
		store:   store,
		clock:   clk,
		timeout: timeout,
		logger:  logger,
	}
}

// Revoke denylists tokenID until expiresAt. Revoking a token that has
// already expired is a no-op.
func (r *Registry) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return ErrEmptyTokenID
	}

	now := r.clock.Now()
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		r.logger.Debug("Skipping revocation of expired token", zap.String("token_id", tokenID))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.store.SetWithTTL(ctx, keyPrefix+tokenID, now.UTC().Format(time.RFC3339), remaining); err != nil {
		return fmt.Errorf("revocation: storing entry: %w", err)
	}

	r.logger.Info("Token revoked",
		zap.String("token_id", tokenID),
		zap.Time("expires_at", expiresAt))
	return nil
}

// RevokeOnce denylists tokenID until expiresAt unless it is already
// denylisted, and reports whether this call added the entry. Exactly one
// of any number of concurrent callers wins, across instances sharing the
// store. A token whose window has already closed cannot be claimed.
func (r *Registry) RevokeOnce(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	if tokenID == "" {
		return false, ErrEmptyTokenID
	}

	now := r.clock.Now()
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	claimed, err := r.store.SetIfAbsent(ctx, keyPrefix+tokenID, now.UTC().Format(time.RFC3339), remaining)
	if err != nil {
		return false, fmt.Errorf("revocation: claiming entry: %w", err)
	}
	if !claimed {
		r.logger.Info("Token already revoked", zap.String("token_id", tokenID))
		return false, nil
	}

	r.logger.Info("Token revoked",
		zap.String("token_id", tokenID),
		zap.Time("expires_at", expiresAt))
	return true, nil
}

// IsRevoked reports whether tokenID is on the denylist. Errors must be
// treated as "revoked" by callers: verification fails closed.
func (r *Registry) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	revoked, err := r.store.Exists(ctx, keyPrefix+tokenID)
	if err != nil {
		return false, fmt.Errorf("revocation: checking entry: %w", err)
	}
	return revoked, nil
}
