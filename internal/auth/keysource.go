package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"token-service/internal/clock"
	"token-service/internal/keystore"
)

// RemoteKeySource serves verification keys from the trust root's JWKS
// endpoint. Services other than the trust root never hold secret key
// material; they verify with this.
type RemoteKeySource struct {
	cache      *jwk.Cache
	url        string
	minRefresh time.Duration
	clock      clock.Clock
	logger     *zap.Logger

	mu          sync.Mutex
	lastRefresh time.Time
}

// NewRemoteKeySource registers jwksURL with a jwk.Cache and performs the
// first fetch. ctx bounds the lifetime of the cache's refresh loop.
func NewRemoteKeySource(ctx context.Context, jwksURL string, minRefresh time.Duration, client *http.Client, clk clock.Clock, logger *zap.Logger) (*RemoteKeySource, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	c := jwk.NewCache(ctx)
	if err := c.Register(jwksURL,
		jwk.WithMinRefreshInterval(minRefresh),
		jwk.WithHTTPClient(client),
	); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	if _, err := c.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	return &RemoteKeySource{
		cache:       c,
		url:         jwksURL,
		minRefresh:  minRefresh,
		clock:       clk,
		logger:      logger,
		lastRefresh: clk.Now(),
	}, nil
}

// VerificationKey looks version up in the cached set. An unknown kid
// triggers at most one forced refresh per refresh interval, so a key
// promoted after the last fetch is picked up without waiting.
func (s *RemoteKeySource) VerificationKey(ctx context.Context, version int64) (ed25519.PublicKey, error) {
	set, err := s.cache.Get(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keystore.ErrStoreUnavailable, err)
	}

	kid := strconv.FormatInt(version, 10)
	key, ok := set.LookupKeyID(kid)
	if !ok && s.mayForceRefresh() {
		s.logger.Debug("Unknown key id, refreshing JWKS", zap.Int64("key_version", version))
		set, err = s.cache.Refresh(ctx, s.url)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", keystore.ErrStoreUnavailable, err)
		}
		key, ok = set.LookupKeyID(kid)
	}
	if !ok {
		return nil, keystore.ErrKeyNotFound
	}

	var public ed25519.PublicKey
	if err := key.Raw(&public); err != nil {
		return nil, keystore.ErrKeyNotFound
	}
	return public, nil
}

func (s *RemoteKeySource) mayForceRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now.Sub(s.lastRefresh) < s.minRefresh {
		return false
	}
	s.lastRefresh = now
	return true
}
