package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocloud.dev/secrets/localsecrets"

	"token-service/internal/auth"
	"token-service/internal/cache"
	"token-service/internal/clock"
	"token-service/internal/keystore"
	"token-service/internal/revocation"
)

const (
	testIssuer   = "https://auth.internal"
	testAudience = "platform"
	testGrace    = 8 * 24 * time.Hour
	renewGrace   = 5 * time.Minute
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticServices map[string][]string

func (s staticServices) MaxScopes(name string) ([]string, bool) {
	scopes, ok := s[name]
	return scopes, ok
}

type fixture struct {
	clk         *clock.FakeClock
	keys        *keystore.KeyStore
	mr          *miniredis.Miniredis
	revocations *revocation.Registry
	services    staticServices
	verifier    *auth.Verifier
	issuer      *auth.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	clk := clock.Fake(epoch)

	secret, err := localsecrets.NewRandomKey()
	require.NoError(t, err)
	keeper := localsecrets.NewKeeper(secret)
	t.Cleanup(func() { _ = keeper.Close() })

	keys, err := keystore.New(ctx, keystore.NewMemoryRepository(), keeper, clk, keystore.Options{
		GraceWindow: testGrace,
		CacheTTL:    time.Second,
	}, logger)
	require.NoError(t, err)
	_, err = keys.EnsureActive(ctx)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	c, err := cache.NewCache("redis://"+mr.Addr(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	revocations := revocation.NewRegistry(c, clk, time.Second, logger)

	services := staticServices{
		"intelligence": {"read:memory", "write:notes"},
		"notes-api":    {"read:notes", "write:notes", "read:memory:own"},
	}

	verifier := auth.NewVerifier(keys, revocations, clk, auth.VerifierConfig{
		ClockSkew:    30 * time.Second,
		StoreTimeout: time.Second,
	}, logger)
	issuer := auth.NewIssuer(keys, services, verifier, revocations, clk, auth.IssuerConfig{
		Issuer:       testIssuer,
		Audience:     testAudience,
		Lifetimes:    auth.DefaultLifetimes,
		RenewGrace:   renewGrace,
		StoreTimeout: time.Second,
	}, logger)

	return &fixture{
		clk:         clk,
		keys:        keys,
		mr:          mr,
		revocations: revocations,
		services:    services,
		verifier:    verifier,
		issuer:      issuer,
	}
}

// rotate begins and promotes a new key.
func (f *fixture) rotate(t *testing.T) keystore.KeyVersion {
	t.Helper()
	ctx := context.Background()
	pending, err := f.keys.BeginRotation(ctx)
	require.NoError(t, err)
	require.NoError(t, f.keys.Promote(ctx, pending.Version))
	return pending
}
