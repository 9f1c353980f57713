package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocloud.dev/secrets/localsecrets"
	"golang.org/x/crypto/bcrypt"

	"token-service/internal/auth"
	"token-service/internal/cache"
	"token-service/internal/clock"
	"token-service/internal/keystore"
	"token-service/internal/limiter"
	"token-service/internal/models"
	"token-service/internal/registry"
	"token-service/internal/revocation"
	"token-service/internal/rotation"
)

const (
	testAudience = "platform"
	notesSecret  = "notes-secret"
	adminSecret  = "admin-secret"
	userPassword = "correct horse battery staple"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockUserStore struct {
	mock.Mock
}

func (m *mockUserStore) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	args := m.Called(ctx, identifier)
	if u := args.Get(0); u != nil {
		return u.(*models.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	args := m.Called(ctx, id)
	if u := args.Get(0); u != nil {
		return u.(*models.User), args.Error(1)
	}
	return nil, args.Error(1)
}

type fixture struct {
	clk         *clock.FakeClock
	mr          *miniredis.Miniredis
	cache       *cache.Cache
	keys        *keystore.KeyStore
	limiter     *limiter.Limiter
	revocations *revocation.Registry
	registry    *registry.Registry
	verifier    *auth.Verifier
	issuer      *auth.Issuer
	authorizer  *auth.ScopeAuthorizer
	coordinator *rotation.Coordinator
	logger      *zap.Logger
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
		GraceWindow: 8 * 24 * time.Hour,
		CacheTTL:    time.Second,
	}, logger)
	require.NoError(t, err)
	_, err = keys.EnsureActive(ctx)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	c, err := cache.NewCache("redis://"+mr.Addr(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	lim, err := limiter.New(c, limiter.Options{StoreTimeout: time.Second}, logger)
	require.NoError(t, err)
	revocations := revocation.NewRegistry(c, clk, time.Second, logger)

	reg, err := registry.New(map[string]registry.Service{
		"notes-api": {
			ClientSecretHash: hash(t, notesSecret),
			Scopes:           []string{"read:notes", "write:notes", "read:memory:own"},
		},
		"ops": {
			ClientSecretHash: hash(t, adminSecret),
			Scopes:           []string{"admin:keys", "revoke:token"},
		},
	})
	require.NoError(t, err)

	verifier := auth.NewVerifier(keys, revocations, clk, auth.VerifierConfig{
		ClockSkew:    30 * time.Second,
		StoreTimeout: time.Second,
	}, logger)
	issuer := auth.NewIssuer(keys, reg, verifier, revocations, clk, auth.IssuerConfig{
		Issuer:       "https://auth.internal",
		Audience:     testAudience,
		Lifetimes:    auth.DefaultLifetimes,
		RenewGrace:   5 * time.Minute,
		StoreTimeout: time.Second,
	}, logger)

	return &fixture{
		clk:         clk,
		mr:          mr,
		cache:       c,
		keys:        keys,
		limiter:     lim,
		revocations: revocations,
		registry:    reg,
		verifier:    verifier,
		issuer:      issuer,
		authorizer:  auth.NewScopeAuthorizer(logger),
		coordinator: rotation.NewCoordinator(keys, logger),
		logger:      logger,
	}
}

func hash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func testUser(t *testing.T) *models.User {
	return &models.User{
		ID:           "user-42",
		Identifier:   "ada@example.com",
		PasswordHash: hash(t, userPassword),
		Attributes:   map[string]string{"tier": "pro"},
	}
}

// serviceToken issues a token for a registered service.
func (f *fixture) serviceToken(t *testing.T, name string, scope ...string) string {
	t.Helper()
	token, err := f.issuer.IssueServiceToken(context.Background(), name, scope)
	require.NoError(t, err)
	return token.Raw
}

func jsonRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}
