package auth_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-service/internal/auth"
)

func assertReason(t *testing.T, err error, reason error) {
	t.Helper()
	require.Error(t, err)
	var verr *auth.VerificationError
	require.True(t, errors.As(err, &verr), "expected *VerificationError, got %T", err)
	assert.ErrorIs(t, err, reason)
}

func TestVerify_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", map[string]string{"tenant": "t1"})
	require.NoError(t, err)
	service, err := f.issuer.IssueServiceToken(ctx, "intelligence", []string{"read:memory"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   auth.IssuedToken
		typ     auth.TokenType
		subject string
	}{
		{"user access", pair.Access, auth.TypeUserAccess, "user-1"},
		{"user refresh", pair.Refresh, auth.TypeUserRefresh, "user-1"},
		{"service", service, auth.TypeService, "intelligence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := f.verifier.Verify(ctx, tt.token.Raw, tt.typ, testAudience)
			require.NoError(t, err)
			assert.Equal(t, tt.subject, claims.Subject)
			assert.Equal(t, tt.typ, claims.Type)
			assert.Equal(t, tt.token.ID, claims.ID)
			assert.Equal(t, testIssuer, claims.Issuer)
			assert.Equal(t, tt.token.ExpiresAt, claims.Expiry())
		})
	}

	claims, err := f.verifier.Verify(ctx, pair.Access.Raw, auth.TypeUserAccess, testAudience)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tenant": "t1"}, claims.Attributes)

	claims, err = f.verifier.Verify(ctx, service.Raw, auth.TypeService, testAudience)
	require.NoError(t, err)
	assert.Equal(t, []string{"read:memory"}, claims.Scope)
	assert.Equal(t, "intelligence", claims.ServiceName)
}

func TestVerify_TypeMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	_, err = f.verifier.Verify(ctx, pair.Refresh.Raw, auth.TypeUserAccess, testAudience)
	assertReason(t, err, auth.ErrTypeMismatch)

	_, err = f.verifier.Verify(ctx, pair.Access.Raw, auth.TypeService, testAudience)
	assertReason(t, err, auth.ErrTypeMismatch)
}

func TestVerify_AudienceMismatch(t *testing.T) {
	f := newFixture(t)
	pair, err := f.issuer.IssueUserTokens(context.Background(), "user-1", nil)
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), pair.Access.Raw, auth.TypeUserAccess, "other")
	assertReason(t, err, auth.ErrAudienceMismatch)
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	f.clk.Set(pair.Access.ExpiresAt.Add(-time.Second))
	_, err = f.verifier.Verify(ctx, pair.Access.Raw, auth.TypeUserAccess, testAudience)
	require.NoError(t, err)

	f.clk.Set(pair.Access.ExpiresAt)
	_, err = f.verifier.Verify(ctx, pair.Access.Raw, auth.TypeUserAccess, testAudience)
	assertReason(t, err, auth.ErrExpired)

	f.clk.Set(pair.Access.ExpiresAt.Add(time.Second))
	_, err = f.verifier.Verify(ctx, pair.Access.Raw, auth.TypeUserAccess, testAudience)
	assertReason(t, err, auth.ErrExpired)
}

func TestVerify_IssuedInTheFuture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Issued by an instance whose clock runs ahead.
	f.clk.Set(epoch.Add(20 * time.Second))
	within, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)
	f.clk.Set(epoch.Add(time.Minute))
	beyond, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	f.clk.Set(epoch)
	_, err = f.verifier.Verify(ctx, within.Access.Raw, auth.TypeUserAccess, testAudience)
	require.NoError(t, err, "20s ahead is inside the 30s skew tolerance")

	_, err = f.verifier.Verify(ctx, beyond.Access.Raw, auth.TypeUserAccess, testAudience)
	assertReason(t, err, auth.ErrExpired)
}

func TestVerify_Revoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	require.NoError(t, f.revocations.Revoke(ctx, pair.Access.ID, pair.Access.ExpiresAt))

	for i := 0; i < 3; i++ {
		f.clk.Advance(4 * time.Minute)
		_, err = f.verifier.Verify(ctx, pair.Access.Raw, auth.TypeUserAccess, testAudience)
		assertReason(t, err, auth.ErrRevoked)
	}

	// The other token of the pair is unaffected.
	_, err = f.verifier.Verify(ctx, pair.Refresh.Raw, auth.TypeUserRefresh, testAudience)
	require.NoError(t, err)

	// The entry lives no longer than the token.
	assert.LessOrEqual(t, f.mr.TTL("revoked:jti:"+pair.Access.ID), 15*time.Minute)
	f.mr.FastForward(15 * time.Minute)
	assert.False(t, f.mr.Exists("revoked:jti:"+pair.Access.ID))
}

func TestVerify_UnknownKeyVersion(t *testing.T) {
	f := newFixture(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	raw := signWith(t, priv, "99", jwt.MapClaims{
		"typ": "user_access",
		"sub": "user-1",
		"aud": testAudience,
		"jti": "x",
		"iat": epoch.Unix(),
		"exp": epoch.Add(time.Minute).Unix(),
	})
	_, err = f.verifier.Verify(context.Background(), raw, auth.TypeUserAccess, testAudience)
	assertReason(t, err, auth.ErrKeyNotFound)
}

func TestVerify_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Forged with a foreign key under a real kid.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	raw := signWith(t, priv, "1", jwt.MapClaims{
		"typ": "service",
		"sub": "intelligence",
		"scp": []string{"admin:keys"},
		"aud": testAudience,
		"jti": "forged",
		"iat": epoch.Unix(),
		"exp": epoch.Add(time.Hour).Unix(),
	})
	_, err = f.verifier.Verify(ctx, raw, auth.TypeService, testAudience)
	assertReason(t, err, auth.ErrInvalidSignature)

	// Payload swapped on a genuine token.
	genuine, err := f.issuer.IssueServiceToken(ctx, "intelligence", []string{"read:memory"})
	require.NoError(t, err)
	parts := strings.Split(genuine.Raw, ".")
	forgedParts := strings.Split(raw, ".")
	tampered := parts[0] + "." + forgedParts[1] + "." + parts[2]
	_, err = f.verifier.Verify(ctx, tampered, auth.TypeService, testAudience)
	assertReason(t, err, auth.ErrInvalidSignature)
}

func TestVerify_Malformed(t *testing.T) {
	f := newFixture(t)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"typ": "service"})
	hs.Header["kid"] = "1"
	hsRaw, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"garbage", "not-a-token", auth.ErrMalformed},
		{"empty", "", auth.ErrMalformed},
		{"hmac algorithm", hsRaw, auth.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.verifier.Verify(context.Background(), tt.raw, auth.TypeService, testAudience)
			assertReason(t, err, tt.want)
		})
	}
}

func TestVerify_MissingKid(t *testing.T) {
	f := newFixture(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	raw := signWith(t, priv, "", jwt.MapClaims{"typ": "service"})

	_, err = f.verifier.Verify(context.Background(), raw, auth.TypeService, testAudience)
	assertReason(t, err, auth.ErrKeyNotFound)
}

func TestVerify_RevocationStoreDownFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	f.mr.Close()
	_, err = f.verifier.Verify(ctx, pair.Access.Raw, auth.TypeUserAccess, testAudience)
	assertReason(t, err, auth.ErrStoreUnavailable)
}

func TestVerificationError_HidesNothingButReason(t *testing.T) {
	err := &auth.VerificationError{Reason: auth.ErrRevoked, TokenID: "abc"}
	assert.Equal(t, "token verification failed: token revoked", err.Error())
	assert.ErrorIs(t, err, auth.ErrRevoked)
}

func signWith(t *testing.T, priv ed25519.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	raw, err := token.SignedString(priv)
	require.NoError(t, err)
	return raw
}
