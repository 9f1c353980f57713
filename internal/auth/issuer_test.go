package auth_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"token-service/internal/auth"
	"token-service/internal/keystore"
)

func TestIssueUserTokens(t *testing.T) {
	f := newFixture(t)
	pair, err := f.issuer.IssueUserTokens(context.Background(), "user-1", nil)
	require.NoError(t, err)

	assert.NotEqual(t, pair.Access.ID, pair.Refresh.ID)
	assert.Equal(t, epoch.Add(15*time.Minute), pair.Access.ExpiresAt)
	assert.Equal(t, epoch.Add(7*24*time.Hour), pair.Refresh.ExpiresAt)
	assert.Equal(t, int64(900), pair.Access.ExpiresIn())
	assert.Equal(t, int64(1), pair.Access.KeyVersion)
}

func TestIssueUserTokens_EmptyUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.issuer.IssueUserTokens(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestIssueServiceToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		service   string
		scope     []string
		wantScope []string
		wantErr   error
	}{
		{
			name:      "subset of allowance",
			service:   "intelligence",
			scope:     []string{"read:memory"},
			wantScope: []string{"read:memory"},
		},
		{
			name:      "empty request gets full allowance",
			service:   "intelligence",
			wantScope: []string{"read:memory", "write:notes"},
		},
		{
			name:      "duplicates collapse",
			service:   "intelligence",
			scope:     []string{"write:notes", "read:memory", "write:notes"},
			wantScope: []string{"write:notes", "read:memory"},
		},
		{
			name:    "scope beyond allowance",
			service: "intelligence",
			scope:   []string{"read:memory", "write:memory"},
			wantErr: auth.ErrScopeNotAllowed,
		},
		{
			name:    "modifier removed is not the same scope",
			service: "notes-api",
			scope:   []string{"read:memory"},
			wantErr: auth.ErrScopeNotAllowed,
		},
		{
			name:    "wildcard is just an invalid scope",
			service: "intelligence",
			scope:   []string{"read:*"},
			wantErr: auth.ErrInvalidScope,
		},
		{
			name:    "unknown service",
			service: "billing",
			scope:   []string{"read:memory"},
			wantErr: auth.ErrUnknownService,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := f.issuer.IssueServiceToken(ctx, tt.service, tt.scope)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, token.Raw)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScope, token.Scope)
			assert.Equal(t, epoch.Add(24*time.Hour), token.ExpiresAt)
			assert.Equal(t, tt.service, token.Subject)
		})
	}
}

type failingKeys struct{}

func (failingKeys) ActiveKey(context.Context) (keystore.SigningKey, error) {
	return keystore.SigningKey{}, keystore.ErrStoreUnavailable
}

func TestIssue_KeyStoreFailureMintsNothing(t *testing.T) {
	f := newFixture(t)
	issuer := auth.NewIssuer(failingKeys{}, f.services, f.verifier, f.revocations, f.clk, auth.IssuerConfig{
		Issuer:   testIssuer,
		Audience: testAudience,
	}, zap.NewNop())

	_, err := issuer.IssueUserTokens(context.Background(), "user-1", nil)
	assert.ErrorIs(t, err, keystore.ErrStoreUnavailable)
	_, err = issuer.IssueServiceToken(context.Background(), "intelligence", nil)
	assert.ErrorIs(t, err, keystore.ErrStoreUnavailable)
}

func TestRenewServiceToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, err := f.issuer.IssueServiceToken(ctx, "intelligence", []string{"read:memory"})
	require.NoError(t, err)

	f.clk.Advance(20 * time.Hour)
	renewed, err := f.issuer.RenewServiceToken(ctx, original.Raw)
	require.NoError(t, err)

	assert.NotEqual(t, original.ID, renewed.ID)
	assert.Equal(t, original.Subject, renewed.Subject)
	assert.Equal(t, []string{"read:memory"}, renewed.Scope)
	assert.Equal(t, f.clk.Now().Add(24*time.Hour), renewed.ExpiresAt)

	// One-shot: the original cannot be renewed or used again.
	_, err = f.issuer.RenewServiceToken(ctx, original.Raw)
	assert.ErrorIs(t, err, auth.ErrRevoked)
	_, err = f.verifier.Verify(ctx, original.Raw, auth.TypeService, testAudience)
	assert.ErrorIs(t, err, auth.ErrRevoked)
}

func TestRenewServiceToken_Grace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	within, err := f.issuer.IssueServiceToken(ctx, "intelligence", nil)
	require.NoError(t, err)
	beyond, err := f.issuer.IssueServiceToken(ctx, "intelligence", nil)
	require.NoError(t, err)

	f.clk.Set(within.ExpiresAt.Add(renewGrace - time.Second))
	_, err = f.issuer.RenewServiceToken(ctx, within.Raw)
	require.NoError(t, err)

	f.clk.Set(beyond.ExpiresAt.Add(renewGrace))
	_, err = f.issuer.RenewServiceToken(ctx, beyond.Raw)
	assert.ErrorIs(t, err, auth.ErrExpired)

	// Grace applies to renewal only, never to plain verification.
	_, err = f.verifier.Verify(ctx, beyond.Raw, auth.TypeService, testAudience)
	assert.ErrorIs(t, err, auth.ErrExpired)
}

func TestRenewServiceToken_NeverWidensScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, err := f.issuer.IssueServiceToken(ctx, "intelligence", []string{"read:memory", "write:notes"})
	require.NoError(t, err)

	// The allowance shrinks and also grows elsewhere; the renewed scope
	// may only lose entries.
	f.services["intelligence"] = []string{"read:memory", "admin:keys"}
	renewed, err := f.issuer.RenewServiceToken(ctx, original.Raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"read:memory"}, renewed.Scope)

	again, err := f.issuer.RenewServiceToken(ctx, renewed.Raw)
	require.NoError(t, err)
	assert.Subset(t, renewed.Scope, again.Scope)
	assert.NotContains(t, again.Scope, "admin:keys")
}

func TestRenewServiceToken_ServiceRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original, err := f.issuer.IssueServiceToken(ctx, "intelligence", nil)
	require.NoError(t, err)

	delete(f.services, "intelligence")
	_, err = f.issuer.RenewServiceToken(ctx, original.Raw)
	assert.ErrorIs(t, err, auth.ErrUnknownService)
}

func TestRenewServiceToken_RejectsUserToken(t *testing.T) {
	f := newFixture(t)
	pair, err := f.issuer.IssueUserTokens(context.Background(), "user-1", nil)
	require.NoError(t, err)

	_, err = f.issuer.RenewServiceToken(context.Background(), pair.Access.Raw)
	assert.ErrorIs(t, err, auth.ErrTypeMismatch)
}

func TestRefreshUserTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", map[string]string{"tenant": "t1"})
	require.NoError(t, err)

	f.clk.Advance(time.Hour)
	next, err := f.issuer.RefreshUserTokens(ctx, pair.Refresh.Raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", next.Access.Subject)
	assert.NotEqual(t, pair.Refresh.ID, next.Refresh.ID)

	claims, err := f.verifier.Verify(ctx, next.Access.Raw, auth.TypeUserAccess, testAudience)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tenant": "t1"}, claims.Attributes)

	_, err = f.issuer.RefreshUserTokens(ctx, pair.Refresh.Raw)
	assert.ErrorIs(t, err, auth.ErrRevoked, "refresh tokens are single use")

	_, err = f.issuer.RefreshUserTokens(ctx, next.Access.Raw)
	assert.ErrorIs(t, err, auth.ErrTypeMismatch)
}

func TestRefreshUserTokens_RevocationStoreDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	f.mr.Close()
	_, err = f.issuer.RefreshUserTokens(ctx, pair.Refresh.Raw)
	assert.ErrorIs(t, err, auth.ErrStoreUnavailable)
}

func TestRefreshUserTokens_ConcurrentRedemptionSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	const callers = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.issuer.RefreshUserTokens(ctx, pair.Refresh.Raw)
			if err == nil {
				successes.Add(1)
				return
			}
			assert.ErrorIs(t, err, auth.ErrRevoked)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestRenewServiceToken_ConcurrentRenewalSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original, err := f.issuer.IssueServiceToken(ctx, "intelligence", nil)
	require.NoError(t, err)

	const callers = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.issuer.RenewServiceToken(ctx, original.Raw)
			if err == nil {
				successes.Add(1)
				return
			}
			assert.ErrorIs(t, err, auth.ErrRevoked)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestRotationSafety(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.issuer.IssueServiceToken(ctx, "intelligence", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), before.KeyVersion)

	f.rotate(t)

	after, err := f.issuer.IssueServiceToken(ctx, "intelligence", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.KeyVersion)

	_, err = f.verifier.Verify(ctx, before.Raw, auth.TypeService, testAudience)
	require.NoError(t, err, "pre-rotation tokens verify during the grace window")
	_, err = f.verifier.Verify(ctx, after.Raw, auth.TypeService, testAudience)
	require.NoError(t, err, "post-rotation tokens verify immediately")

	// A user refresh token lives longest; it outlasts the rotation.
	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)
	f.rotate(t)
	f.clk.Advance(7*24*time.Hour - time.Second)
	_, err = f.verifier.Verify(ctx, pair.Refresh.Raw, auth.TypeUserRefresh, testAudience)
	require.NoError(t, err)
}

func TestVerify_OldKeyRejectedAfterSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	f.rotate(t)
	f.clk.Advance(testGrace + time.Second)
	_, err = f.keys.Sweep(ctx, f.clk.Now())
	require.NoError(t, err)

	fresh, err := f.issuer.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	_, err = f.verifier.Verify(ctx, pair.Access.Raw, auth.TypeUserAccess, testAudience)
	var verr *auth.VerificationError
	require.True(t, errors.As(err, &verr))

	_, err = f.verifier.Verify(ctx, fresh.Access.Raw, auth.TypeUserAccess, testAudience)
	require.NoError(t, err)
}

func TestVerify_SweptKeyReportedBeforeExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An access lifetime longer than the grace window isolates the key
	// check from the expiry check.
	long := auth.NewIssuer(f.keys, f.services, f.verifier, f.revocations, f.clk, auth.IssuerConfig{
		Issuer:    testIssuer,
		Audience:  testAudience,
		Lifetimes: auth.Lifetimes{Access: 30 * 24 * time.Hour, Refresh: time.Hour, Service: time.Hour},
	}, zap.NewNop())
	pair, err := long.IssueUserTokens(ctx, "user-1", nil)
	require.NoError(t, err)

	f.rotate(t)
	f.clk.Advance(testGrace)
	_, err = f.keys.Sweep(ctx, f.clk.Now())
	require.NoError(t, err)

	_, err = f.verifier.Verify(ctx, pair.Access.Raw, auth.TypeUserAccess, testAudience)
	assertReason(t, err, auth.ErrKeyNotFound)
}

func TestLifetimes_Longest(t *testing.T) {
	assert.Equal(t, 7*24*time.Hour, auth.DefaultLifetimes.Longest())
	assert.Equal(t, time.Hour, auth.Lifetimes{Access: time.Hour}.Longest())
}
