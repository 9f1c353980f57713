package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-service/internal/auth"
	"token-service/internal/handlers"
	"token-service/internal/models"
)

func issueServiceToken(h *handlers.ServiceTokenHandler, t *testing.T, req models.ServiceTokenRequest) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.HandleIssue(rr, jsonRequest(t, http.MethodPost, "/v1/service-tokens", req))
	return rr
}

func TestHandleIssue(t *testing.T) {
	f := newFixture(t)
	h := handlers.NewServiceTokenHandler(f.registry, f.limiter, f.issuer, f.logger)

	tests := []struct {
		name       string
		req        models.ServiceTokenRequest
		wantStatus int
		wantScope  []string
	}{
		{
			name:       "subset of allowance",
			req:        models.ServiceTokenRequest{ServiceName: "notes-api", ClientSecret: notesSecret, Scope: []string{"read:notes"}},
			wantStatus: http.StatusOK,
			wantScope:  []string{"read:notes"},
		},
		{
			name:       "empty scope means full allowance",
			req:        models.ServiceTokenRequest{ServiceName: "notes-api", ClientSecret: notesSecret},
			wantStatus: http.StatusOK,
			wantScope:  []string{"read:notes", "write:notes", "read:memory:own"},
		},
		{
			name:       "scope beyond allowance",
			req:        models.ServiceTokenRequest{ServiceName: "notes-api", ClientSecret: notesSecret, Scope: []string{"read:notes", "admin:keys"}},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "malformed scope",
			req:        models.ServiceTokenRequest{ServiceName: "notes-api", ClientSecret: notesSecret, Scope: []string{"read:*"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong secret",
			req:        models.ServiceTokenRequest{ServiceName: "notes-api", ClientSecret: "nope"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown service",
			req:        models.ServiceTokenRequest{ServiceName: "billing", ClientSecret: "nope"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing secret",
			req:        models.ServiceTokenRequest{ServiceName: "notes-api"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := issueServiceToken(h, t, tt.req)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			resp := decode[models.ServiceTokenResponse](t, rr)
			assert.Equal(t, "service", resp.TokenType)
			assert.Equal(t, tt.wantScope, resp.Scope)
			assert.Equal(t, int64(auth.DefaultLifetimes.Service.Seconds()), resp.ExpiresIn)

			claims, err := f.verifier.Verify(context.Background(), resp.Token, auth.TypeService, testAudience)
			require.NoError(t, err)
			assert.Equal(t, tt.req.ServiceName, claims.Subject)
			assert.Equal(t, tt.req.ServiceName, claims.ServiceName)
			assert.Equal(t, tt.wantScope, claims.Scope)
		})
	}
}

func TestHandleIssue_SecretGuessingLocksOut(t *testing.T) {
	f := newFixture(t)
	h := handlers.NewServiceTokenHandler(f.registry, f.limiter, f.issuer, f.logger)

	for i := 0; i < 5; i++ {
		rr := issueServiceToken(h, t, models.ServiceTokenRequest{ServiceName: "notes-api", ClientSecret: "guess"})
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	rr := issueServiceToken(h, t, models.ServiceTokenRequest{ServiceName: "notes-api", ClientSecret: notesSecret})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestHandleRenew(t *testing.T) {
	f := newFixture(t)
	h := handlers.NewServiceTokenHandler(f.registry, f.limiter, f.issuer, f.logger)
	old := f.serviceToken(t, "notes-api", "read:notes")

	renew := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/service-tokens/renew", nil)
		if token != "" {
			req.Header.Set(auth.ServiceTokenHeader, token)
		}
		rr := httptest.NewRecorder()
		h.HandleRenew(rr, req)
		return rr
	}

	f.clk.Advance(auth.DefaultLifetimes.Service + time.Minute)

	rr := renew(old)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[models.ServiceTokenResponse](t, rr)
	assert.Equal(t, []string{"read:notes"}, resp.Scope)

	assert.Equal(t, http.StatusUnauthorized, renew(old).Code, "a token renews once")
	assert.Equal(t, http.StatusUnauthorized, renew("").Code)

	tokens, err := f.issuer.IssueUserTokens(context.Background(), "user-42", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, renew(tokens.Access.Raw).Code)
}
