// Package tokenclient obtains and caches a service's own token from the
// token service, renewing it before it expires.
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"token-service/internal/auth"
	"token-service/internal/clock"
	"token-service/internal/models"
)

const (
	issuePath = "/v1/service-tokens"
	renewPath = "/v1/service-tokens/renew"

	defaultRenewFraction = 0.8
	refreshTimeout       = 30 * time.Second
	maxErrorBody         = 4 << 10
)

// RejectedError is returned when the token service answers with a non-2xx
// status.
type RejectedError struct {
	Status int
	Code   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("token service rejected request: %d %s", e.Status, e.Code)
}

// Config describes the calling service and where to reach the token service.
type Config struct {
	BaseURL      string
	ServiceName  string
	ClientSecret string
	// Scope narrows the requested token; empty asks for the full ceiling.
	Scope []string
	// RenewFraction of the lifetime after which the token is renewed.
	// Defaults to 0.8.
	RenewFraction float64
	HTTPClient    *http.Client
}

type cachedToken struct {
	raw       string
	renewAt   time.Time
	expiresAt time.Time
}

// Source hands out a valid service token. It is safe for concurrent use;
// concurrent callers share a single in-flight request.
type Source struct {
	cfg    Config
	client *http.Client
	clk    clock.Clock
	logger *zap.Logger

	group   singleflight.Group
	mu      sync.Mutex
	current *cachedToken
}

// New creates a Source.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("tokenclient: base URL is required")
	}
	if cfg.ServiceName == "" || cfg.ClientSecret == "" {
		return nil, errors.New("tokenclient: service name and client secret are required")
	}
	if cfg.RenewFraction <= 0 || cfg.RenewFraction >= 1 {
		cfg.RenewFraction = defaultRenewFraction
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Source{cfg: cfg, client: client, clk: clk, logger: logger}, nil
}

// Token returns the cached token, fetching or renewing it when due.
// If renewal fails while the cached token is still valid, the cached
// token is returned.
func (s *Source) Token(ctx context.Context) (string, error) {
	now := s.clk.Now()
	cached := s.cached()
	if cached != nil && now.Before(cached.renewAt) {
		return cached.raw, nil
	}

	// The shared refresh outlives the caller that started it.
	ch := s.group.DoChan("token", func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(refreshCtx, cached)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res = singleflight.Result{Err: ctx.Err()}
	}
	if err := res.Err; err != nil {
		if cached != nil && now.Before(cached.expiresAt) {
			s.logger.Warn("Service token refresh failed, using cached token",
				zap.String("service_name", s.cfg.ServiceName),
				zap.Time("expires_at", cached.expiresAt),
				zap.Error(err),
			)
			return cached.raw, nil
		}
		return "", err
	}
	return res.Val.(*cachedToken).raw, nil
}

func (s *Source) cached() *cachedToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Source) refresh(ctx context.Context, previous *cachedToken) (*cachedToken, error) {
	// Another caller may have refreshed while this one waited.
	if current := s.cached(); current != previous && current != nil {
		return current, nil
	}

	var (
		resp *models.ServiceTokenResponse
		err  error
	)
	if previous != nil {
		resp, err = s.renew(ctx, previous.raw)
		if err != nil {
			s.logger.Info("Service token renewal rejected, requesting a new token",
				zap.String("service_name", s.cfg.ServiceName),
				zap.Error(err),
			)
		}
	}
	if resp == nil {
		resp, err = s.issue(ctx)
		if err != nil {
			return nil, err
		}
	}

	now := s.clk.Now()
	lifetime := time.Duration(resp.ExpiresIn) * time.Second
	token := &cachedToken{
		raw:       resp.Token,
		renewAt:   now.Add(time.Duration(float64(lifetime) * s.cfg.RenewFraction)),
		expiresAt: now.Add(lifetime),
	}

	s.mu.Lock()
	s.current = token
	s.mu.Unlock()

	s.logger.Debug("Service token obtained",
		zap.String("service_name", s.cfg.ServiceName),
		zap.Time("renew_at", token.renewAt),
	)
	return token, nil
}

func (s *Source) issue(ctx context.Context) (*models.ServiceTokenResponse, error) {
	body, err := json.Marshal(models.ServiceTokenRequest{
		ServiceName:  s.cfg.ServiceName,
		ClientSecret: s.cfg.ClientSecret,
		Scope:        s.cfg.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+issuePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *Source) renew(ctx context.Context, raw string) (*models.ServiceTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+renewPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build renewal request: %w", err)
	}
	req.Header.Set(auth.ServiceTokenHeader, raw)
	return s.do(req)
}

func (s *Source) do(req *http.Request) (*models.ServiceTokenResponse, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body models.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body)
		return nil, &RejectedError{Status: resp.StatusCode, Code: body.Error}
	}

	var out models.ServiceTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.Token == "" || out.ExpiresIn <= 0 {
		return nil, errors.New("token service returned an empty token")
	}
	return &out, nil
}

// Transport returns an http.RoundTripper that adds the service token to
// every request. A nil base uses http.DefaultTransport.
func (s *Source) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{source: s, base: base}
}

type transport struct {
	source *Source
	base   http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	out := req.Clone(req.Context())
	out.Header.Set(auth.ServiceTokenHeader, token)
	return t.base.RoundTrip(out)
}
