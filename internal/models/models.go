package models

import "time"

// User is a login principal. PasswordHash is a bcrypt hash; Attributes
// are copied into user tokens and must not contain PII.
type User struct {
	ID           string            `db:"id"`
	Identifier   string            `db:"identifier"`
	PasswordHash string            `db:"password_hash"`
	Attributes   map[string]string `db:"attributes"`
	Disabled     bool              `db:"disabled"`
	CreatedAt    time.Time         `db:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"`
}

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// TokenResponse carries a user token pair.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RefreshRequest is the body of POST /v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest optionally names a refresh token to revoke together
// with the bearer access token.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ServiceTokenRequest is the body of POST /v1/service-tokens. An empty
// Scope asks for the service's full allowance.
type ServiceTokenRequest struct {
	ServiceName  string   `json:"service_name"`
	ClientSecret string   `json:"client_secret"`
	Scope        []string `json:"scope,omitempty"`
}

// ServiceTokenResponse carries an issued or renewed service token.
type ServiceTokenResponse struct {
	Token     string   `json:"token"`
	TokenType string   `json:"token_type"`
	ExpiresIn int64    `json:"expires_in"`
	Scope     []string `json:"scope"`
}

// VerifyRequest is the body of POST /v1/tokens/verify.
type VerifyRequest struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

// VerifyResponse never explains why a token was rejected.
type VerifyResponse struct {
	Valid   bool                   `json:"valid"`
	Claims  map[string]interface{} `json:"claims,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// RevokeRequest names a token id to deny until ExpiresAt. Without
// ExpiresAt the entry lives for the longest token lifetime.
type RevokeRequest struct {
	TokenID   string     `json:"token_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// KeyInfo describes a signing key version without secret material.
type KeyInfo struct {
	Version   int64      `json:"version"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	RetireAt  *time.Time `json:"retire_at,omitempty"`
}

// KeyStatusResponse is returned by the rotation admin endpoints.
type KeyStatusResponse struct {
	Phase string    `json:"phase"`
	Keys  []KeyInfo `json:"keys"`
}

// SweepResponse lists the versions retired by a sweep.
type SweepResponse struct {
	Retired []int64 `json:"retired"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// HealthResponse is the body of GET /health and GET /ready. Checks is
// set only by /ready.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
