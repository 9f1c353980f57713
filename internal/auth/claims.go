// Package auth issues and verifies the service's signed tokens and
// checks their scopes.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes the three token kinds. A token of one type is
// never accepted where another is expected.
type TokenType string

const (
	TypeUserAccess  TokenType = "user_access"
	TypeUserRefresh TokenType = "user_refresh"
	TypeService     TokenType = "service"
)

// ParseTokenType maps a wire value to a TokenType.
func ParseTokenType(s string) (TokenType, bool) {
	switch t := TokenType(s); t {
	case TypeUserAccess, TypeUserRefresh, TypeService:
		return t, true
	default:
		return "", false
	}
}

// Claims is the payload of every token. The key version travels in the
// "kid" header, not here.
type Claims struct {
	Type        TokenType         `json:"typ"`
	Scope       []string          `json:"scp,omitempty"`
	Attributes  map[string]string `json:"attrs,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	jwt.RegisteredClaims
}

// TokenID returns the jti claim.
func (c *Claims) TokenID() string { return c.ID }

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Map flattens the claims for JSON responses.
func (c *Claims) Map() map[string]interface{} {
	m := map[string]interface{}{
		"iss": c.Issuer,
		"sub": c.Subject,
		"aud": []string(c.Audience),
		"jti": c.ID,
		"typ": string(c.Type),
	}
	if c.IssuedAt != nil {
		m["iat"] = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		m["exp"] = c.ExpiresAt.Unix()
	}
	if len(c.Scope) > 0 {
		m["scp"] = c.Scope
	}
	if len(c.Attributes) > 0 {
		m["attrs"] = c.Attributes
	}
	if c.ServiceName != "" {
		m["serviceName"] = c.ServiceName
	}
	return m
}
