package auth

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrInvalidScope is returned for strings outside the scope grammar.
	ErrInvalidScope = errors.New("auth: invalid scope")
	// ErrForbidden is returned by ScopeAuthorizer.Require.
	ErrForbidden = errors.New("auth: insufficient scope")
)

// Scope is a parsed action:resource[:modifier] string.
type Scope struct {
	Action   string
	Resource string
	Modifier string
}

// ParseScope validates s against the grammar: two or three non-empty
// colon-separated segments of [a-z0-9_.-]. Wildcards are rejected.
func ParseScope(s string) (Scope, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
	for _, p := range parts {
		if !validSegment(p) {
			return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}
	sc := Scope{Action: parts[0], Resource: parts[1]}
	if len(parts) == 3 {
		sc.Modifier = parts[2]
	}
	return sc, nil
}

func validSegment(p string) bool {
	if p == "" {
		return false
	}
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

// String renders the scope back to its wire form.
func (s Scope) String() string {
	if s.Modifier == "" {
		return s.Action + ":" + s.Resource
	}
	return s.Action + ":" + s.Resource + ":" + s.Modifier
}

// Base is the scope without its modifier.
func (s Scope) Base() string {
	return s.Action + ":" + s.Resource
}

// NormalizeScopes validates every entry and drops duplicates, keeping
// first-seen order.
func NormalizeScopes(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		sc, err := ParseScope(s)
		if err != nil {
			return nil, err
		}
		key := sc.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}

// Authorize reports whether the claims grant required. A granted scope
// matches when it is identical to required or, if required has no
// modifier, when it names the same action and resource. Nothing else
// matches; there is no wildcard expansion.
func Authorize(claims *Claims, required string) bool {
	if claims == nil {
		return false
	}
	want, err := ParseScope(required)
	if err != nil {
		return false
	}
	for _, granted := range claims.Scope {
		have, err := ParseScope(granted)
		if err != nil {
			continue
		}
		if have == want {
			return true
		}
		if want.Modifier == "" && have.Base() == want.Base() {
			return true
		}
	}
	return false
}

// ScopeAuthorizer wraps Authorize with audit logging.
type ScopeAuthorizer struct {
	logger *zap.Logger
}

// NewScopeAuthorizer creates a ScopeAuthorizer.
func NewScopeAuthorizer(logger *zap.Logger) *ScopeAuthorizer {
	return &ScopeAuthorizer{logger: logger}
}

// Require returns ErrForbidden unless claims grant required.
func (a *ScopeAuthorizer) Require(claims *Claims, required string) error {
	if Authorize(claims, required) {
		return nil
	}
	fields := []zap.Field{zap.String("required_scope", required)}
	if claims != nil {
		fields = append(fields, zap.String("subject", claims.Subject), zap.String("token_id", claims.ID))
	}
	a.logger.Info("Scope check denied", fields...)
	return ErrForbidden
}
