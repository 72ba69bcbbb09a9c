// Package auth authenticates gateway callers with JWT bearer tokens or API
// keys and produces the Principal used by authorization.
package auth

import (
	"context"
	"slices"
)

// Method is a credential kind.
type Method string

// Credential kinds.
const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "apikey"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string         `json:"subject"`
	Method  Method         `json:"method"`
	Roles   []string       `json:"roles,omitempty"`
	Scopes  []string       `json:"scopes,omitempty"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

// HasScope reports whether the principal holds scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

// Attributes flattens the principal into the map exposed to policy
// expressions.
func (p *Principal) Attributes() map[string]any {
	if p == nil {
		return map[string]any{
			"subject": "",
			"method":  "",
			"roles":   []string{},
			"scopes":  []string{},
			"claims":  map[string]any{},
		}
	}
	claims := p.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	scopes := p.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return map[string]any{
		"subject": p.Subject,
		"method":  string(p.Method),
		"roles":   roles,
		"scopes":  scopes,
		"claims":  claims,
	}
}

type principalKey struct{}

// ContextWithPrincipal stores p in ctx.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored in ctx, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
