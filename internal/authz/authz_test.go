package authz

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamesh/internal/auth"
	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

func TestCompile_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
	}{
		{"syntax", "principal.roles.exists(r, "},
		{"unknown variable", "user.name == 'x'"},
		{"not bool", "1 + 2"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Compile(config.RouteAuthzConfig{Expression: tt.expr}, nil)
			assert.Error(t, err)
		})
	}
}

func TestPolicy_Authorize(t *testing.T) {
	t.Parallel()

	admin := &auth.Principal{Subject: "alice", Method: auth.MethodJWT, Roles: []string{"admin"}, Scopes: []string{"read", "write"},
		Claims: map[string]any{"tenant": "acme"}}
	viewer := &auth.Principal{Subject: "bob", Method: auth.MethodAPIKey, Roles: []string{"viewer"}, Scopes: []string{"read"}}
	req := Request{
		Method:  http.MethodGet,
		Path:    "/tenants/acme/orders",
		Headers: map[string]string{"X-Region": "eu"},
		Params:  map[string]string{"tenant": "acme"},
	}

	tests := []struct {
		name      string
		cfg       config.RouteAuthzConfig
		principal *auth.Principal
		wantCode  int
	}{
		{"empty policy allows", config.RouteAuthzConfig{}, viewer, 0},
		{"no principal", config.RouteAuthzConfig{}, nil, http.StatusUnauthorized},
		{"role any of", config.RouteAuthzConfig{Roles: []string{"ops", "admin"}}, admin, 0},
		{"role missing", config.RouteAuthzConfig{Roles: []string{"admin"}}, viewer, http.StatusForbidden},
		{"scopes all of", config.RouteAuthzConfig{Scopes: []string{"read", "write"}}, admin, 0},
		{"scope missing", config.RouteAuthzConfig{Scopes: []string{"read", "write"}}, viewer, http.StatusForbidden},
		{"expression over claims and params", config.RouteAuthzConfig{
			Expression: "principal.claims.tenant == request.params.tenant",
		}, admin, 0},
		{"expression over headers", config.RouteAuthzConfig{
			Expression: "request.headers['X-Region'] == 'us'",
		}, admin, http.StatusForbidden},
		{"expression with roles", config.RouteAuthzConfig{
			Expression: "'viewer' in principal.roles && request.method == 'GET'",
		}, viewer, 0},
		{"missing claim denies", config.RouteAuthzConfig{
			Expression: "principal.claims.tenant == 'acme'",
		}, viewer, http.StatusForbidden},
		{"roles and expression both apply", config.RouteAuthzConfig{
			Roles:      []string{"viewer"},
			Expression: "principal.method == 'jwt'",
		}, viewer, http.StatusForbidden},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := Compile(tt.cfg, nil)
			require.NoError(t, err)

			err = p.Authorize(context.Background(), tt.principal, req)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, util.HTTPStatus(err))
		})
	}
}

func TestPolicy_Expression(t *testing.T) {
	t.Parallel()

	p, err := Compile(config.RouteAuthzConfig{Expression: "  true "}, nil)
	require.NoError(t, err)
	assert.Equal(t, "true", p.Expression())
	assert.NoError(t, p.Authorize(context.Background(), &auth.Principal{Subject: "x"}, Request{}))
}
