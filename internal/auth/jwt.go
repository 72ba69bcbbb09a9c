package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

// DefaultRoleClaim is read when the configuration names no role claim.
const DefaultRoleClaim = "roles"

// JWTValidator verifies HS256 bearer tokens.
type JWTValidator struct {
	key       []byte
	issuer    string
	audience  string
	roleClaim string
	skew      time.Duration
	logger    observability.Logger
	now       func() time.Time
}

// JWTOption configures a JWTValidator.
type JWTOption func(*JWTValidator)

// WithJWTLogger sets the validator logger.
func WithJWTLogger(logger observability.Logger) JWTOption {
	return func(v *JWTValidator) {
		v.logger = logger
	}
}

// WithJWTClock overrides the time source used for exp and nbf checks.
func WithJWTClock(now func() time.Time) JWTOption {
	return func(v *JWTValidator) {
		v.now = now
	}
}

// NewJWTValidator creates a validator from cfg. A secret is required.
func NewJWTValidator(cfg config.JWTConfig, opts ...JWTOption) (*JWTValidator, error) {
	if cfg.Secret == "" {
		return nil, util.NewConfigError("auth.jwt.secret", "secret is required")
	}
	v := &JWTValidator{
		key:       []byte(cfg.Secret),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		roleClaim: cfg.RoleClaim,
		skew:      cfg.ClockSkew.Duration(),
		logger:    observability.NopLogger(),
		now:       time.Now,
	}
	if v.roleClaim == "" {
		v.roleClaim = DefaultRoleClaim
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate parses token, checks its signature and registered claims, and
// returns the principal it describes.
func (v *JWTValidator) Validate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, util.NewAuthenticationError("empty bearer token")
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, v.key),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	tok, err := jwt.ParseString(token, parseOpts...)
	if err != nil {
		v.logger.Debug("bearer token rejected", observability.Error(err))
		return nil, util.NewAuthenticationError(jwtReason(err))
	}
	if tok.Subject() == "" {
		return nil, util.NewAuthenticationError("token has no subject")
	}

	claims, err := tok.AsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("read token claims: %w", err)
	}

	return &Principal{
		Subject: tok.Subject(),
		Method:  MethodJWT,
		Roles:   stringList(claims[v.roleClaim]),
		Scopes:  scopes(claims),
		Claims:  claims,
	}, nil
}

func jwtReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired()):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotYetValid()):
		return "token not yet valid"
	case errors.Is(err, jwt.ErrInvalidIssuer()):
		return "invalid issuer"
	case errors.Is(err, jwt.ErrInvalidAudience()):
		return "invalid audience"
	default:
		return "invalid token"
	}
}

// scopes reads the OAuth "scope" claim (space separated) or "scp" list.
func scopes(claims map[string]any) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	return stringList(claims["scp"])
}

func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		return strings.Fields(val)
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
