package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

// Header names read by the Authenticator.
const (
	HeaderAuthorization = "Authorization"
	HeaderAPIKey        = "X-API-Key"
)

var authAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Total number of authentication attempts",
	},
	[]string{"method", "result"},
)

// ErrNoCredentials is returned when a request carries no credential of an
// accepted kind.
var ErrNoCredentials = util.NewAuthenticationError("missing credentials")

// IsNoCredentials reports whether err is ErrNoCredentials itself. errors.Is
// cannot tell it apart from other authentication failures.
func IsNoCredentials(err error) bool {
	return err == ErrNoCredentials //nolint:errorlint // identity check
}

// Authenticator extracts and verifies request credentials. A nil JWT
// validator or key store disables that kind.
type Authenticator struct {
	jwt    *JWTValidator
	keys   *KeyStore
	logger observability.Logger
}

// NewAuthenticator creates an authenticator over the given sources.
func NewAuthenticator(jwt *JWTValidator, keys *KeyStore, logger observability.Logger) *Authenticator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Authenticator{jwt: jwt, keys: keys, logger: logger}
}

// Keys returns the API key store, or nil.
func (a *Authenticator) Keys() *KeyStore {
	return a.keys
}

// Authenticate verifies the first credential found in headers whose kind is
// in methods. An empty methods list accepts every configured kind. A bearer
// token is preferred over an API key.
func (a *Authenticator) Authenticate(ctx context.Context, headers http.Header, methods []string) (*Principal, error) {
	if token, ok := bearerToken(headers); ok && a.jwt != nil && accepts(methods, MethodJWT) {
		p, err := a.jwt.Validate(ctx, token)
		recordAttempt(MethodJWT, err)
		return p, err
	}

	if key := headers.Get(HeaderAPIKey); key != "" && a.keys != nil && accepts(methods, MethodAPIKey) {
		p, err := a.keys.Validate(ctx, key)
		recordAttempt(MethodAPIKey, err)
		return p, err
	}

	return nil, ErrNoCredentials
}

func bearerToken(headers http.Header) (string, bool) {
	v := headers.Get(HeaderAuthorization)
	const prefix = "bearer "
	if len(v) <= len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(v[len(prefix):]), true
}

func accepts(methods []string, m Method) bool {
	return len(methods) == 0 || slices.Contains(methods, string(m))
}

func recordAttempt(m Method, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	authAttempts.WithLabelValues(string(m), result).Inc()
}
