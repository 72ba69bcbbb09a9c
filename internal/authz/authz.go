// Package authz decides whether an authenticated principal may call a
// route. A policy combines required roles (any of), required scopes (all
// of) and an optional CEL expression over the principal and the request.
package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avamesh/internal/auth"
	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

var decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mesh",
		Subsystem: "authz",
		Name:      "decisions_total",
		Help:      "Total number of authorization decisions",
	},
	[]string{"decision"},
)

// Request is the request view exposed to expressions as "request".
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
	Params  map[string]string
}

func (r Request) attributes() map[string]any {
	return map[string]any{
		"method":  r.Method,
		"path":    r.Path,
		"headers": nonNil(r.Headers),
		"query":   nonNil(r.Query),
		"params":  nonNil(r.Params),
	}
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// Policy is a compiled route authorization rule.
type Policy struct {
	roles      []string
	scopes     []string
	expression string
	program    cel.Program
	logger     observability.Logger
}

// Compile builds a policy from cfg. The expression, when present, must
// evaluate to a bool; it sees "principal" (subject, method, roles, scopes,
// claims), "request" (method, path, headers, query, params) and "now".
func Compile(cfg config.RouteAuthzConfig, logger observability.Logger) (*Policy, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	p := &Policy{
		roles:      cfg.Roles,
		scopes:     cfg.Scopes,
		expression: strings.TrimSpace(cfg.Expression),
		logger:     logger,
	}
	if p.expression == "" {
		return p, nil
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(p.expression)
	if issues != nil && issues.Err() != nil {
		return nil, util.NewConfigError("authz.expression", issues.Err().Error())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, util.NewConfigError("authz.expression", "expression must evaluate to bool, got "+out.String())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	p.program = program
	return p, nil
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
}

// Authorize returns nil when principal satisfies the policy. A nil
// principal yields an authentication error; a failed check yields an
// authorization error.
func (p *Policy) Authorize(_ context.Context, principal *auth.Principal, req Request) error {
	if principal == nil {
		decisions.WithLabelValues("unauthenticated").Inc()
		return util.NewAuthenticationError("credentials required for this route")
	}

	if err := p.check(principal, req); err != nil {
		decisions.WithLabelValues("denied").Inc()
		p.logger.Debug("authorization denied",
			observability.String("subject", principal.Subject),
			observability.String("path", req.Path),
			observability.Error(err),
		)
		return err
	}

	decisions.WithLabelValues("allowed").Inc()
	return nil
}

func (p *Policy) check(principal *auth.Principal, req Request) error {
	if len(p.roles) > 0 {
		ok := false
		for _, r := range p.roles {
			if principal.HasRole(r) {
				ok = true
				break
			}
		}
		if !ok {
			return util.NewAuthorizationError(principal.Subject, "requires one of roles "+strings.Join(p.roles, ","))
		}
	}

	for _, s := range p.scopes {
		if !principal.HasScope(s) {
			return util.NewAuthorizationError(principal.Subject, "missing scope "+s)
		}
	}

	if p.program == nil {
		return nil
	}

	out, _, err := p.program.Eval(map[string]any{
		"principal": principal.Attributes(),
		"request":   req.attributes(),
		"now":       time.Now(),
	})
	if err != nil {
		// Missing keys and type errors deny rather than fail open.
		return util.NewAuthorizationError(principal.Subject, "expression error: "+err.Error())
	}
	if allowed, ok := out.Value().(bool); !ok || !allowed {
		return util.NewAuthorizationError(principal.Subject, "expression denied")
	}
	return nil
}

// Expression returns the policy's CEL source, if any.
func (p *Policy) Expression() string {
	return p.expression
}
