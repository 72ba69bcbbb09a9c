// Package executor runs one logical request against a named service:
// resolve healthy instances, pick one, pass its endpoint breaker and limiter,
// dispatch, record the outcome and retry with backoff when allowed.
package executor

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avamesh/internal/circuitbreaker"
	"github.com/vyrodovalexey/avamesh/internal/loadbalancer"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit"
	"github.com/vyrodovalexey/avamesh/internal/registry"
	"github.com/vyrodovalexey/avamesh/internal/retry"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

const tracerName = "avamesh/executor"

// Request is the service-level request forwarded to an instance.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Headers   http.Header
	Body      []byte
	RequestID string
}

// Response is what an instance answered.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte

	InstanceID string
	EndpointID string
	Attempts   int
	Duration   time.Duration
}

// Options tune one Execute call.
type Options struct {
	// Retries is the number of extra attempts after the first.
	Retries int
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	// Version restricts candidates to one service version.
	Version string
	// Tags restricts candidates to instances carrying every tag.
	Tags []string
}

// Source is the registry view the executor needs.
type Source interface {
	Discover(name string, tags ...string) []registry.Instance
	Breaker(endpointID string) *circuitbreaker.CircuitBreaker
	Limiter(endpointID string) *ratelimit.TokenBucket
}

// Selector picks instances per service.
type Selector interface {
	Select(service string, candidates []registry.Instance) (registry.Instance, error)
	Balancer(service string) loadbalancer.Balancer
}

// Executor dispatches requests into the mesh.
type Executor struct {
	source     Source
	selector   Selector
	dispatcher Dispatcher
	backoff    retry.Policy
	logger     observability.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithDispatcher replaces the HTTP dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Executor) {
		e.dispatcher = d
	}
}

// WithBackoff sets the retry delay bounds.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(e *Executor) {
		e.backoff.InitialDelay = initial
		e.backoff.MaxDelay = maxDelay
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an executor.
func New(source Source, selector Selector, opts ...Option) *Executor {
	e := &Executor{
		source:   source,
		selector: selector,
		backoff:  retry.DefaultPolicy(),
		logger:   observability.NopLogger(),
		sleep:    retry.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher == nil {
		e.dispatcher = NewHTTPDispatcher()
	}
	return e
}

// Execute sends req to a healthy instance of service. On failure the
// returned Response, when non-nil, is the last upstream answer.
func (e *Executor) Execute(ctx context.Context, service string, req *Request, opts Options) (*Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "executor.Execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mesh.service", service),
			attribute.Int("mesh.retries", opts.Retries),
		),
	)
	defer span.End()

	start := time.Now()
	policy := e.backoff
	policy.MaxRetries = opts.Retries

	var last *Response
	attempts := 0
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		resp, err := e.attempt(ctx, service, req, opts, attempt)
		last = resp
		return err
	}, retry.Options{
		Service: service,
		Sleep:   e.sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retriesTotal.WithLabelValues(service).Inc()
			e.logger.Debug("retrying request",
				observability.String("service", service),
				observability.Int("attempt", attempt),
				observability.Duration("delay", delay),
				observability.Error(err),
			)
		},
	})

	elapsed := time.Since(start)
	if last != nil {
		last.Attempts = attempts
		last.Duration = elapsed
	}
	outcome := "success"
	if err != nil {
		outcome = util.ErrorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	executionsTotal.WithLabelValues(service, outcome).Inc()
	executionDuration.WithLabelValues(service).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Int("mesh.attempts", attempts))

	return last, err
}

func (e *Executor) candidates(service string, opts Options) []registry.Instance {
	found := e.source.Discover(service, opts.Tags...)
	if opts.Version == "" {
		return found
	}
	out := found[:0]
	for _, inst := range found {
		if inst.Version == opts.Version {
			out = append(out, inst)
		}
	}
	return out
}

func (e *Executor) attempt(ctx context.Context, service string, req *Request, opts Options, n int) (*Response, error) {
	candidates := e.candidates(service, opts)
	if len(candidates) == 0 {
		return nil, util.NewNoHealthyInstanceError(service)
	}

	inst, err := e.selector.Select(service, candidates)
	if err != nil {
		return nil, util.NewNoHealthyInstanceError(service)
	}
	ep, err := loadbalancer.SelectEndpoint(inst)
	if err != nil {
		return nil, util.NewNoHealthyInstanceError(service)
	}

	breaker := e.source.Breaker(ep.ID)
	if breaker != nil && !breaker.CanExecute() {
		attemptsTotal.WithLabelValues(service, "circuit_open").Inc()
		return nil, util.NewCircuitOpenError(ep.ID)
	}

	if limiter := e.source.Limiter(ep.ID); limiter != nil && !limiter.Allow() {
		if breaker != nil {
			breaker.Abandon()
		}
		attemptsTotal.WithLabelValues(service, "rate_limited").Inc()
		rps, _ := limiter.Rate()
		return nil, util.NewRateLimitedError(ep.ID, time.Duration(float64(time.Second)/rps))
	}

	resp, err := e.dispatch(ctx, service, inst, ep, req, opts, n)
	if err != nil {
		// A caller that gave up says nothing about the endpoint.
		canceled := errors.Is(err, context.Canceled)
		switch {
		case breaker == nil:
		case canceled:
			breaker.Abandon()
		default:
			breaker.RecordFailure()
		}
		attemptsTotal.WithLabelValues(service, "failure").Inc()
		e.logger.Debug("dispatch failed",
			observability.String("service", service),
			observability.String("endpoint", ep.ID),
			observability.Int("attempt", n),
			observability.Error(err),
		)
		return resp, err
	}

	if breaker != nil {
		breaker.RecordSuccess()
	}
	attemptsTotal.WithLabelValues(service, "success").Inc()
	return resp, nil
}

func (e *Executor) dispatch(
	ctx context.Context,
	service string,
	inst registry.Instance,
	ep registry.Endpoint,
	req *Request,
	opts Options,
	n int,
) (*Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "executor.Dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mesh.service", service),
			attribute.String("mesh.instance", inst.ID),
			attribute.String("mesh.endpoint", ep.ID),
			attribute.Int("mesh.attempt", n),
		),
	)
	defer span.End()

	attemptCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	b := e.selector.Balancer(service)
	b.Acquire(inst.ID)
	defer b.Release(inst.ID)

	resp, err := e.dispatcher.Dispatch(attemptCtx, inst, ep, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = util.NewDispatchTimeoutError(ep.ID, opts.Timeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if resp != nil {
		resp.InstanceID = inst.ID
		resp.EndpointID = ep.ID
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	return resp, err
}
