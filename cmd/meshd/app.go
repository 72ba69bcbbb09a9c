package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avamesh/internal/admin"
	"github.com/vyrodovalexey/avamesh/internal/auth"
	"github.com/vyrodovalexey/avamesh/internal/cache"
	"github.com/vyrodovalexey/avamesh/internal/catalog"
	"github.com/vyrodovalexey/avamesh/internal/circuitbreaker"
	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/dnsdiscovery"
	"github.com/vyrodovalexey/avamesh/internal/events"
	"github.com/vyrodovalexey/avamesh/internal/executor"
	"github.com/vyrodovalexey/avamesh/internal/gateway"
	"github.com/vyrodovalexey/avamesh/internal/health"
	"github.com/vyrodovalexey/avamesh/internal/healthcheck"
	"github.com/vyrodovalexey/avamesh/internal/loadbalancer"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/quota"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// application holds all control plane components.
type application struct {
	config   *config.MeshConfig
	logger   observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *registry.Registry
	monitor  *healthcheck.Monitor
	sweeper  *registry.Sweeper
	balancer *loadbalancer.Manager
	quota    *quota.Admission
	gateway  *gateway.Gateway
	cache    cache.Cache
	redis    redis.UniversalClient
	keys     *auth.KeyStore
	vault    *auth.VaultKeySource
	mirror   *catalog.Mirror
	store    catalog.Store
	broker   *events.Broker
	checker  *health.Checker
	admin    *admin.Server
	dns      *dnsdiscovery.Server
}

// newApplication builds every component from cfg. Nothing listens or runs
// in the background until start.
func newApplication(cfg *config.MeshConfig, logger observability.Logger) (*application, error) {
	app := &application{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics("mesh"),
		checker: health.NewChecker(version),
	}
	app.metrics.SetBuildInfo(version, gitCommit)

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "avamesh",
		OTLPEndpoint: cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	app.tracer = tracer

	app.initRegistry()
	if err := app.initGateway(); err != nil {
		app.close(context.Background())
		return nil, err
	}
	if cfg.Catalog.Enabled {
		if err := app.initCatalog(); err != nil {
			app.close(context.Background())
			return nil, err
		}
	}

	app.broker = events.NewBroker(events.WithLogger(logger))
	app.registry.Subscribe(app.broker)

	app.checker.Register("registry", false, health.PopulatedCheck("instances", app.registry))
	if app.redis != nil {
		app.checker.Register("redis", false, health.RedisCheck(app.redis))
	}
	if app.mirror != nil {
		app.checker.Register("catalog", true, app.mirror.Ping)
	}

	app.admin = admin.NewServer(app.registry, app.gateway,
		admin.WithLogger(logger.With(observability.String("component", "admin"))),
		admin.WithHealth(app.checker),
		admin.WithEvents(events.NewStream(app.broker, events.WithStreamLogger(logger))),
		admin.WithMetrics(app.metrics),
	)

	if cfg.Listeners.DNS != "" {
		app.dns = dnsdiscovery.NewServer(app.registry, cfg.DNS,
			dnsdiscovery.WithLogger(logger.With(observability.String("component", "dns"))))
	}
	return app, nil
}

// initRegistry wires the registry with its breakers, limiters, quota,
// health monitor, sweeper and load balancer.
func (app *application) initRegistry() {
	cfg := app.config
	zl := observability.Zap(app.logger)

	breakers := circuitbreaker.NewRegistry(&circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Duration(),
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, zl.Named("breaker"))
	limiters := ratelimit.NewRegistry(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, zl.Named("limiter"))

	app.quota = quota.New(cfg.Quota, app.logger)
	app.registry = registry.New(
		registry.WithLogger(app.logger.With(observability.String("component", "registry"))),
		registry.WithBreakers(breakers),
		registry.WithLimiters(limiters),
		registry.WithAdmission(app.quota),
		registry.WithHealthDefaults(registry.HealthCheck{
			Interval:           cfg.Health.Interval.Duration(),
			Timeout:            cfg.Health.Timeout.Duration(),
			HealthyThreshold:   cfg.Health.HealthyThreshold,
			UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		}),
	)

	app.monitor = healthcheck.NewMonitor(app.registry,
		healthcheck.WithLogger(app.logger.With(observability.String("component", "healthcheck"))))
	app.registry.SetHealthMonitor(app.monitor)

	app.sweeper = registry.NewSweeper(app.registry,
		cfg.Registry.SweepInterval.Duration(), cfg.Registry.StaleAfter.Duration(), app.logger)

	// Validated by config.ValidateConfig.
	strategy, _ := loadbalancer.ParseStrategy(cfg.Registry.LoadBalancer)
	app.balancer = loadbalancer.NewManager(strategy, app.registry,
		loadbalancer.WithManagerLogger(app.logger))
	app.registry.Subscribe(app.balancer)
}

// initGateway wires authentication, the response cache, the shared Redis
// client and the executor behind the gateway.
func (app *application) initGateway() error {
	cfg := app.config
	logger := app.logger.With(observability.String("component", "gateway"))

	if cfg.Cache.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Cache.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		app.redis = redis.NewClient(opts)
	}

	if cfg.Cache.Type == cache.TypeRedis {
		app.cache = cache.NewRedis(app.redis, cfg.Cache.Redis.KeyPrefix+"cache:", logger)
	} else {
		c, err := cache.New(cfg.Cache, logger)
		if err != nil {
			return err
		}
		app.cache = c
	}

	authenticator, err := app.initAuth(logger)
	if err != nil {
		return err
	}

	exec := executor.New(app.registry, app.balancer,
		executor.WithBackoff(cfg.Retry.InitialDelay.Duration(), cfg.Retry.MaxDelay.Duration()),
		executor.WithLogger(app.logger.With(observability.String("component", "executor"))),
	)

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(app.metrics),
		gateway.WithCache(app.cache),
	}
	if authenticator != nil {
		opts = append(opts, gateway.WithAuthenticator(authenticator))
	}
	if app.redis != nil {
		opts = append(opts, gateway.WithRedis(app.redis, cfg.Cache.Redis.KeyPrefix+"ratelimit:"))
	}
	app.gateway = gateway.New(exec, opts...)

	if err := app.gateway.SyncRoutes(cfg.Routes); err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	return nil
}

// initAuth returns nil when no credential source is configured.
func (app *application) initAuth(logger observability.Logger) (*auth.Authenticator, error) {
	cfg := app.config.Auth

	var jwt *auth.JWTValidator
	if cfg.JWT.Secret != "" {
		v, err := auth.NewJWTValidator(cfg.JWT, auth.WithJWTLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("init jwt validator: %w", err)
		}
		jwt = v
	}

	app.keys = auth.NewKeyStore(cfg.APIKeys, logger)
	if cfg.Vault.Address != "" {
		source, err := auth.NewVaultKeySource(cfg.Vault, logger)
		if err != nil {
			return nil, fmt.Errorf("init vault: %w", err)
		}
		app.vault = source
	}

	if jwt == nil && len(cfg.APIKeys) == 0 && app.vault == nil {
		return nil, nil
	}
	return auth.NewAuthenticator(jwt, app.keys, logger), nil
}

func (app *application) initCatalog() error {
	store, err := catalog.NewEtcdStore(app.config.Catalog, app.logger)
	if err != nil {
		return fmt.Errorf("connect catalog: %w", err)
	}
	app.store = store
	app.mirror = catalog.NewMirror(app.registry, store, app.config.Catalog.Prefix,
		catalog.WithLogger(app.logger.With(observability.String("component", "catalog"))))
	return nil
}

// loadVaultKeys adds API keys held in Vault to the key store.
func (app *application) loadVaultKeys(ctx context.Context) error {
	if app.vault == nil {
		return nil
	}
	keys, err := app.vault.Load(ctx)
	if err != nil {
		return err
	}
	app.keys.Add(keys...)
	return nil
}

// close releases every component. It is safe on a partially built
// application.
func (app *application) close(ctx context.Context) {
	var errs []error
	if app.mirror != nil {
		app.mirror.Stop()
	}
	if app.store != nil {
		errs = append(errs, app.store.Close())
	}
	if app.sweeper != nil {
		app.sweeper.Stop()
	}
	if app.monitor != nil {
		app.monitor.Close()
	}
	if app.broker != nil {
		app.broker.Close()
	}
	if app.cache != nil {
		// The redis cache shares app.redis, closed below.
		if _, shared := app.cache.(*cache.Redis); !shared {
			errs = append(errs, app.cache.Close())
		}
	}
	if app.redis != nil {
		errs = append(errs, app.redis.Close())
	}
	if app.tracer != nil {
		errs = append(errs, app.tracer.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		app.logger.Warn("errors while releasing components", observability.Error(err))
	}
}
