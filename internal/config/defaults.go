package config

import "time"

// Default values applied by ApplyDefaults.
const (
	DefaultGatewayAddr        = ":8080"
	DefaultAdminAddr          = ":9090"
	DefaultMetricsAddr        = ":9091"
	DefaultStaleAfter         = 5 * time.Minute
	DefaultSweepInterval      = 30 * time.Second
	DefaultLoadBalancer       = "round_robin"
	DefaultHealthInterval     = 10 * time.Second
	DefaultHealthTimeout      = 5 * time.Second
	DefaultHealthyThreshold   = 2
	DefaultUnhealthyThreshold = 3
	DefaultFailureThreshold   = 5
	DefaultRecoveryTimeout    = 60 * time.Second
	DefaultHalfOpenMaxCalls   = 1
	DefaultEndpointRPS        = 100
	DefaultEndpointBurst      = 100
	DefaultInitialDelay       = 100 * time.Millisecond
	DefaultMaxDelay           = 5 * time.Second
	DefaultRouteTimeout       = 30 * time.Second
	DefaultCatalogPrefix      = "/mesh/instances/"
	DefaultLeaseTTL           = 30 * time.Second
	DefaultDialTimeout        = 5 * time.Second
	DefaultCacheMaxEntries    = 10000
	DefaultDNSDomain          = "mesh.local."
	DefaultDNSTTL             = 5
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *MeshConfig {
	cfg := &MeshConfig{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values in cfg.
func ApplyDefaults(cfg *MeshConfig) {
	if cfg.Listeners.Gateway == "" {
		cfg.Listeners.Gateway = DefaultGatewayAddr
	}
	if cfg.Listeners.Admin == "" {
		cfg.Listeners.Admin = DefaultAdminAddr
	}
	if cfg.Listeners.Metrics == "" {
		cfg.Listeners.Metrics = DefaultMetricsAddr
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.Enabled && cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}

	setDuration(&cfg.Registry.StaleAfter, DefaultStaleAfter)
	setDuration(&cfg.Registry.SweepInterval, DefaultSweepInterval)
	if cfg.Registry.LoadBalancer == "" {
		cfg.Registry.LoadBalancer = DefaultLoadBalancer
	}

	setDuration(&cfg.Health.Interval, DefaultHealthInterval)
	setDuration(&cfg.Health.Timeout, DefaultHealthTimeout)
	setInt(&cfg.Health.HealthyThreshold, DefaultHealthyThreshold)
	setInt(&cfg.Health.UnhealthyThreshold, DefaultUnhealthyThreshold)

	setInt(&cfg.Breaker.FailureThreshold, DefaultFailureThreshold)
	setDuration(&cfg.Breaker.RecoveryTimeout, DefaultRecoveryTimeout)
	setInt(&cfg.Breaker.HalfOpenMaxCalls, DefaultHalfOpenMaxCalls)

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = DefaultEndpointRPS
	}
	setInt(&cfg.RateLimit.Burst, DefaultEndpointBurst)

	setDuration(&cfg.Retry.InitialDelay, DefaultInitialDelay)
	setDuration(&cfg.Retry.MaxDelay, DefaultMaxDelay)

	if cfg.Catalog.Prefix == "" {
		cfg.Catalog.Prefix = DefaultCatalogPrefix
	}
	setDuration(&cfg.Catalog.LeaseTTL, DefaultLeaseTTL)
	setDuration(&cfg.Catalog.DialTimeout, DefaultDialTimeout)

	if cfg.Cache.Type == "" {
		cfg.Cache.Type = "memory"
	}
	setInt(&cfg.Cache.MaxEntries, DefaultCacheMaxEntries)
	if cfg.Cache.Redis.KeyPrefix == "" {
		cfg.Cache.Redis.KeyPrefix = "mesh:"
	}

	if cfg.Auth.JWT.RoleClaim == "" {
		cfg.Auth.JWT.RoleClaim = "roles"
	}
	if cfg.Auth.Vault.Mount == "" {
		cfg.Auth.Vault.Mount = "secret"
	}

	if cfg.DNS.Domain == "" {
		cfg.DNS.Domain = DefaultDNSDomain
	}
	if cfg.DNS.TTL == 0 {
		cfg.DNS.TTL = DefaultDNSTTL
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.Method == "" {
			r.Method = "GET"
		}
		setDuration(&r.Timeout, DefaultRouteTimeout)
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
