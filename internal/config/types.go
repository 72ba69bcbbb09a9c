// Package config defines the control plane configuration, its YAML loader,
// validation, and a file watcher for hot reloading routes.
package config

// MeshConfig is the root configuration document.
type MeshConfig struct {
	Listeners ListenersConfig `yaml:"listeners" json:"listeners"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Registry  RegistryConfig  `yaml:"registry" json:"registry"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	RateLimit LimitConfig     `yaml:"rateLimit" json:"rateLimit"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Catalog   CatalogConfig   `yaml:"catalog" json:"catalog"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Quota     QuotaConfig     `yaml:"quota" json:"quota"`
	DNS       DNSConfig       `yaml:"dns" json:"dns"`
	Routes    []RouteConfig   `yaml:"routes" json:"routes"`
}

// ListenersConfig holds listen addresses. An empty address disables the listener.
type ListenersConfig struct {
	Gateway string `yaml:"gateway" json:"gateway"`
	Admin   string `yaml:"admin" json:"admin"`
	Metrics string `yaml:"metrics" json:"metrics"`
	DNS     string `yaml:"dns" json:"dns"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// RegistryConfig configures staleness sweeping and load balancing.
type RegistryConfig struct {
	StaleAfter    Duration `yaml:"staleAfter" json:"staleAfter"`
	SweepInterval Duration `yaml:"sweepInterval" json:"sweepInterval"`
	LoadBalancer  string   `yaml:"loadBalancer" json:"loadBalancer"`
}

// HealthConfig holds the defaults applied to instances that do not set
// their own health check parameters.
type HealthConfig struct {
	Interval           Duration `yaml:"interval" json:"interval"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	HealthyThreshold   int      `yaml:"healthyThreshold" json:"healthyThreshold"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold" json:"unhealthyThreshold"`
}

// BreakerConfig holds per-endpoint circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout" json:"recoveryTimeout"`
	HalfOpenMaxCalls int      `yaml:"halfOpenMaxCalls" json:"halfOpenMaxCalls"`
}

// LimitConfig is a token bucket rate and burst.
type LimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// RetryConfig holds the executor backoff bounds.
type RetryConfig struct {
	InitialDelay Duration `yaml:"initialDelay" json:"initialDelay"`
	MaxDelay     Duration `yaml:"maxDelay" json:"maxDelay"`
}

// CatalogConfig configures the etcd-backed durable catalog.
type CatalogConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Endpoints   []string `yaml:"endpoints" json:"endpoints"`
	Prefix      string   `yaml:"prefix" json:"prefix"`
	LeaseTTL    Duration `yaml:"leaseTTL" json:"leaseTTL"`
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout"`
	Username    string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string   `yaml:"password,omitempty" json:"password,omitempty"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	Type       string      `yaml:"type" json:"type"`
	MaxEntries int         `yaml:"maxEntries" json:"maxEntries"`
	Redis      RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures a Redis connection shared by the cache and the
// distributed rate limiter.
type RedisConfig struct {
	URL       string `yaml:"url" json:"url"`
	KeyPrefix string `yaml:"keyPrefix" json:"keyPrefix"`
}

// AuthConfig holds credential sources for the authentication middleware.
type AuthConfig struct {
	JWT     JWTConfig      `yaml:"jwt" json:"jwt"`
	APIKeys []APIKeyConfig `yaml:"apiKeys" json:"apiKeys"`
	Vault   VaultConfig    `yaml:"vault" json:"vault"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	Secret    string   `yaml:"secret" json:"-"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	RoleClaim string   `yaml:"roleClaim" json:"roleClaim"`
	ClockSkew Duration `yaml:"clockSkew" json:"clockSkew"`
}

// APIKeyConfig declares one API key by its bcrypt hash.
type APIKeyConfig struct {
	ID     string   `yaml:"id" json:"id"`
	Hash   string   `yaml:"hash" json:"-"`
	Roles  []string `yaml:"roles" json:"roles"`
	Scopes []string `yaml:"scopes" json:"scopes"`
}

// VaultConfig points at a KV v2 secret holding additional API keys.
type VaultConfig struct {
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token" json:"-"`
	Mount   string `yaml:"mount" json:"mount"`
	Path    string `yaml:"path" json:"path"`
}

// QuotaConfig bounds registrations. Zero means unrestricted.
type QuotaConfig struct {
	MaxInstancesPerService int `yaml:"maxInstancesPerService" json:"maxInstancesPerService"`
	MaxServices            int `yaml:"maxServices" json:"maxServices"`
}

// DNSConfig configures the DNS discovery responder.
type DNSConfig struct {
	Domain string `yaml:"domain" json:"domain"`
	TTL    uint32 `yaml:"ttl" json:"ttl"`
}

// RouteConfig declares one gateway route.
type RouteConfig struct {
	ID         string                 `yaml:"id,omitempty" json:"id,omitempty"`
	Path       string                 `yaml:"path" json:"path"`
	Method     string                 `yaml:"method" json:"method"`
	Service    string                 `yaml:"service" json:"service"`
	Version    string                 `yaml:"version,omitempty" json:"version,omitempty"`
	Timeout    Duration               `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries    int                    `yaml:"retries,omitempty" json:"retries,omitempty"`
	Middleware []string               `yaml:"middleware,omitempty" json:"middleware,omitempty"`
	Validation *RouteValidationConfig `yaml:"validation,omitempty" json:"validation,omitempty"`
	Auth       *RouteAuthConfig       `yaml:"auth,omitempty" json:"auth,omitempty"`
	Authz      *RouteAuthzConfig      `yaml:"authz,omitempty" json:"authz,omitempty"`
	RateLimit  *RouteRateLimitConfig  `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	Cache      *RouteCacheConfig      `yaml:"cache,omitempty" json:"cache,omitempty"`
	Transform  *TransformConfig       `yaml:"transform,omitempty" json:"transform,omitempty"`
	Tags       []string               `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// RouteValidationConfig lists request shape checks.
type RouteValidationConfig struct {
	RequiredHeaders []string `yaml:"requiredHeaders,omitempty" json:"requiredHeaders,omitempty"`
	RequiredQuery   []string `yaml:"requiredQuery,omitempty" json:"requiredQuery,omitempty"`
	RequireJSONBody bool     `yaml:"requireJSONBody,omitempty" json:"requireJSONBody,omitempty"`
	MaxBodyBytes    int      `yaml:"maxBodyBytes,omitempty" json:"maxBodyBytes,omitempty"`
}

// RouteAuthConfig selects accepted credential kinds. An empty Methods list
// accepts any configured kind.
type RouteAuthConfig struct {
	Required bool     `yaml:"required" json:"required"`
	Methods  []string `yaml:"methods,omitempty" json:"methods,omitempty"`
}

// RouteAuthzConfig restricts which principals may call a route.
type RouteAuthzConfig struct {
	Roles      []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Scopes     []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Expression string   `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// RouteRateLimitConfig is a per-client token bucket on a route.
type RouteRateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
	KeyHeader         string  `yaml:"keyHeader,omitempty" json:"keyHeader,omitempty"`
	Distributed       bool    `yaml:"distributed,omitempty" json:"distributed,omitempty"`
}

// RouteCacheConfig enables GET response caching.
type RouteCacheConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	TTL     Duration `yaml:"ttl" json:"ttl"`
	VaryBy  []string `yaml:"varyBy,omitempty" json:"varyBy,omitempty"`
}

// TransformConfig holds request and response rewrites.
type TransformConfig struct {
	Request  *MessageTransform `yaml:"request,omitempty" json:"request,omitempty"`
	Response *MessageTransform `yaml:"response,omitempty" json:"response,omitempty"`
}

// MessageTransform rewrites one side of an exchange.
type MessageTransform struct {
	SetHeaders    map[string]string `yaml:"setHeaders,omitempty" json:"setHeaders,omitempty"`
	RemoveHeaders []string          `yaml:"removeHeaders,omitempty" json:"removeHeaders,omitempty"`
	MergeBody     map[string]any    `yaml:"mergeBody,omitempty" json:"mergeBody,omitempty"`
	RemoveFields  []string          `yaml:"removeFields,omitempty" json:"removeFields,omitempty"`
	StatusCode    int               `yaml:"statusCode,omitempty" json:"statusCode,omitempty"`
}
