// Package config loads the core's runtime configuration (spec.md §6) from the
// environment via struct tags, the same way the teacher's sessions/redishost.Config /
// NewFromEnv does. Every field has a documented default so a zero-value Config (or one
// built with no environment variables set) is still a valid, runnable configuration.
package config

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full set of options enumerated in spec.md §6.
type Config struct {
	// StoreBackend selects the storage adapter: "memory" or "redis".
	StoreBackend string `env:"STORE_BACKEND,default=memory"`
	// StoreURL is the backing store's connection string (redis backend only).
	StoreURL string `env:"STORE_URL,default=redis://localhost:6379/0"`
	// StorePrefix namespaces every key this core writes.
	StorePrefix string `env:"STORE_PREFIX,default=mcp:coord:"`
	// StreamMaxLen bounds each (session, stream_key) event log (redis backend only;
	// the in-memory backend is unbounded per stream).
	StreamMaxLen int64 `env:"STREAM_MAXLEN,default=10000"`

	// UseLocalCache enables the session manager's per-node read cache.
	UseLocalCache   bool `env:"USE_LOCAL_CACHE,default=true"`
	CacheMaxEntries int  `env:"CACHE_MAX_ENTRIES,default=1024"`
	CacheTTLMs      int  `env:"CACHE_TTL_MS,default=5000"`

	RetryMaxAttempts int `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryBaseMs      int `env:"RETRY_BASE_MS,default=50"`
	RetryCapMs       int `env:"RETRY_CAP_MS,default=2000"`

	BreakerFailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerCooldownMs       int `env:"BREAKER_COOLDOWN_MS,default=10000"`

	AdmitLockTTLMs  int `env:"ADMIT_LOCK_TTL_MS,default=2000"`
	AdmitLockWaitMs int `env:"ADMIT_LOCK_WAIT_MS,default=500"`

	// UnknownSessionStatus is the HTTP status for an unknown/closed session: 404 or
	// (legacy mode) 400.
	UnknownSessionStatus int `env:"UNKNOWN_SESSION_STATUS,default=404"`
	MaxBodyBytes         int64 `env:"MAX_BODY_BYTES,default=1048576"`
}

// Option overrides a Config field after it has been loaded. Precedence is
// explicit-option > environment variable > struct-tag default.
type Option func(*Config)

func WithStoreBackend(backend string) Option { return func(c *Config) { c.StoreBackend = backend } }
func WithStoreURL(url string) Option         { return func(c *Config) { c.StoreURL = url } }
func WithStorePrefix(prefix string) Option   { return func(c *Config) { c.StorePrefix = prefix } }
func WithUseLocalCache(enabled bool) Option  { return func(c *Config) { c.UseLocalCache = enabled } }

// Load reads Config from the environment (via envdecode struct tags for defaults),
// then applies opts in order.
func Load(opts ...Option) (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

func (c Config) RetryBaseDelay() time.Duration  { return time.Duration(c.RetryBaseMs) * time.Millisecond }
func (c Config) RetryCapDelay() time.Duration   { return time.Duration(c.RetryCapMs) * time.Millisecond }
func (c Config) BreakerCooldown() time.Duration { return time.Duration(c.BreakerCooldownMs) * time.Millisecond }
func (c Config) CacheTTL() time.Duration        { return time.Duration(c.CacheTTLMs) * time.Millisecond }
func (c Config) AdmitLockTTL() time.Duration    { return time.Duration(c.AdmitLockTTLMs) * time.Millisecond }
func (c Config) AdmitLockWait() time.Duration   { return time.Duration(c.AdmitLockWaitMs) * time.Millisecond }
