package config

import (
	"github.com/bh-rat/mcp-db/admission"
	"github.com/bh-rat/mcp-db/resilience"
	"github.com/bh-rat/mcp-db/sessionmanager"
	"github.com/bh-rat/mcp-db/transport"
)

// RetryConfig builds a resilience.RetryConfig from the loaded configuration.
func (c Config) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay(),
		CapDelay:    c.RetryCapDelay(),
	}
}

// BreakerConfig builds a resilience.BreakerConfig from the loaded configuration.
func (c Config) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.BreakerFailureThreshold,
		Cooldown:         c.BreakerCooldown(),
	}
}

// SessionManagerConfig builds a sessionmanager.Config from the loaded configuration.
func (c Config) SessionManagerConfig() sessionmanager.Config {
	cacheSize := 0
	if c.UseLocalCache {
		cacheSize = c.CacheMaxEntries
	}
	return sessionmanager.Config{
		CacheSize: cacheSize,
		CacheTTL:  c.CacheTTL(),
	}
}

// AdmissionConfig builds an admission.Config from the loaded configuration.
func (c Config) AdmissionConfig() admission.Config {
	return admission.Config{
		LockTTL:                  c.AdmitLockTTL(),
		LockWaitTotal:            c.AdmitLockWait(),
		UnknownSessionHTTPStatus: c.UnknownSessionStatus,
	}
}

// TransportConfig builds a transport.Config from the loaded configuration.
func (c Config) TransportConfig() transport.Config {
	return transport.Config{
		MaxBodyBytes: c.MaxBodyBytes,
	}
}
