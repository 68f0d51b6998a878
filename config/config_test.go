package config

import (
	"os"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected default store backend memory, got %q", cfg.StoreBackend)
	}
	if cfg.UnknownSessionStatus != 404 {
		t.Fatalf("expected default unknown session status 404, got %d", cfg.UnknownSessionStatus)
	}
	if cfg.MaxBodyBytes != 1048576 {
		t.Fatalf("expected default max body bytes 1048576, got %d", cfg.MaxBodyBytes)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	os.Setenv("STORE_BACKEND", "redis")
	os.Setenv("CACHE_TTL_MS", "9000")
	defer os.Unsetenv("STORE_BACKEND")
	defer os.Unsetenv("CACHE_TTL_MS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != "redis" {
		t.Fatalf("expected store backend redis, got %q", cfg.StoreBackend)
	}
	if cfg.CacheTTL().Milliseconds() != 9000 {
		t.Fatalf("expected cache ttl 9000ms, got %v", cfg.CacheTTL())
	}
}

func TestLoadOptionsOverrideEnvironment(t *testing.T) {
	os.Setenv("STORE_BACKEND", "redis")
	defer os.Unsetenv("STORE_BACKEND")

	cfg, err := Load(WithStoreBackend("memory"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected explicit option to win over environment, got %q", cfg.StoreBackend)
	}
}
