package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bh-rat/mcp-db/storage"
	"github.com/bh-rat/mcp-db/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

func TestConformance(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	storagetest.RunConformanceSuite(t, func(t *testing.T) storage.Storage {
		mr.FlushAll()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		s, err := New(Config{Client: client})
		if err != nil {
			t.Fatalf("failed to create redis storage: %v", err)
		}
		return s
	})
}

func TestKeyPrefixDefault(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s, err := New(Config{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.keyPrefix != "mcp:coord:" {
		t.Fatalf("expected default key prefix, got %q", s.keyPrefix)
	}
	if s.sessionKey("abc") != "mcp:coord:session:abc" {
		t.Fatalf("unexpected session key: %s", s.sessionKey("abc"))
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error when Client is nil")
	}
}
