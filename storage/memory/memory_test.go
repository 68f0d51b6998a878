package memory

import (
	"testing"

	"github.com/bh-rat/mcp-db/storage"
	"github.com/bh-rat/mcp-db/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.RunConformanceSuite(t, func(t *testing.T) storage.Storage {
		s, err := New(100)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestNew(t *testing.T) {
	s, err := New(100)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	if s == nil {
		t.Fatal("New() returned nil storage")
	}
}

func TestUnboundedWhenMaxSessionsNotPositive(t *testing.T) {
	s, err := New(0)
	if err != nil {
		t.Fatalf("New(0) failed: %v", err)
	}
	defer s.Close()
	if s.sessions.Len() != 0 {
		t.Fatalf("expected empty cache, got len %d", s.sessions.Len())
	}
}
