// Package storagetest provides a conformance suite run identically against every
// storage.Storage implementation, so the in-memory and Redis variants are held to the
// same behavioral contract from spec.md §4.1. Grounded on the teacher's
// sessions/sessionhosttest package, which runs one shared suite against both its
// memoryhost and redishost SessionHost implementations.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/bh-rat/mcp-db/storage"
)

// RunConformanceSuite exercises newStorage() (a fresh, empty backend) against every
// invariant from spec.md §3-4.1. The factory is called once per subtest so backends
// that don't support per-test isolation (e.g. a shared Redis DB) should flush between
// calls.
func RunConformanceSuite(t *testing.T, newStorage func(t *testing.T) storage.Storage) {
	t.Helper()

	t.Run("PutSessionIfAbsent rejects duplicate id", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		rec := &storage.Session{ID: "s1", Status: storage.StatusInitialized, Version: 0}
		if err := s.PutSessionIfAbsent(ctx, rec); err != nil {
			t.Fatalf("first PutSessionIfAbsent: %v", err)
		}
		err := s.PutSessionIfAbsent(ctx, rec)
		if err != storage.ErrExists {
			t.Fatalf("expected ErrExists, got %v", err)
		}
	})

	t.Run("GetSession round-trips fields", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		now := time.Now().Truncate(time.Millisecond)
		rec := &storage.Session{
			ID:        "s2",
			Status:    storage.StatusInitialized,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  map[string]string{"protocolVersion": "2025-03-26"},
			Version:   0,
		}
		if err := s.PutSessionIfAbsent(ctx, rec); err != nil {
			t.Fatalf("PutSessionIfAbsent: %v", err)
		}
		got, err := s.GetSession(ctx, "s2")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Status != storage.StatusInitialized || got.Metadata["protocolVersion"] != "2025-03-26" {
			t.Fatalf("round-trip mismatch: %+v", got)
		}
	})

	t.Run("GetSession on missing id returns ErrNotFound", func(t *testing.T) {
		s := newStorage(t)
		_, err := s.GetSession(context.Background(), "nope")
		if err != storage.ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateSessionCAS enforces version (I3)", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		rec := &storage.Session{ID: "s3", Status: storage.StatusInitialized, Version: 0}
		if err := s.PutSessionIfAbsent(ctx, rec); err != nil {
			t.Fatalf("PutSessionIfAbsent: %v", err)
		}
		updated := &storage.Session{ID: "s3", Status: storage.StatusActive, Version: 1}
		if _, err := s.UpdateSessionCAS(ctx, "s3", 0, updated); err != nil {
			t.Fatalf("UpdateSessionCAS with correct version: %v", err)
		}
		_, err := s.UpdateSessionCAS(ctx, "s3", 0, updated)
		if err != storage.ErrConflict {
			t.Fatalf("expected ErrConflict on stale version, got %v", err)
		}
	})

	t.Run("UpdateSessionCAS on missing id returns ErrNotFound", func(t *testing.T) {
		s := newStorage(t)
		_, err := s.UpdateSessionCAS(context.Background(), "nope", 0, &storage.Session{ID: "nope"})
		if err != storage.ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteSession", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		rec := &storage.Session{ID: "s4", Status: storage.StatusInitialized}
		_ = s.PutSessionIfAbsent(ctx, rec)
		if err := s.DeleteSession(ctx, "s4"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if err := s.DeleteSession(ctx, "s4"); err != storage.ErrNotFound {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("AppendEvent and ReadEvents preserve order (I4, P4)", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		var ids []string
		for i := 0; i < 5; i++ {
			id, err := s.AppendEvent(ctx, "s5", "request", &storage.Event{
				Direction: storage.DirectionClientToServer,
				Kind:      storage.KindRequest,
				Payload:   []byte(`{}`),
			})
			if err != nil {
				t.Fatalf("AppendEvent #%d: %v", i, err)
			}
			ids = append(ids, id)
		}
		events, err := s.ReadEvents(ctx, "s5", "request", "", 0)
		if err != nil {
			t.Fatalf("ReadEvents: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("expected 5 events, got %d", len(events))
		}
		for i, ev := range events {
			if ev.EventID != ids[i] {
				t.Fatalf("event order mismatch at %d: want %s got %s", i, ids[i], ev.EventID)
			}
		}

		replay, err := s.ReadEvents(ctx, "s5", "request", ids[1], 0)
		if err != nil {
			t.Fatalf("ReadEvents after cursor: %v", err)
		}
		if len(replay) != 3 {
			t.Fatalf("expected 3 events after cursor %s, got %d", ids[1], len(replay))
		}
	})

	t.Run("Streams are independent per (session, stream_key)", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		_, _ = s.AppendEvent(ctx, "s6", "request", &storage.Event{Kind: storage.KindRequest, Payload: []byte(`{}`)})
		_, _ = s.AppendEvent(ctx, "s6", "standalone", &storage.Event{Kind: storage.KindNotification, Payload: []byte(`{}`)})
		reqEvents, _ := s.ReadEvents(ctx, "s6", "request", "", 0)
		standaloneEvents, _ := s.ReadEvents(ctx, "s6", "standalone", "", 0)
		if len(reqEvents) != 1 || len(standaloneEvents) != 1 {
			t.Fatalf("expected 1 event per stream, got request=%d standalone=%d", len(reqEvents), len(standaloneEvents))
		}
	})

	t.Run("AcquireLock/ReleaseLock mutual exclusion", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		if err := s.AcquireLock(ctx, "admit:s7", "holder-a", time.Second); err != nil {
			t.Fatalf("first AcquireLock: %v", err)
		}
		if err := s.AcquireLock(ctx, "admit:s7", "holder-b", time.Second); err != storage.ErrHeld {
			t.Fatalf("expected ErrHeld for competing holder, got %v", err)
		}
		if err := s.ReleaseLock(ctx, "admit:s7", "holder-a"); err != nil {
			t.Fatalf("ReleaseLock: %v", err)
		}
		if err := s.AcquireLock(ctx, "admit:s7", "holder-b", time.Second); err != nil {
			t.Fatalf("AcquireLock after release: %v", err)
		}
	})

	t.Run("AcquireLock auto-expires at TTL", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		if err := s.AcquireLock(ctx, "admit:s8", "holder-a", 20*time.Millisecond); err != nil {
			t.Fatalf("AcquireLock: %v", err)
		}
		time.Sleep(80 * time.Millisecond)
		if err := s.AcquireLock(ctx, "admit:s8", "holder-b", time.Second); err != nil {
			t.Fatalf("expected lock to have expired, got %v", err)
		}
	})

	t.Run("Ping succeeds against a healthy backend", func(t *testing.T) {
		s := newStorage(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}
