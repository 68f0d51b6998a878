package resilience

import (
	"context"
	"time"

	"github.com/bh-rat/mcp-db/storage"
)

// WrappedStorage decorates a storage.Storage with retry + circuit breaking, so every
// caller above (B) in the stack — event store, session manager, interceptor, admission
// controller — gets the same transient-fault handling by depending on storage.Storage
// as normal, without knowing resilience sits underneath (spec.md's component
// boundaries treat B as transparent to C-F).
type WrappedStorage struct {
	inner storage.Storage
	w     *Wrapper
}

// Wrap returns a storage.Storage backed by inner, with retry config retryCfg and
// circuit breaker config breakerCfg applied to every call.
func Wrap(inner storage.Storage, retryCfg RetryConfig, breakerCfg BreakerConfig) *WrappedStorage {
	return &WrappedStorage{inner: inner, w: New(retryCfg, breakerCfg)}
}

// Wrapper exposes the underlying resilience.Wrapper, e.g. for breaker-state metrics.
func (s *WrappedStorage) Wrapper() *Wrapper { return s.w }

func (s *WrappedStorage) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	return DoValue(ctx, s.w, func(ctx context.Context) (*storage.Session, error) {
		return s.inner.GetSession(ctx, id)
	})
}

func (s *WrappedStorage) PutSessionIfAbsent(ctx context.Context, rec *storage.Session) error {
	return s.w.Do(ctx, func(ctx context.Context) error {
		return s.inner.PutSessionIfAbsent(ctx, rec)
	})
}

func (s *WrappedStorage) UpdateSessionCAS(ctx context.Context, id string, expectedVersion int64, newRec *storage.Session) (*storage.Session, error) {
	return DoValue(ctx, s.w, func(ctx context.Context) (*storage.Session, error) {
		return s.inner.UpdateSessionCAS(ctx, id, expectedVersion, newRec)
	})
}

func (s *WrappedStorage) DeleteSession(ctx context.Context, id string) error {
	return s.w.Do(ctx, func(ctx context.Context) error {
		return s.inner.DeleteSession(ctx, id)
	})
}

func (s *WrappedStorage) AppendEvent(ctx context.Context, sessionID, streamKey string, ev *storage.Event) (string, error) {
	return DoValue(ctx, s.w, func(ctx context.Context) (string, error) {
		return s.inner.AppendEvent(ctx, sessionID, streamKey, ev)
	})
}

func (s *WrappedStorage) ReadEvents(ctx context.Context, sessionID, streamKey, afterID string, limit int) ([]*storage.Event, error) {
	return DoValue(ctx, s.w, func(ctx context.Context) ([]*storage.Event, error) {
		return s.inner.ReadEvents(ctx, sessionID, streamKey, afterID, limit)
	})
}

func (s *WrappedStorage) TrimStream(ctx context.Context, sessionID, streamKey string, maxLen int) error {
	return s.w.Do(ctx, func(ctx context.Context) error {
		return s.inner.TrimStream(ctx, sessionID, streamKey, maxLen)
	})
}

func (s *WrappedStorage) AcquireLock(ctx context.Context, name, holderID string, ttl time.Duration) error {
	return s.w.Do(ctx, func(ctx context.Context) error {
		return s.inner.AcquireLock(ctx, name, holderID, ttl)
	})
}

func (s *WrappedStorage) ReleaseLock(ctx context.Context, name, holderID string) error {
	return s.w.Do(ctx, func(ctx context.Context) error {
		return s.inner.ReleaseLock(ctx, name, holderID)
	})
}

func (s *WrappedStorage) Now(ctx context.Context) time.Time {
	return s.inner.Now(ctx)
}

func (s *WrappedStorage) Ping(ctx context.Context) error {
	return s.w.Do(ctx, func(ctx context.Context) error {
		return s.inner.Ping(ctx)
	})
}

func (s *WrappedStorage) Close() error {
	return s.inner.Close()
}

var _ storage.Storage = (*WrappedStorage)(nil)
