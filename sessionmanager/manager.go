// Package sessionmanager implements the session-record lifecycle on top of
// storage.Storage: Create/Get/Transition/TouchMetadata/Close/Invalidate (spec.md §4.4).
// Grounded on the teacher's internal/sessioncore/manager_stateful.go, adapted from its
// host-level MutateSession callback to a CAS-retry loop directly against
// storage.Storage, since this core has no host-side mutate primitive — just
// GetSession/UpdateSessionCAS.
package sessionmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bh-rat/mcp-db/coreerr"
	"github.com/bh-rat/mcp-db/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MetricsSink allows optional instrumentation without a hard dependency, matching the
// teacher's internal/sessioncore.MetricsSink shape.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, map[string]string)            {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}

// Config controls retry budget and the optional read cache.
type Config struct {
	// MaxCASRetries bounds Transition/TouchMetadata's retry-on-CONFLICT loop.
	MaxCASRetries int
	// CacheSize is the read cache's max entry count; <=0 disables the cache.
	CacheSize int
	// CacheTTL is how long a cached record is trusted before a Get falls through
	// to the store again.
	CacheTTL time.Duration
	Logger   *slog.Logger
	// Metrics receives session-lifecycle counters and cache hit/miss counts. Defaults
	// to a no-op sink.
	Metrics MetricsSink
}

func (c *Config) applyDefaults() {
	if c.MaxCASRetries <= 0 {
		c.MaxCASRetries = 5
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
}

type cacheEntry struct {
	rec     *storage.Session
	cachedAt time.Time
}

// Manager is the component-D surface. Safe for concurrent use.
type Manager struct {
	store storage.Storage
	cfg   Config
	cache *lru.Cache[string, cacheEntry]
}

// New constructs a Manager. If cfg.CacheSize > 0 a bounded per-node read cache is
// attached; per spec.md §4.4 it is never consulted from the admission path — callers
// on that path must use GetBypassCache.
func New(store storage.Storage, cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	m := &Manager{store: store, cfg: cfg}
	if cfg.CacheSize > 0 {
		c, err := lru.New[string, cacheEntry](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("sessionmanager: building read cache: %w", err)
		}
		m.cache = c
	}
	return m, nil
}

// Create atomically inserts a new INITIALIZED session record. Returns
// storage.ErrExists if a record with this id already exists (P3: at-most-one-create).
func (m *Manager) Create(ctx context.Context, id string, initialMetadata map[string]string) (*storage.Session, error) {
	now := m.store.Now(ctx)
	rec := &storage.Session{
		ID:        id,
		Status:    storage.StatusInitialized,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  initialMetadata,
		Version:   1,
	}
	if err := m.store.PutSessionIfAbsent(ctx, rec); err != nil {
		return nil, err
	}
	m.cachePut(rec)
	m.cfg.Metrics.IncCounter("mcp_session_total", map[string]string{"label": "created"})
	return rec, nil
}

// Get answers from the local read cache when fresh, falling through to the store on a
// miss or stale entry.
func (m *Manager) Get(ctx context.Context, id string) (*storage.Session, error) {
	if m.cache != nil {
		if e, ok := m.cache.Get(id); ok && m.store.Now(ctx).Sub(e.cachedAt) < m.cfg.CacheTTL {
			m.cfg.Metrics.IncCounter("mcp_cache_hit_ratio", map[string]string{"label": "hit"})
			return e.rec.Clone(), nil
		}
		m.cfg.Metrics.IncCounter("mcp_cache_hit_ratio", map[string]string{"label": "miss"})
	}
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cachePut(rec)
	return rec, nil
}

// GetBypassCache always reads the store directly. The admission controller (F) MUST
// use this, never Get: staleness on that path causes incorrect rehydration decisions.
func (m *Manager) GetBypassCache(ctx context.Context, id string) (*storage.Session, error) {
	return m.store.GetSession(ctx, id)
}

// legalTransitions enumerates the status DAG edges permitted by I2.
var legalTransitions = map[storage.Status][]storage.Status{
	storage.StatusInitialized: {storage.StatusActive, storage.StatusClosed},
	storage.StatusActive:      {storage.StatusClosed},
	storage.StatusClosed:      {},
}

func isLegalTransition(from, to storage.Status) bool {
	if from == to {
		return true // idempotent self-transition, handled by callers as a no-op
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the session from `from` to `to`, retrying on CONFLICT up to
// cfg.MaxCASRetries times. Returns *coreerr.IllegalTransition if the edge violates I2,
// without touching the store. Returns *coreerr.ConflictError if the retry budget is
// exhausted.
func (m *Manager) Transition(ctx context.Context, id string, from, to storage.Status, metadataPatch map[string]string) (*storage.Session, error) {
	for attempt := 0; attempt <= m.cfg.MaxCASRetries; attempt++ {
		cur, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == to {
			// Already at the target status: idempotent no-op (spec.md §4.5, e.g.
			// notifications/initialized observed twice).
			m.cachePut(cur)
			return cur, nil
		}
		if cur.Status != from || !isLegalTransition(cur.Status, to) {
			m.cacheInvalidate(id)
			return nil, &coreerr.IllegalTransition{SessionID: id, From: string(cur.Status), To: string(to)}
		}

		next := cur.Clone()
		next.Status = to
		next.Version = cur.Version + 1
		next.UpdatedAt = m.store.Now(ctx)
		for k, v := range metadataPatch {
			if next.Metadata == nil {
				next.Metadata = make(map[string]string, len(metadataPatch))
			}
			next.Metadata[k] = v
		}

		updated, err := m.store.UpdateSessionCAS(ctx, id, cur.Version, next)
		if err == nil {
			m.cachePut(updated)
			m.cfg.Metrics.IncCounter("mcp_session_total", map[string]string{"label": string(to)})
			return updated, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		m.cacheInvalidate(id)
	}
	return nil, &coreerr.ConflictError{SessionID: id}
}

// TouchMetadata CAS-merges patch into the session's metadata, last-writer-wins per
// key, without changing status. Retries on CONFLICT up to cfg.MaxCASRetries times.
func (m *Manager) TouchMetadata(ctx context.Context, id string, patch map[string]string) (*storage.Session, error) {
	for attempt := 0; attempt <= m.cfg.MaxCASRetries; attempt++ {
		cur, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(patch))
		}
		for k, v := range patch {
			next.Metadata[k] = v
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = m.store.Now(ctx)

		updated, err := m.store.UpdateSessionCAS(ctx, id, cur.Version, next)
		if err == nil {
			m.cachePut(updated)
			return updated, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		m.cacheInvalidate(id)
	}
	return nil, &coreerr.ConflictError{SessionID: id}
}

// Close CAS-transitions the session to CLOSED. Idempotent: a session already CLOSED
// returns the current record with no error.
func (m *Manager) Close(ctx context.Context, id string) (*storage.Session, error) {
	for attempt := 0; attempt <= m.cfg.MaxCASRetries; attempt++ {
		cur, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == storage.StatusClosed {
			m.cachePut(cur)
			return cur, nil
		}
		next := cur.Clone()
		next.Status = storage.StatusClosed
		next.Version = cur.Version + 1
		next.UpdatedAt = m.store.Now(ctx)

		updated, err := m.store.UpdateSessionCAS(ctx, id, cur.Version, next)
		if err == nil {
			m.cachePut(updated)
			return updated, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		m.cacheInvalidate(id)
	}
	return nil, &coreerr.ConflictError{SessionID: id}
}

// Invalidate drops the local cache entry for id, if any. Used when external evidence
// (e.g. an upstream "session gone" signal) contradicts cached state.
func (m *Manager) Invalidate(id string) {
	m.cacheInvalidate(id)
}

func (m *Manager) cachePut(rec *storage.Session) {
	if m.cache == nil || rec == nil {
		return
	}
	m.cache.Add(rec.ID, cacheEntry{rec: rec.Clone(), cachedAt: time.Now()})
}

func (m *Manager) cacheInvalidate(id string) {
	if m.cache == nil {
		return
	}
	m.cache.Remove(id)
}
