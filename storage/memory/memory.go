// Package memory provides an in-process implementation of storage.Storage, backed by
// concurrency-safe maps and slices plus a bounded LRU for the session record map. It is
// intended for development and for tests, and for single-instance deployments where no
// shared backend is needed.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bh-rat/mcp-db/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage implements storage.Storage entirely in process memory.
type Storage struct {
	mu       sync.RWMutex
	sessions *lru.Cache[string, *storage.Session]

	streamsMu sync.RWMutex
	streams   map[streamKey]*stream

	locksMu sync.Mutex
	locks   map[string]lockState

	counterMu sync.Mutex
	counter   int64
}

type streamKey struct {
	sessionID string
	streamKey string
}

type stream struct {
	mu     sync.RWMutex
	events []*storage.Event
	index  map[string]int // event id -> index in events, for O(1) ReadEvents(after)
}

type lockState struct {
	holderID string
	expires  time.Time
}

// New creates an in-process storage backend. maxSessions bounds the number of session
// records held at once (default 0 means unbounded, realized as a very large cache).
func New(maxSessions int) (*Storage, error) {
	if maxSessions <= 0 {
		maxSessions = 1_000_000
	}
	cache, err := lru.New[string, *storage.Session](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("memory: failed to create session cache: %w", err)
	}
	return &Storage{
		sessions: cache,
		streams:  make(map[streamKey]*stream),
		locks:    make(map[string]lockState),
	}, nil
}

func (s *Storage) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	rec, ok := s.sessions.Get(id)
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Storage) PutSessionIfAbsent(ctx context.Context, rec *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions.Get(rec.ID); ok {
		return storage.ErrExists
	}
	s.sessions.Add(rec.ID, rec.Clone())
	return nil
}

func (s *Storage) UpdateSessionCAS(ctx context.Context, id string, expectedVersion int64, newRec *storage.Session) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions.Get(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, storage.ErrConflict
	}
	stored := newRec.Clone()
	stored.ID = id
	s.sessions.Add(id, stored)
	return stored.Clone(), nil
}

func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.sessions.Get(id)
	if ok {
		s.sessions.Remove(id)
	}
	s.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Storage) AppendEvent(ctx context.Context, sessionID, streamKeyName string, ev *storage.Event) (string, error) {
	s.counterMu.Lock()
	s.counter++
	id := fmt.Sprintf("%020d", s.counter)
	s.counterMu.Unlock()

	st := s.ensureStream(sessionID, streamKeyName)
	st.mu.Lock()
	defer st.mu.Unlock()

	cp := *ev
	cp.EventID = id
	cp.SessionID = sessionID
	cp.StreamKey = streamKeyName
	st.index[id] = len(st.events)
	st.events = append(st.events, &cp)
	return id, nil
}

func (s *Storage) ReadEvents(ctx context.Context, sessionID, streamKeyName, afterID string, limit int) ([]*storage.Event, error) {
	st := s.ensureStream(sessionID, streamKeyName)
	st.mu.RLock()
	defer st.mu.RUnlock()

	start := 0
	if afterID != "" {
		if idx, ok := st.index[afterID]; ok {
			start = idx + 1
		} else {
			// afterID has been trimmed off the head or never existed; start from
			// the first retained event, matching "gaps permitted only if trimmed"
			// (I4).
			start = sort.Search(len(st.events), func(i int) bool {
				return st.events[i].EventID > afterID
			})
		}
	}

	var out []*storage.Event
	for i := start; i < len(st.events); i++ {
		out = append(out, st.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Storage) TrimStream(ctx context.Context, sessionID, streamKeyName string, maxLen int) error {
	st := s.ensureStream(sessionID, streamKeyName)
	st.mu.Lock()
	defer st.mu.Unlock()
	if maxLen <= 0 || len(st.events) <= maxLen {
		return nil
	}
	drop := len(st.events) - maxLen
	st.events = append([]*storage.Event(nil), st.events[drop:]...)
	st.index = make(map[string]int, len(st.events))
	for i, e := range st.events {
		st.index[e.EventID] = i
	}
	return nil
}

func (s *Storage) AcquireLock(ctx context.Context, name, holderID string, ttl time.Duration) error {
	now := s.Now(ctx)
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	cur, ok := s.locks[name]
	if ok && cur.holderID != holderID && now.Before(cur.expires) {
		return storage.ErrHeld
	}
	s.locks[name] = lockState{holderID: holderID, expires: now.Add(ttl)}
	return nil
}

func (s *Storage) ReleaseLock(ctx context.Context, name, holderID string) error {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if cur, ok := s.locks[name]; ok && cur.holderID == holderID {
		delete(s.locks, name)
	}
	return nil
}

func (s *Storage) Now(ctx context.Context) time.Time {
	return time.Now()
}

func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

func (s *Storage) Close() error {
	return nil
}

func (s *Storage) ensureStream(sessionID, streamKeyName string) *stream {
	k := streamKey{sessionID: sessionID, streamKey: streamKeyName}

	s.streamsMu.RLock()
	st, ok := s.streams[k]
	s.streamsMu.RUnlock()
	if ok {
		return st
	}

	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if st, ok := s.streams[k]; ok {
		return st
	}
	st = &stream{index: make(map[string]int)}
	s.streams[k] = st
	return st
}

var _ storage.Storage = (*Storage)(nil)
