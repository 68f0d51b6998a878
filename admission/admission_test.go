package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bh-rat/mcp-db/coreerr"
	"github.com/bh-rat/mcp-db/sessionmanager"
	"github.com/bh-rat/mcp-db/storage"
	"github.com/bh-rat/mcp-db/storage/memory"
)

type fakeTransport struct {
	injected [][]byte
	mu       sync.Mutex
}

func (f *fakeTransport) InjectInbound(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, raw)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.injected)
}

type fakeUpstream struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	createCalls int32
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{transports: map[string]*fakeTransport{}}
}

func (u *fakeUpstream) HasSession(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.transports[id]
	return ok
}

func (u *fakeUpstream) CreateTransportForSession(ctx context.Context, id string, metadata map[string]string) (Transport, error) {
	atomic.AddInt32(&u.createCalls, 1)
	u.mu.Lock()
	defer u.mu.Unlock()
	if t, ok := u.transports[id]; ok {
		return t, nil
	}
	t := &fakeTransport{}
	u.transports[id] = t
	return t, nil
}

func newTestController(t *testing.T) (*Controller, *sessionmanager.Manager, storage.Storage, *fakeUpstream) {
	t.Helper()
	s, err := memory.New(0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	sm, err := sessionmanager.New(s, sessionmanager.Config{})
	if err != nil {
		t.Fatalf("sessionmanager.New: %v", err)
	}
	up := newFakeUpstream()
	c := New(sm, s, up, "instance-1", Config{LockWaitTotal: 50 * time.Millisecond, LockRetryInterval: 5 * time.Millisecond})
	return c, sm, s, up
}

func TestAdmitUnknownSessionReturnsClientError(t *testing.T) {
	c, _, _, _ := newTestController(t)
	err := c.Admit(context.Background(), "s-never", false)
	var ce *coreerr.ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ClientError, got %v", err)
	}
	if ce.HTTPStatus != 404 {
		t.Fatalf("expected 404, got %d", ce.HTTPStatus)
	}
}

func TestAdmitUnknownSessionWithInitializePassesThrough(t *testing.T) {
	c, _, _, up := newTestController(t)
	err := c.Admit(context.Background(), "s-new", true)
	if err != nil {
		t.Fatalf("expected pass-through for initialize on unknown session, got %v", err)
	}
	if up.HasSession("s-new") {
		t.Fatal("admission must not create a transport for a not-yet-created session")
	}
}

func TestAdmitClosedSessionReturnsClientError(t *testing.T) {
	c, sm, _, _ := newTestController(t)
	ctx := context.Background()
	sm.Create(ctx, "s1", nil)
	sm.Close(ctx, "s1")

	err := c.Admit(ctx, "s1", false)
	var ce *coreerr.ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ClientError for CLOSED session, got %v", err)
	}
}

func TestAdmitRehydratesInitializedSessionWithoutWarming(t *testing.T) {
	c, sm, _, up := newTestController(t)
	ctx := context.Background()
	sm.Create(ctx, "s1", map[string]string{"proto": "2025-03-26"})

	if err := c.Admit(ctx, "s1", false); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !up.HasSession("s1") {
		t.Fatal("expected transport to be created")
	}
	tr := up.transports["s1"]
	if tr.count() != 0 {
		t.Fatalf("expected no warming notification for INITIALIZED session, got %d", tr.count())
	}
}

func TestAdmitRehydratesActiveSessionAndWarmsOnce(t *testing.T) {
	c, sm, _, up := newTestController(t)
	ctx := context.Background()
	sm.Create(ctx, "s1", nil)
	sm.Transition(ctx, "s1", storage.StatusInitialized, storage.StatusActive, nil)

	// Force HasSession to report false across repeated admits by not registering into
	// upstream directly; CreateTransportForSession already makes it idempotent on the
	// fake, so simulate N concurrent admission calls (S5 / P5).
	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Admit(ctx, "s1", false); err != nil {
				t.Errorf("Admit: %v", err)
			}
		}()
	}
	wg.Wait()

	tr := up.transports["s1"]
	if tr == nil {
		t.Fatal("expected a transport to exist")
	}
	if tr.count() != 1 {
		t.Fatalf("expected exactly one warming notification (P5), got %d", tr.count())
	}
}

func TestAdmitSkipsWhenUpstreamAlreadyHasSession(t *testing.T) {
	c, sm, _, up := newTestController(t)
	ctx := context.Background()
	sm.Create(ctx, "s1", nil)
	up.mu.Lock()
	up.transports["s1"] = &fakeTransport{}
	up.mu.Unlock()

	if err := c.Admit(ctx, "s1", false); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if atomic.LoadInt32(&up.createCalls) != 0 {
		t.Fatalf("expected no CreateTransportForSession call when upstream already has session, got %d", up.createCalls)
	}
}
