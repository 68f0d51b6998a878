package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bh-rat/mcp-db/admission"
	"github.com/bh-rat/mcp-db/eventstore"
	"github.com/bh-rat/mcp-db/interceptor"
	"github.com/bh-rat/mcp-db/sessionmanager"
	"github.com/bh-rat/mcp-db/storage"
	"github.com/bh-rat/mcp-db/storage/memory"
)

type fakeAdmTransport struct{}

func (fakeAdmTransport) InjectInbound(ctx context.Context, raw []byte) error { return nil }

type fakeUpstreamManager struct {
	has map[string]bool
}

func newFakeUpstreamManager() *fakeUpstreamManager { return &fakeUpstreamManager{has: map[string]bool{}} }

func (f *fakeUpstreamManager) HasSession(id string) bool { return f.has[id] }

func (f *fakeUpstreamManager) CreateTransportForSession(ctx context.Context, id string, metadata map[string]string) (admission.Transport, error) {
	f.has[id] = true
	return fakeAdmTransport{}, nil
}

type testHarness struct {
	sm       *sessionmanager.Manager
	es       *eventstore.EventStore
	ic       *interceptor.Interceptor
	upMgr    *fakeUpstreamManager
	adm      *admission.Controller
	upCalled int32
}

func newHarness(t *testing.T) *testHarness {
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
	es := eventstore.New(s)
	ic := interceptor.New(sm, es, nil)
	upMgr := newFakeUpstreamManager()
	adm := admission.New(sm, s, upMgr, "test-instance", admission.Config{})
	return &testHarness{sm: sm, es: es, ic: ic, upMgr: upMgr, adm: adm}
}

func TestInitializeRoundTripCreatesSession(t *testing.T) {
	h := newHarness(t)
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&h.upCalled, 1)
		w.Header().Set("Mcp-Session-Id", "s-abc")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-03-26"}}`))
	})
	wrapper := New(upstream, h.adm, h.ic, Config{})

	req := httptest.NewRequest(http.MethodPost, "/mcp", jsonBody(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	wrapper.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if atomic.LoadInt32(&h.upCalled) != 1 {
		t.Fatal("expected upstream to be called exactly once")
	}

	rec2, err := h.sm.GetBypassCache(context.Background(), "s-abc")
	if err != nil {
		t.Fatalf("expected session created by response observation, got %v", err)
	}
	if rec2.Status != storage.StatusInitialized {
		t.Fatalf("expected INITIALIZED, got %s", rec2.Status)
	}
}

func TestUnknownSessionReturns404WithoutCallingUpstream(t *testing.T) {
	h := newHarness(t)
	var called int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
	})
	wrapper := New(upstream, h.adm, h.ic, Config{})

	req := httptest.NewRequest(http.MethodPost, "/mcp", jsonBody(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", "s-never")
	rec := httptest.NewRecorder()

	wrapper.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Fatal("expected upstream NOT to be called for unknown session")
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON-RPC error body, got: %v", err)
	}
	if _, ok := body["error"]; !ok {
		t.Fatalf("expected error field in body, got %v", body)
	}
}

func TestOversizedBodyReturns413(t *testing.T) {
	h := newHarness(t)
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for oversized body")
	})
	wrapper := New(upstream, h.adm, h.ic, Config{MaxBodyBytes: 8})

	req := httptest.NewRequest(http.MethodPost, "/mcp", jsonBody(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	wrapper.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestKnownActiveSessionForwardsAndRecordsEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sm.Create(ctx, "s1", nil)
	h.sm.Transition(ctx, "s1", storage.StatusInitialized, storage.StatusActive, nil)

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":5,"result":{"tools":[]}}`))
	})
	wrapper := New(upstream, h.adm, h.ic, Config{})

	req := httptest.NewRequest(http.MethodPost, "/mcp", jsonBody(`{"jsonrpc":"2.0","id":5,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", "s1")
	rec := httptest.NewRecorder()

	wrapper.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	events, err := h.es.Replay(ctx, "s1", interceptor.StreamRequest, "")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected REQUEST+RESPONSE events, got %d: %+v", len(events), events)
	}
}

func TestDeleteClosesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sm.Create(ctx, "s1", nil)

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	wrapper := New(upstream, h.adm, h.ic, Config{})

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", "s1")
	rec := httptest.NewRecorder()

	wrapper.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	got, err := h.sm.GetBypassCache(ctx, "s1")
	if err != nil {
		t.Fatalf("GetBypassCache: %v", err)
	}
	if got.Status != storage.StatusClosed {
		t.Fatalf("expected CLOSED, got %s", got.Status)
	}
}

func TestGetSSERecordsEachEventOnceOnStandaloneStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sm.Create(ctx, "s1", nil)
	h.sm.Transition(ctx, "s1", storage.StatusInitialized, storage.StatusActive, nil)

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for i := 1; i <= 2; i++ {
			fmt.Fprintf(w, "id: e%s\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n", strconv.Itoa(i))
			fl.Flush()
		}
	})
	wrapper := New(upstream, h.adm, h.ic, Config{})

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", "s1")
	rec := httptest.NewRecorder()

	wrapper.ServeHTTP(rec, req)

	events, err := h.es.Replay(ctx, "s1", interceptor.StreamStandalone, "")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 observed SSE events, got %d", len(events))
	}
}

func TestBatchPostRecordsEachMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sm.Create(ctx, "s1", nil)
	h.sm.Transition(ctx, "s1", storage.StatusInitialized, storage.StatusActive, nil)

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"jsonrpc":"2.0","id":5,"result":{"tools":[]}},{"jsonrpc":"2.0","id":6,"result":{}}]`))
	})
	wrapper := New(upstream, h.adm, h.ic, Config{})

	req := httptest.NewRequest(http.MethodPost, "/mcp", jsonBody(`[{"jsonrpc":"2.0","id":5,"method":"tools/list"},{"jsonrpc":"2.0","id":6,"method":"ping"}]`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", "s1")
	rec := httptest.NewRecorder()

	wrapper.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	events, err := h.es.Replay(ctx, "s1", interceptor.StreamRequest, "")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 2 REQUEST+2 RESPONSE events, got %d: %+v", len(events), events)
	}
}

func jsonBody(s string) io.Reader {
	return strings.NewReader(s)
}
