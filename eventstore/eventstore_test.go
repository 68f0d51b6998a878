package eventstore

import (
	"context"
	"testing"

	"github.com/bh-rat/mcp-db/storage"
	"github.com/bh-rat/mcp-db/storage/memory"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	s, err := memory.New(100)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestRecordAndReplay(t *testing.T) {
	es := newTestStore(t)
	ctx := context.Background()

	id1, err := es.Record(ctx, "s1", "request", storage.DirectionClientToServer, storage.KindRequest, "tools/list", "1", []byte(`{}`))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	id2, err := es.Record(ctx, "s1", "request", storage.DirectionServerToClient, storage.KindResponse, "", "1", []byte(`{}`))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := es.Replay(ctx, "s1", "request", "")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 || events[0].EventID != id1 || events[1].EventID != id2 {
		t.Fatalf("unexpected replay order: %+v", events)
	}

	latest, err := es.LatestId(ctx, "s1", "request")
	if err != nil {
		t.Fatalf("LatestId: %v", err)
	}
	if latest != id2 {
		t.Fatalf("expected latest %s, got %s", id2, latest)
	}
}

func TestLatestIdOnEmptyStream(t *testing.T) {
	es := newTestStore(t)
	latest, err := es.LatestId(context.Background(), "nope", "request")
	if err != nil {
		t.Fatalf("LatestId: %v", err)
	}
	if latest != "" {
		t.Fatalf("expected empty latest id, got %q", latest)
	}
}
