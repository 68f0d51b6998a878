// Package eventstore exposes the per-session append/replay surface over a
// resilience-wrapped storage.Storage. Grounded on original_source/core/event_store.py,
// which is itself a thin delegation layer over the storage adapter (spec.md §4.3): the
// event id is the identity storage.AppendEvent assigns; this package does not re-number
// or re-order it.
package eventstore

import (
	"context"

	"github.com/bh-rat/mcp-db/storage"
)

// EventStore is the component-C surface: Record, Replay, LatestId.
type EventStore struct {
	store storage.Storage
}

// New wraps a (resilience-wrapped) storage.Storage as an EventStore.
func New(store storage.Storage) *EventStore {
	return &EventStore{store: store}
}

// Record appends one observed JSON-RPC frame to (session_id, stream_key) and returns
// the event id storage assigned.
func (e *EventStore) Record(ctx context.Context, sessionID, streamKey string, direction storage.Direction, kind storage.Kind, method, jsonrpcID string, payload []byte) (string, error) {
	return e.store.AppendEvent(ctx, sessionID, streamKey, &storage.Event{
		SessionID:     sessionID,
		StreamKey:     streamKey,
		Direction:     direction,
		Kind:          kind,
		JSONRPCMethod: method,
		JSONRPCID:     jsonrpcID,
		Payload:       payload,
	})
}

// Replay returns a finite, non-restartable ordered sequence of events for
// (session_id, stream_key) after afterEventID (empty string replays from the start of
// retained history). Replay is bounded by retention (the stream's trim length); it does
// not block waiting for new events to arrive.
func (e *EventStore) Replay(ctx context.Context, sessionID, streamKey, afterEventID string) ([]*storage.Event, error) {
	return e.store.ReadEvents(ctx, sessionID, streamKey, afterEventID, 0)
}

// LatestId returns the id of the most recently appended event on (session_id,
// stream_key), or "" if the stream is empty.
func (e *EventStore) LatestId(ctx context.Context, sessionID, streamKey string) (string, error) {
	events, err := e.store.ReadEvents(ctx, sessionID, streamKey, "", 0)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].EventID, nil
}

// Trim bounds the stream to maxLen most-recent events.
func (e *EventStore) Trim(ctx context.Context, sessionID, streamKey string, maxLen int) error {
	return e.store.TrimStream(ctx, sessionID, streamKey, maxLen)
}
