// Command example demonstrates the storage.Storage contract against the in-process
// backend: session create/CAS-update/close, event append/replay, and advisory locking.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bh-rat/mcp-db/storage"
	"github.com/bh-rat/mcp-db/storage/memory"
)

func main() {
	store, err := memory.New(1000)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	ctx := context.Background()

	fmt.Println("=== Create session ===")
	rec := &storage.Session{
		ID:        "s-example",
		Status:    storage.StatusInitialized,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Metadata:  map[string]string{"protocolVersion": "2025-03-26"},
	}
	if err := store.PutSessionIfAbsent(ctx, rec); err != nil {
		log.Fatal("PutSessionIfAbsent:", err)
	}
	if err := store.PutSessionIfAbsent(ctx, rec); err == storage.ErrExists {
		fmt.Println("second create correctly rejected with ErrExists (I1)")
	}

	fmt.Println("\n=== Transition to ACTIVE via CAS ===")
	got, err := store.GetSession(ctx, rec.ID)
	if err != nil {
		log.Fatal("GetSession:", err)
	}
	active := got.Clone()
	active.Status = storage.StatusActive
	active.Version = got.Version + 1
	active.UpdatedAt = time.Now()
	if _, err := store.UpdateSessionCAS(ctx, rec.ID, got.Version, active); err != nil {
		log.Fatal("UpdateSessionCAS:", err)
	}
	fmt.Printf("session %s is now %s (version %d)\n", rec.ID, active.Status, active.Version)

	fmt.Println("\n=== Append and replay events ===")
	id1, _ := store.AppendEvent(ctx, rec.ID, "request", &storage.Event{
		Direction: storage.DirectionClientToServer,
		Kind:      storage.KindRequest,
		Payload:   []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`),
	})
	id2, _ := store.AppendEvent(ctx, rec.ID, "request", &storage.Event{
		Direction: storage.DirectionServerToClient,
		Kind:      storage.KindResponse,
		Payload:   []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`),
	})
	fmt.Printf("appended events %s, %s\n", id1, id2)

	events, err := store.ReadEvents(ctx, rec.ID, "request", "", 0)
	if err != nil {
		log.Fatal("ReadEvents:", err)
	}
	for _, ev := range events {
		fmt.Printf("  event %s kind=%s dir=%s\n", ev.EventID, ev.Kind, ev.Direction)
	}

	fmt.Println("\n=== Advisory lock ===")
	lockName := "admit:" + rec.ID
	if err := store.AcquireLock(ctx, lockName, "instance-a", 2*time.Second); err != nil {
		log.Fatal("AcquireLock:", err)
	}
	if err := store.AcquireLock(ctx, lockName, "instance-b", 2*time.Second); err == storage.ErrHeld {
		fmt.Println("second acquire correctly rejected with ErrHeld")
	}
	if err := store.ReleaseLock(ctx, lockName, "instance-a"); err != nil {
		log.Fatal("ReleaseLock:", err)
	}
	fmt.Println("lock released")
}
