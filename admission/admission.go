// Package admission implements the admission controller (spec.md §4.6): it decides,
// for a session id unknown to the upstream's in-memory transport registry, whether to
// rehydrate local state from durable storage before the transport wrapper forwards the
// request. Grounded on original_source/core/admission.py's check-before-create
// idempotent registration flow, adapted from its dynamic SDK-introspection (resolving
// transport classes by import path, reaching into `_server_instances`) to a type-safe
// Go UpstreamSessionManager interface, since this core has no dependency on a concrete
// MCP SDK's internals.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bh-rat/mcp-db/coreerr"
	"github.com/bh-rat/mcp-db/sessionmanager"
	"github.com/bh-rat/mcp-db/storage"
)

// Transport is the minimal surface the admission controller needs from a rehydrated
// upstream transport: a way to inject the synthesized warming notification.
type Transport interface {
	InjectInbound(ctx context.Context, raw []byte) error
}

// UpstreamSessionManager is the external collaborator (spec.md §1): the stateless MCP
// handler's own in-memory transport registry.
type UpstreamSessionManager interface {
	// HasSession reports whether id already has a live transport on this instance.
	HasSession(id string) bool
	// CreateTransportForSession MUST be idempotent: if a transport for id already
	// exists (a concurrent admission raced this one), it returns the existing one.
	CreateTransportForSession(ctx context.Context, id string, metadata map[string]string) (Transport, error)
}

// Config controls the admission lock and unknown-session response.
type Config struct {
	// LockTTL bounds how long the admit:{id} advisory lock is held.
	LockTTL time.Duration
	// LockWaitTotal bounds the total time spent retrying a HELD lock before
	// proceeding optimistically.
	LockWaitTotal time.Duration
	// LockRetryInterval is the poll interval while waiting on a HELD lock.
	LockRetryInterval time.Duration
	// UnknownSessionHTTPStatus is the status returned for NOT_FOUND / CLOSED
	// sessions: 404 by default, 400 in legacy mode (config option `unknown_session_status`).
	UnknownSessionHTTPStatus int
	Logger                   *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Second
	}
	if c.LockWaitTotal <= 0 {
		c.LockWaitTotal = 500 * time.Millisecond
	}
	if c.LockRetryInterval <= 0 {
		c.LockRetryInterval = 50 * time.Millisecond
	}
	if c.UnknownSessionHTTPStatus == 0 {
		c.UnknownSessionHTTPStatus = 404
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

const warmingNotification = `{"jsonrpc":"2.0","method":"notifications/initialized"}`

// Controller is the component-F surface.
type Controller struct {
	sessions   *sessionmanager.Manager
	store      storage.Storage
	upstream   UpstreamSessionManager
	cfg        Config
	instanceID string

	warmedMu sync.Mutex
	warmed   map[string]struct{}
}

// New constructs a Controller. instanceID identifies this process for the
// instance-local warmed-set (spec.md §4.6 step 5c).
func New(sessions *sessionmanager.Manager, store storage.Storage, upstream UpstreamSessionManager, instanceID string, cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		sessions:   sessions,
		store:      store,
		upstream:   upstream,
		cfg:        cfg,
		instanceID: instanceID,
		warmed:     make(map[string]struct{}),
	}
}

// Admit runs the admission algorithm for sessionID, a non-empty id unknown to the
// upstream's in-memory registry. isInitializeRequest indicates the inbound request's
// JSON-RPC method is "initialize" (creation for a truly new session is always deferred
// to the protocol interceptor once the response is seen, never performed here).
//
// Returns nil if (G) should forward the request upstream as-is. Returns a
// *coreerr.ClientError for an unknown/closed session (G must not forward). Returns a
// *coreerr.TransientBackendError if the store is UNAVAILABLE. Any other error (a
// CreateTransportForSession failure, or a store error other than NOT_FOUND/UNAVAILABLE)
// MUST be surfaced as 500 without further state mutation.
func (c *Controller) Admit(ctx context.Context, sessionID string, isInitializeRequest bool) error {
	if sessionID == "" || c.upstream.HasSession(sessionID) {
		return nil
	}

	rec, err := c.sessions.GetBypassCache(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if isInitializeRequest {
				return nil
			}
			return coreerr.NewClientError(c.cfg.UnknownSessionHTTPStatus, -32000, "Session not found")
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return &coreerr.TransientBackendError{Cause: err}
		}
		return err
	}

	if rec.Status == storage.StatusClosed {
		return coreerr.NewClientError(c.cfg.UnknownSessionHTTPStatus, -32000, "Session not found")
	}

	// rec.Status is INITIALIZED or ACTIVE: rehydrate local transport state.
	lockName := "admit:" + sessionID
	held := c.acquireLockWithWait(ctx, lockName)
	if held {
		defer func() {
			if err := c.store.ReleaseLock(ctx, lockName, c.instanceID); err != nil {
				c.cfg.Logger.WarnContext(ctx, "admission: failed to release lock", "session_id", sessionID, "error", err)
			}
		}()
	} else {
		c.cfg.Logger.WarnContext(ctx, "admission: proceeding optimistically without lock", "session_id", sessionID)
	}

	transport, err := c.upstream.CreateTransportForSession(ctx, sessionID, rec.Metadata)
	if err != nil {
		return fmt.Errorf("admission: CreateTransportForSession(%s): %w", sessionID, err)
	}

	if rec.Status == storage.StatusActive {
		c.warmOnce(ctx, sessionID, transport)
	}

	return nil
}

// acquireLockWithWait attempts AcquireLock, retrying on HELD up to cfg.LockWaitTotal,
// then gives up and returns false so the caller proceeds optimistically (spec.md §4.6
// step 5a: CreateTransportForSession must be idempotent, so this is safe).
func (c *Controller) acquireLockWithWait(ctx context.Context, lockName string) bool {
	deadline := time.Now().Add(c.cfg.LockWaitTotal)
	for {
		err := c.store.AcquireLock(ctx, lockName, c.instanceID, c.cfg.LockTTL)
		if err == nil {
			return true
		}
		if !errors.Is(err, storage.ErrHeld) {
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.LockRetryInterval):
		}
	}
}

// warmOnce synthesizes and injects notifications/initialized into transport at most
// once per (instance, session), tracked by the instance-local warmed-set.
func (c *Controller) warmOnce(ctx context.Context, sessionID string, transport Transport) {
	c.warmedMu.Lock()
	defer c.warmedMu.Unlock()

	if _, already := c.warmed[sessionID]; already {
		return
	}
	if err := transport.InjectInbound(ctx, []byte(warmingNotification)); err != nil {
		c.cfg.Logger.WarnContext(ctx, "admission: failed to inject warming notification", "session_id", sessionID, "error", err)
		return
	}
	c.warmed[sessionID] = struct{}{}
}

// Forget drops sessionID from the instance-local warmed-set. Used when a session is
// torn down so a future re-admission (e.g. after TTL expiry of local state only, never
// of the durable record) can warm it again.
func (c *Controller) Forget(sessionID string) {
	c.warmedMu.Lock()
	delete(c.warmed, sessionID)
	c.warmedMu.Unlock()
}
