// Package interceptor implements the protocol interceptor (spec.md §4.5): it parses
// JSON-RPC request/response frames just enough to drive session-record transitions and
// append observed frames to the event store, without reordering, transforming, or
// buffering beyond the outermost JSON-RPC object. Grounded on
// original_source/core/interceptor.py's handle_incoming/handle_outgoing split and
// _extract_session_id precedence, adapted to the teacher's internal/jsonrpc.AnyMessage
// parsing and to this core's explicit storage.Status DAG (the original tracks status as
// a free-form string).
package interceptor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bh-rat/mcp-db/eventstore"
	"github.com/bh-rat/mcp-db/internal/jsonrpc"
	"github.com/bh-rat/mcp-db/sessionmanager"
	"github.com/bh-rat/mcp-db/storage"
)

const (
	methodInitialize           = "initialize"
	methodNotificationsInit    = "notifications/initialized"
	// StreamRequest and StreamStandalone are the two stream_key values the transport
	// wrapper assigns: request-tied SSE/JSON responses vs. the standalone GET stream.
	StreamRequest    = "request"
	StreamStandalone = "standalone"
)

// Interceptor is the component-E surface. Safe for concurrent use across different
// sessions; serializes observations for the same session id via a striped keyed lock.
type Interceptor struct {
	sessions *sessionmanager.Manager
	events   *eventstore.EventStore
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs an Interceptor over the given session manager and event store.
func New(sessions *sessionmanager.Manager, events *eventstore.EventStore, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		sessions: sessions,
		events:   events,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns (creating if needed) the per-session mutex. Entries are never
// removed: sessions are finite in number relative to server lifetime and the map is
// small enough that this is preferable to the complexity of refcounted eviction.
func (i *Interceptor) lockFor(sessionID string) *sync.Mutex {
	i.locksMu.Lock()
	defer i.locksMu.Unlock()
	l, ok := i.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		i.locks[sessionID] = l
	}
	return l
}

// withSessionLock serializes fn against other observations for the same session id.
// The lock is released before fn returns control to the caller's own forwarding step
// when used correctly by callers (the lock only wraps the bookkeeping in this package,
// never the upstream call itself — see (G) in transport, which holds it only across
// this package's calls).
func (i *Interceptor) withSessionLock(sessionID string, fn func() error) error {
	if sessionID == "" {
		return fn()
	}
	l := i.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// ExtractSessionID implements the discovery order from spec.md §4.5: (1)
// Mcp-Session-Id header, (2) X-Mcp-Session-Id header, (3) JSON-RPC params.session_id.
// Last-Event-ID is never consulted here; it is a per-stream cursor, handled entirely by
// (G)/the upstream, not a session locator. If both a header and params disagree, the
// header wins and the caller should log a warning (see ExtractSessionIDVerbose).
func ExtractSessionID(headers http.Header, msg *jsonrpc.AnyMessage) string {
	id, _ := ExtractSessionIDVerbose(headers, msg)
	return id
}

// ExtractSessionIDVerbose is ExtractSessionID plus a conflict flag: true if a params
// session_id was present and disagreed with the header-derived id (header still wins).
func ExtractSessionIDVerbose(headers http.Header, msg *jsonrpc.AnyMessage) (id string, conflict bool) {
	headerID := headers.Get("Mcp-Session-Id")
	if headerID == "" {
		headerID = headers.Get("X-Mcp-Session-Id")
	}

	paramsID := paramsSessionID(msg)

	if headerID != "" {
		return headerID, paramsID != "" && paramsID != headerID
	}
	return paramsID, false
}

func paramsSessionID(msg *jsonrpc.AnyMessage) string {
	if msg == nil || len(msg.Params) == 0 {
		return ""
	}
	var params struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ""
	}
	return params.SessionID
}

// ObserveRequest handles a client->server frame before it is forwarded upstream. For a
// fresh `initialize` with no session id yet, this only notes that nothing should be
// written (session creation is deferred to ObserveResponse once the upstream assigns an
// id). For `notifications/initialized` on a known session, this transitions the session
// to ACTIVE. Any other frame on a known session is recorded as an event on streamKey.
func (i *Interceptor) ObserveRequest(ctx context.Context, sessionID, streamKey string, msg *jsonrpc.AnyMessage) error {
	if msg == nil {
		return nil
	}
	return i.withSessionLock(sessionID, func() error {
		if msg.Method == methodInitialize && sessionID == "" {
			// Pending init on the connection; no durable state written yet.
			return nil
		}
		if sessionID == "" {
			i.logger.DebugContext(ctx, "interceptor: frame with no session id, passing through unrecorded", "method", msg.Method)
			return nil
		}

		kind, method, rpcID := classifyRequest(msg)
		if _, err := i.events.Record(ctx, sessionID, streamKey, storage.DirectionClientToServer, kind, method, rpcID, msg.Params); err != nil {
			return err
		}

		if msg.Method == methodNotificationsInit {
			if _, err := i.sessions.Transition(ctx, sessionID, storage.StatusInitialized, storage.StatusActive, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// ObserveResponse handles a server->client frame after the upstream produced it but
// before it is sent to the client. assignedSessionID is the Mcp-Session-Id the upstream
// attached to this response (non-empty only on a successful initialize response). On an
// initialize response the session record's Metadata is seeded from the initialize
// request's own params (protocolVersion/clientInfo/capabilities), per spec.md §3 and
// §4.5's "D.Create(id, metadata_from_params)" — grounded on original_source's
// handle_outgoing, which stashes init params and seeds client_id/capabilities at create
// time (core/interceptor.py:78-100).
func (i *Interceptor) ObserveResponse(ctx context.Context, sessionID, streamKey string, req, resp *jsonrpc.AnyMessage, assignedSessionID string) error {
	if resp == nil {
		return nil
	}
	effectiveID := sessionID
	if effectiveID == "" {
		effectiveID = assignedSessionID
	}

	return i.withSessionLock(effectiveID, func() error {
		isInitResponse := req != nil && req.Method == methodInitialize && assignedSessionID != ""
		if isInitResponse {
			if _, err := i.sessions.Create(ctx, assignedSessionID, metadataFromInitParams(req.Params)); err != nil && err != storage.ErrExists {
				return err
			}
			if req.Params != nil {
				if _, err := i.events.Record(ctx, assignedSessionID, streamKey, storage.DirectionClientToServer, storage.KindRequest, req.Method, requestIDString(req), req.Params); err != nil {
					return err
				}
			}
		}

		if effectiveID == "" {
			return nil
		}
		kind, method, rpcID := classifyResponse(resp)
		_, err := i.events.Record(ctx, effectiveID, streamKey, storage.DirectionServerToClient, kind, method, rpcID, responsePayload(resp))
		return err
	})
}

// Close transitions the session to CLOSED and records a synthetic CLOSE event. The
// transport wrapper calls it for an explicit DELETE on the MCP endpoint; upstream
// terminal "session gone" signals are not detected, so nothing calls it for those.
// Idempotent for the session record (sessionmanager.Close is idempotent); each call
// appends another CLOSE event.
func (i *Interceptor) Close(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return i.withSessionLock(sessionID, func() error {
		if _, err := i.sessions.Close(ctx, sessionID); err != nil {
			return err
		}
		_, err := i.events.Record(ctx, sessionID, StreamRequest, storage.DirectionServerToClient, storage.KindClose, "", "", nil)
		return err
	})
}

func classifyRequest(msg *jsonrpc.AnyMessage) (storage.Kind, string, string) {
	if msg.Type() == "notification" {
		return storage.KindNotification, msg.Method, ""
	}
	return storage.KindRequest, msg.Method, requestIDString(msg)
}

func classifyResponse(msg *jsonrpc.AnyMessage) (storage.Kind, string, string) {
	if msg.Error != nil {
		return storage.KindError, "", requestIDString(msg)
	}
	return storage.KindResponse, "", requestIDString(msg)
}

func requestIDString(msg *jsonrpc.AnyMessage) string {
	if msg == nil || msg.ID == nil {
		return ""
	}
	return msg.ID.String()
}

// metadataFromInitParams extracts the negotiated protocol version, client identity, and
// a capability summary from an initialize request's params, for seeding a new session
// record's Metadata (spec.md §3). Storage.Session.Metadata is flat string/string, so
// capabilities (an arbitrary JSON object) is carried as its compact JSON encoding rather
// than flattened key by key.
func metadataFromInitParams(params json.RawMessage) map[string]string {
	if len(params) == 0 {
		return nil
	}
	var parsed struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(params, &parsed); err != nil {
		return nil
	}

	meta := make(map[string]string)
	if parsed.ProtocolVersion != "" {
		meta["protocolVersion"] = parsed.ProtocolVersion
	}
	if parsed.ClientInfo.Name != "" {
		meta["clientName"] = parsed.ClientInfo.Name
	}
	if parsed.ClientInfo.Version != "" {
		meta["clientVersion"] = parsed.ClientInfo.Version
	}
	if len(parsed.Capabilities) > 0 {
		meta["capabilities"] = string(parsed.Capabilities)
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func responsePayload(msg *jsonrpc.AnyMessage) []byte {
	if msg.Error != nil {
		b, _ := json.Marshal(msg.Error)
		return b
	}
	return msg.Result
}
