// Package transport implements the transport wrapper (spec.md §4.7): an HTTP
// middleware around a stateless upstream MCP Streamable HTTP handler that extracts the
// session id, invokes the admission controller (F), forwards the request with a
// replayable body, and taps the response so the protocol interceptor (E) observes every
// JSON-RPC frame exactly once without altering SSE delivery semantics. Grounded heavily
// on the teacher's streaminghttp/handler.go: header constants, the
// lockedWriteFlusher/writeSSEEvent framing (generalized here into tapResponseWriter +
// sseTee), the POST/GET/DELETE method dispatch, and its use of
// github.com/elnormous/contenttype for Content-Type/Accept negotiation.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bh-rat/mcp-db/admission"
	"github.com/bh-rat/mcp-db/coreerr"
	"github.com/bh-rat/mcp-db/interceptor"
	"github.com/bh-rat/mcp-db/internal/jsonrpc"
	"github.com/bh-rat/mcp-db/internal/logctx"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

const mcpSessionIDHeader = "Mcp-Session-Id"

var jsonMediaType = contenttype.NewMediaType("application/json")

// Config controls body-size enforcement.
type Config struct {
	// MaxBodyBytes bounds a POST body; exceeding it yields 413. Default 1 MiB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.New(logctx.Handler{Handler: slog.Default().Handler()})
	}
}

// Wrapper is the component-G surface: an http.Handler decorating an upstream
// http.Handler (the stateless MCP server).
type Wrapper struct {
	upstream    http.Handler
	admission   *admission.Controller
	interceptor *interceptor.Interceptor
	cfg         Config
}

// New constructs a Wrapper. upstream is the stateless MCP Streamable HTTP handler this
// instance forwards admitted requests to.
func New(upstream http.Handler, adm *admission.Controller, ic *interceptor.Interceptor, cfg Config) *Wrapper {
	cfg.applyDefaults()
	return &Wrapper{upstream: upstream, admission: adm, interceptor: ic, cfg: cfg}
}

func (w *Wrapper) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		w.handlePost(rw, r)
	case http.MethodGet:
		w.handleGet(rw, r)
	case http.MethodDelete:
		w.handleDelete(rw, r)
	default:
		w.upstream.ServeHTTP(rw, r)
	}
}

func (w *Wrapper) handlePost(rw http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{RequestID: uuid.NewString(), Method: r.Method, Path: r.URL.Path})

	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		writeError(rw, coreerr.NewClientError(http.StatusUnsupportedMediaType, -32600, "content-type must be application/json"))
		return
	}

	limited := http.MaxBytesReader(rw, r.Body, w.cfg.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(rw, coreerr.NewClientError(http.StatusRequestEntityTooLarge, -32000, "request body exceeds maximum size"))
			return
		}
		writeError(rw, coreerr.NewClientError(http.StatusBadRequest, -32700, "failed to read request body"))
		return
	}

	if isJSONArray(body) {
		w.handleBatchPost(ctx, rw, r, body)
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(rw, coreerr.NewClientError(http.StatusBadRequest, int(jsonrpc.ErrorCodeParseError), "invalid JSON-RPC message: "+err.Error()))
		return
	}

	sessionID, conflict := interceptor.ExtractSessionIDVerbose(r.Header, &msg)
	if sessionID != "" {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})
	if conflict {
		w.cfg.Logger.WarnContext(ctx, "transport: session id header/params conflict, header wins", "header_session_id", sessionID)
	}

	isInitialize := msg.Type() == "request" && msg.Method == "initialize"

	if sessionID != "" {
		if err := w.admission.Admit(ctx, sessionID, isInitialize); err != nil {
			writeError(rw, err)
			return
		}
	}

	if err := w.interceptor.ObserveRequest(ctx, sessionID, interceptor.StreamRequest, &msg); err != nil {
		writeError(rw, err)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	var assignedSessionID string
	tap := newTapResponseWriter(rw, func(status int, respBody []byte) {
		w.observeJSONResponse(ctx, sessionID, assignedSessionID, &msg, status, respBody)
	}, func(id string, data []byte) {
		w.observeSSEFrame(ctx, sessionID, interceptor.StreamRequest, data)
	})

	w.upstream.ServeHTTP(tap, r)
	if sessionID == "" {
		assignedSessionID = tap.Header().Get(mcpSessionIDHeader)
	}
	tap.finish()
}

func isJSONArray(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// handleBatchPost is the JSON-array counterpart of handlePost (spec.md §6: POST bodies
// are "single object or batch"). All messages in a batch share one session id, admission
// check, and upstream round-trip; each message is still observed individually so the
// event log records the same per-frame granularity as the non-batch path.
func (w *Wrapper) handleBatchPost(ctx context.Context, rw http.ResponseWriter, r *http.Request, body []byte) {
	var msgs []jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		writeError(rw, coreerr.NewClientError(http.StatusBadRequest, int(jsonrpc.ErrorCodeParseError), "invalid JSON-RPC batch: "+err.Error()))
		return
	}
	if len(msgs) == 0 {
		writeError(rw, coreerr.NewClientError(http.StatusBadRequest, int(jsonrpc.ErrorCodeInvalidRequest), "empty JSON-RPC batch"))
		return
	}

	var sessionID string
	var conflict bool
	for i := range msgs {
		id, c := interceptor.ExtractSessionIDVerbose(r.Header, &msgs[i])
		if id != "" {
			sessionID = id
			conflict = conflict || c
		}
	}
	if sessionID != "" {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	}
	if conflict {
		w.cfg.Logger.WarnContext(ctx, "transport: session id header/params conflict, header wins", "header_session_id", sessionID)
	}

	var isInitialize bool
	for i := range msgs {
		if msgs[i].Type() == "request" && msgs[i].Method == "initialize" {
			isInitialize = true
		}
	}

	if sessionID != "" {
		if err := w.admission.Admit(ctx, sessionID, isInitialize); err != nil {
			writeError(rw, err)
			return
		}
	}

	for i := range msgs {
		if err := w.interceptor.ObserveRequest(ctx, sessionID, interceptor.StreamRequest, &msgs[i]); err != nil {
			writeError(rw, err)
			return
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	var assignedSessionID string
	tap := newTapResponseWriter(rw, func(status int, respBody []byte) {
		w.observeBatchJSONResponse(ctx, sessionID, assignedSessionID, msgs, respBody)
	}, func(id string, data []byte) {
		w.observeSSEFrame(ctx, sessionID, interceptor.StreamRequest, data)
	})

	w.upstream.ServeHTTP(tap, r)
	if sessionID == "" {
		assignedSessionID = tap.Header().Get(mcpSessionIDHeader)
	}
	tap.finish()
}

// observeBatchJSONResponse pairs each response in a batch reply with its originating
// request by JSON-RPC id so ObserveResponse gets the same (req, resp) shape it gets on
// the non-batch path; unmatched responses (no id, or id absent from the request batch)
// are still recorded, just without req-derived context.
func (w *Wrapper) observeBatchJSONResponse(ctx context.Context, sessionID, assignedSessionID string, reqs []jsonrpc.AnyMessage, body []byte) {
	var resps []jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &resps); err != nil {
		w.cfg.Logger.WarnContext(ctx, "transport: upstream batch response was not a JSON array, not recorded", "error", err)
		return
	}

	byID := make(map[string]*jsonrpc.AnyMessage, len(reqs))
	for i := range reqs {
		if reqs[i].ID != nil {
			byID[reqs[i].ID.String()] = &reqs[i]
		}
	}

	for i := range resps {
		var req *jsonrpc.AnyMessage
		if resps[i].ID != nil {
			req = byID[resps[i].ID.String()]
		}
		if err := w.interceptor.ObserveResponse(ctx, sessionID, interceptor.StreamRequest, req, &resps[i], assignedSessionID); err != nil {
			w.cfg.Logger.ErrorContext(ctx, "transport: failed to observe batch JSON response", "error", err)
		}
	}
}

var eventStreamMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("text/event-stream")}

func (w *Wrapper) handleGet(rw http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{RequestID: uuid.NewString(), Method: r.Method, Path: r.URL.Path})

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeError(rw, coreerr.NewClientError(http.StatusUnsupportedMediaType, -32600, "accept must include text/event-stream"))
			return
		}
	}

	var empty jsonrpc.AnyMessage
	sessionID, conflict := interceptor.ExtractSessionIDVerbose(r.Header, &empty)
	if sessionID != "" {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	}
	if conflict {
		w.cfg.Logger.WarnContext(ctx, "transport: session id header/params conflict, header wins", "header_session_id", sessionID)
	}

	if sessionID != "" {
		if err := w.admission.Admit(ctx, sessionID, false); err != nil {
			writeError(rw, err)
			return
		}
	}

	// Last-Event-ID is a per-stream resume cursor, not a session locator (spec.md
	// §4.5); it reaches the upstream unmodified. Replay itself is the upstream's
	// responsibility.
	tap := newTapResponseWriter(rw, nil, func(id string, data []byte) {
		w.observeSSEFrame(ctx, sessionID, interceptor.StreamStandalone, data)
	})
	w.upstream.ServeHTTP(tap, r)
}

func (w *Wrapper) handleDelete(rw http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{RequestID: uuid.NewString(), Method: r.Method, Path: r.URL.Path})

	var empty jsonrpc.AnyMessage
	sessionID, _ := interceptor.ExtractSessionIDVerbose(r.Header, &empty)
	if sessionID == "" {
		writeError(rw, coreerr.NewClientError(http.StatusBadRequest, -32600, "missing session id"))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	if err := w.admission.Admit(ctx, sessionID, false); err != nil {
		writeError(rw, err)
		return
	}

	tap := newTapResponseWriter(rw, nil, nil)
	w.upstream.ServeHTTP(tap, r)

	if tap.statusCode == 0 || tap.statusCode < 300 {
		if err := w.interceptor.Close(ctx, sessionID); err != nil {
			w.cfg.Logger.ErrorContext(ctx, "transport: failed to record session close", "session_id", sessionID, "error", err)
		}
	}
}

func (w *Wrapper) observeJSONResponse(ctx context.Context, sessionID, assignedSessionID string, req *jsonrpc.AnyMessage, status int, body []byte) {
	var resp jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		w.cfg.Logger.WarnContext(ctx, "transport: upstream JSON response was not a JSON-RPC message, not recorded", "error", err)
		return
	}

	if err := w.interceptor.ObserveResponse(ctx, sessionID, interceptor.StreamRequest, req, &resp, assignedSessionID); err != nil {
		w.cfg.Logger.ErrorContext(ctx, "transport: failed to observe JSON response", "error", err)
	}
}

func (w *Wrapper) observeSSEFrame(ctx context.Context, sessionID, streamKey string, data []byte) {
	if sessionID == "" {
		return
	}
	var frame jsonrpc.AnyMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		w.cfg.Logger.WarnContext(ctx, "transport: unparseable SSE frame, passed through unrecorded", "error", err)
		return
	}
	if frame.Method != "" && frame.ID == nil {
		if err := w.interceptor.ObserveRequest(ctx, sessionID, streamKey, &frame); err != nil {
			w.cfg.Logger.ErrorContext(ctx, "transport: failed to observe SSE notification", "error", err)
		}
		return
	}
	if err := w.interceptor.ObserveResponse(ctx, sessionID, streamKey, nil, &frame, ""); err != nil {
		w.cfg.Logger.ErrorContext(ctx, "transport: failed to observe SSE response", "error", err)
	}
}

// writeError maps a coreerr taxonomy value (spec.md §7) to an HTTP status and a
// JSON-RPC error body. Anything else is treated as an unexpected internal error.
func writeError(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := int(jsonrpc.ErrorCodeInternalError)
	msg := "internal server error"

	var clientErr *coreerr.ClientError
	var transientErr *coreerr.TransientBackendError
	var conflictErr *coreerr.ConflictError
	var illegalErr *coreerr.IllegalTransition

	switch {
	case errors.As(err, &clientErr):
		status, code, msg = clientErr.HTTPStatus, clientErr.JSONRPCCode, clientErr.Msg
	case errors.As(err, &transientErr):
		status, code, msg = http.StatusServiceUnavailable, -32001, "backend temporarily unavailable, retry later"
	case errors.As(err, &conflictErr):
		status, code, msg = http.StatusInternalServerError, int(jsonrpc.ErrorCodeInternalError), "internal conflict resolving session state"
	case errors.As(err, &illegalErr):
		status, code, msg = http.StatusInternalServerError, int(jsonrpc.ErrorCodeInternalError), "internal session state error"
	default:
		msg = fmt.Sprintf("internal server error: %v", err)
	}

	rw.Header().Set("Content-Type", jsonMediaType.String())
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCode(code), msg, nil))
}
