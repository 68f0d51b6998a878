// Package logctx carries request and session identifiers through a context.Context so
// they show up as structured attributes on every log line written with that context,
// without threading them through every function signature. Adapted from the teacher's
// internal/logctx/logctx.go: same Handler-decorator shape, with the tool-call group
// dropped (no tool-call concept in this core) and SessionData.Status switched from the
// teacher's sessions.SessionState to this core's storage.Status.
package logctx

import (
	"context"
	"log/slog"

	"github.com/bh-rat/mcp-db/storage"
)

// Handler decorates an slog.Handler, adding request/session/rpc attribute groups found
// on the log call's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("status", string(sd.Status)),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type rpcMsgKey struct{}

// RPCMessage identifies the JSON-RPC frame a log line pertains to.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type requestDataKey struct{}

// RequestData identifies the inbound HTTP request a log line pertains to.
type RequestData struct {
	RequestID string
	Method    string
	Path      string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the coordination-core session a log line pertains to.
type SessionData struct {
	SessionID string
	Status    storage.Status
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
