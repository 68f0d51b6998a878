package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/bh-rat/mcp-db/storage"
)

func TestHandlerAddsSessionAndRequestGroups(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(Handler{Handler: base})

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST", Path: "/mcp"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", Status: storage.StatusActive})

	logger.InfoContext(ctx, "handled request")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	req, ok := out["req"].(map[string]any)
	if !ok || req["id"] != "r1" {
		t.Fatalf("expected req.id=r1, got %+v", out)
	}
	sess, ok := out["sess"].(map[string]any)
	if !ok || sess["id"] != "s1" || sess["status"] != string(storage.StatusActive) {
		t.Fatalf("expected sess group with id/status, got %+v", out)
	}
}

func TestHandlerOmitsGroupsWhenAbsentFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	logger.InfoContext(context.Background(), "no context data")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if _, ok := out["req"]; ok {
		t.Fatalf("expected no req group, got %+v", out)
	}
	if _, ok := out["sess"]; ok {
		t.Fatalf("expected no sess group, got %+v", out)
	}
}
