package rpcservice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/relaykit/streamrpc/internal/jsonrpc"
	"github.com/relaykit/streamrpc/protocol"
)

type emitted struct {
	relatedRequestID string
	payload          []byte
}

func newTestInstance(t *testing.T, reg *Registry) (*Instance, *[]emitted) {
	t.Helper()
	var sent []emitted
	inst := NewInstance(reg, "sess-1", func(ctx context.Context, relatedRequestID string, payload []byte) error {
		sent = append(sent, emitted{relatedRequestID: relatedRequestID, payload: payload})
		return nil
	})
	return inst, &sent
}

func TestInitializeNegotiation(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(protocol.ServerInfo{Name: "srv", Version: "1.0"},
		WithInstructions("be nice"))
	inst, _ := newTestInstance(t, reg)

	res := inst.Initialize(t.Context(), &protocol.InitializeRequest{
		ProtocolVersion: protocol.LatestProtocolVersion,
		ClientInfo:      protocol.ClientInfo{Name: "cli"},
	})
	if res.ProtocolVersion != protocol.LatestProtocolVersion {
		t.Fatalf("negotiated %q", res.ProtocolVersion)
	}
	if res.ServerInfo.Name != "srv" || res.Instructions != "be nice" {
		t.Fatalf("result = %+v", res)
	}
	if inst.ProtocolVersion() != protocol.LatestProtocolVersion {
		t.Fatalf("instance version = %q", inst.ProtocolVersion())
	}

	// An unknown client version is answered with the server's preferred
	// one rather than an error.
	res = inst.Initialize(t.Context(), &protocol.InitializeRequest{ProtocolVersion: "0000-00-00"})
	if res.ProtocolVersion != protocol.LatestProtocolVersion {
		t.Fatalf("fallback negotiated %q", res.ProtocolVersion)
	}
}

func TestHandleRequestDispatch(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(protocol.ServerInfo{Name: "srv"})
	reg.Register("sum", func(ctx context.Context, req *Request) (any, error) {
		var nums []int
		if err := json.Unmarshal(req.Params, &nums); err != nil {
			return nil, NewError(-32602, "want an array of ints")
		}
		total := 0
		for _, n := range nums {
			total += n
		}
		return map[string]int{"total": total}, nil
	})
	inst, _ := newTestInstance(t, reg)

	id := jsonrpc.NewStringID("r1")
	req, err := jsonrpc.NewRequest(id, "sum", []int{1, 2, 3})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := inst.HandleRequest(t.Context(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if res.ID.String() != "r1" || !strings.Contains(string(res.Result), `"total":6`) {
		t.Fatalf("response = %+v", res)
	}
}

func TestHandleRequestErrorMapping(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(protocol.ServerInfo{Name: "srv"})
	reg.Register("structured", func(ctx context.Context, req *Request) (any, error) {
		return nil, NewError(-32602, "bad params")
	})
	reg.Register("plain", func(ctx context.Context, req *Request) (any, error) {
		return nil, errors.New("boom")
	})
	inst, _ := newTestInstance(t, reg)

	mustHandle := func(method string) *jsonrpc.Response {
		req, err := jsonrpc.NewRequest(jsonrpc.NewStringID("x"), method, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		res, err := inst.HandleRequest(t.Context(), req)
		if err != nil {
			t.Fatalf("handle %s: %v", method, err)
		}
		if res.Error == nil {
			t.Fatalf("handle %s: expected error response", method)
		}
		return res
	}

	if res := mustHandle("structured"); res.Error.Code != -32602 {
		t.Fatalf("structured error code = %d", res.Error.Code)
	}
	if res := mustHandle("plain"); res.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("plain error code = %d", res.Error.Code)
	}
	if res := mustHandle("missing"); res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("unknown method error code = %d", res.Error.Code)
	}
}

func TestEmitterIsBoundToRequest(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(protocol.ServerInfo{Name: "srv"})
	reg.Register("work", func(ctx context.Context, req *Request) (any, error) {
		em := EmitterFrom(ctx)
		if em == nil {
			t.Fatal("no emitter in handler context")
		}
		if err := em.Notify(ctx, "work/update", map[string]string{"stage": "half"}); err != nil {
			return nil, err
		}
		if err := em.Progress(ctx, "tok-1", 0.5, 1); err != nil {
			return nil, err
		}
		return "done", nil
	})
	inst, sent := newTestInstance(t, reg)

	req, err := jsonrpc.NewRequest(jsonrpc.NewStringID("r7"), "work", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := inst.HandleRequest(t.Context(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(*sent) != 2 {
		t.Fatalf("emitted %d notifications, want 2", len(*sent))
	}
	for _, e := range *sent {
		if e.relatedRequestID != "r7" {
			t.Fatalf("notification bound to %q, want r7", e.relatedRequestID)
		}
	}

	var note jsonrpc.Request
	if err := json.Unmarshal((*sent)[1].payload, &note); err != nil {
		t.Fatalf("decode progress payload: %v", err)
	}
	if note.Method != string(protocol.ProgressNotificationMethod) || !note.IsNotification() {
		t.Fatalf("progress frame = %+v", note)
	}
	var p protocol.ProgressNotificationParams
	if err := json.Unmarshal(note.Params, &p); err != nil {
		t.Fatalf("decode progress params: %v", err)
	}
	if p.ProgressToken != "tok-1" || p.Progress != 0.5 || p.Total != 1 {
		t.Fatalf("progress params = %+v", p)
	}
}

func TestHandleNotification(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(protocol.ServerInfo{Name: "srv"})
	var got json.RawMessage
	reg.RegisterNotification("ping", func(ctx context.Context, req *Request) error {
		got = req.Params
		return nil
	})
	inst, _ := newTestInstance(t, reg)

	req, err := jsonrpc.NewRequest(nil, "ping", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := inst.HandleNotification(t.Context(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(string(got), `"n":1`) {
		t.Fatalf("params = %s", got)
	}

	// Unknown notifications are ignored, not errors.
	unk, _ := jsonrpc.NewRequest(nil, "unknown", nil)
	if err := inst.HandleNotification(t.Context(), unk); err != nil {
		t.Fatalf("unknown notification: %v", err)
	}
}
