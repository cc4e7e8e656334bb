package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAnyMessageValidation(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		in       string
		wantType string
		wantErr  bool
	}{
		"request":            {in: `{"jsonrpc":"2.0","id":1,"method":"a"}`, wantType: "request"},
		"notification":       {in: `{"jsonrpc":"2.0","method":"a"}`, wantType: "notification"},
		"result response":    {in: `{"jsonrpc":"2.0","id":1,"result":{}}`, wantType: "response"},
		"error response":     {in: `{"jsonrpc":"2.0","id":1,"error":{"code":1,"message":"x"}}`, wantType: "response"},
		"missing version":    {in: `{"id":1,"method":"a"}`, wantErr: true},
		"wrong version":      {in: `{"jsonrpc":"1.0","id":1,"method":"a"}`, wantErr: true},
		"request with result": {in: `{"jsonrpc":"2.0","id":1,"method":"a","result":{}}`, wantErr: true},
		"bare response":      {in: `{"jsonrpc":"2.0","id":1}`, wantErr: true},
		"result and error":   {in: `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, wantErr: true},
	} {
		var m AnyMessage
		err := json.Unmarshal([]byte(tc.in), &m)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected rejection", name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if got := m.Type(); got != tc.wantType {
			t.Errorf("%s: type = %q, want %q", name, got, tc.wantType)
		}
	}
}

func TestAsRequestAndAsResponse(t *testing.T) {
	t.Parallel()

	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"r1","method":"a","params":{"k":1}}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	req := m.AsRequest()
	if req == nil || req.Method != "a" || req.ID.String() != "r1" || req.IsNotification() {
		t.Fatalf("request = %+v", req)
	}
	if m.AsResponse() != nil {
		t.Fatalf("request also decoded as response")
	}

	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	res := m.AsResponse()
	if res == nil || res.ID.String() != "7" || res.Error != nil {
		t.Fatalf("response = %+v", res)
	}
	if m.AsRequest() != nil {
		t.Fatalf("response also decoded as request")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	t.Parallel()

	for _, id := range []*RequestID{NewStringID("abc"), NewNumberID(42)} {
		b, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("marshal %s: %v", id, err)
		}
		var back RequestID
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if back.String() != id.String() {
			t.Fatalf("round trip %s -> %s", id, &back)
		}
	}

	var nilID *RequestID
	if !nilID.IsNil() || nilID.String() != "" {
		t.Fatalf("nil ID not treated as absent")
	}
}

func TestNotificationOmitsID(t *testing.T) {
	t.Parallel()

	req, err := NewRequest(nil, "tick", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if !req.IsNotification() {
		t.Fatalf("nil ID did not produce a notification")
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), `"id"`) {
		t.Fatalf("notification wire form carries an id: %s", b)
	}
}
