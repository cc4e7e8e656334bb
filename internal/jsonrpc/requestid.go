package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC ID: a string or a number. The zero value and a nil
// pointer both mean "absent" (notification).
type RequestID struct {
	str   string
	num   int64
	isNum bool
	set   bool
}

// NewStringID builds a string-typed ID.
func NewStringID(s string) *RequestID { return &RequestID{str: s, set: true} }

// NewNumberID builds a number-typed ID.
func NewNumberID(n int64) *RequestID { return &RequestID{num: n, isNum: true, set: true} }

// IsNil reports whether the ID is absent.
func (id *RequestID) IsNil() bool { return id == nil || !id.set }

// String renders the ID for routing keys and logs. Absent IDs render empty.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	if id.isNum {
		return json.Marshal(id.num)
	}
	return json.Marshal(id.str)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = RequestID{num: n, isNum: true, set: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = RequestID{str: s, set: true}
		return nil
	}
	return fmt.Errorf("JSON-RPC ID must be a string or integer, got %s", string(data))
}
