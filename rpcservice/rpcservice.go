// Package rpcservice hosts the application-facing side of the server: a
// registry of method handlers shared by every session, and a per-session
// instance that carries negotiated protocol state for the lifetime of
// the session. Instances deliberately know nothing about HTTP or
// transports; they emit outbound notifications through a function bound
// in by the session layer, which always routes through the session's
// current transport even after a reconnect has replaced it.
package rpcservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/relaykit/streamrpc/internal/jsonrpc"
	"github.com/relaykit/streamrpc/protocol"
)

// ErrMethodNotFound is returned by HandleRequest when no handler is
// registered for the request's method.
var ErrMethodNotFound = errors.New("method not found")

// NewError builds an error carrying an explicit JSON-RPC error code.
// Handlers return it when the default internal-error mapping is too
// coarse; any other error value becomes code -32603.
func NewError(code int, message string) error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCode(code), Message: message}
}

// Request is the handler's view of an inbound JSON-RPC request.
type Request struct {
	Method string
	ID     string
	Params json.RawMessage
}

// HandlerFunc handles a single request and returns its result value,
// which is marshaled into the JSON-RPC response. Returning a
// *jsonrpc.Error produces a structured error response; any other error
// becomes an internal error.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// NotificationFunc handles an inbound notification. Errors are logged
// by the caller; notifications have no reply channel.
type NotificationFunc func(ctx context.Context, req *Request) error

// Registry describes the server: its identity, instructions, and the
// set of methods it answers. A registry is built once at startup and
// shared across sessions; registration is not safe concurrently with
// serving.
type Registry struct {
	serverInfo    protocol.ServerInfo
	instructions  string
	methods       map[string]HandlerFunc
	notifications map[string]NotificationFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithInstructions sets the usage instructions returned to clients in
// the initialize result.
func WithInstructions(s string) RegistryOption {
	return func(r *Registry) { r.instructions = s }
}

// NewRegistry creates an empty registry for the named server.
func NewRegistry(info protocol.ServerInfo, opts ...RegistryOption) *Registry {
	r := &Registry{
		serverInfo:    info,
		methods:       make(map[string]HandlerFunc),
		notifications: make(map[string]NotificationFunc),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs the handler for a request method, replacing any
// previous registration.
func (r *Registry) Register(method string, fn HandlerFunc) {
	r.methods[method] = fn
}

// RegisterNotification installs the handler for an inbound notification
// method.
func (r *Registry) RegisterNotification(method string, fn NotificationFunc) {
	r.notifications[method] = fn
}

// EmitFunc delivers a server-initiated notification payload. A non-empty
// relatedRequestID asks for delivery on that request's live stream when
// it still exists; otherwise the payload goes to the session's durable
// standalone channel.
type EmitFunc func(ctx context.Context, relatedRequestID string, payload []byte) error

// Instance is the per-session service state. It is created exactly once
// per session and survives transport recreation; reconnecting clients
// re-handshake against the same instance and observe the same negotiated
// protocol version.
type Instance struct {
	reg       *Registry
	sessionID string
	emit      EmitFunc

	mu              sync.Mutex
	protocolVersion string
	clientInfo      protocol.ClientInfo
}

// NewInstance binds a registry to a session. emit routes outbound
// notifications; it must remain valid for the session's lifetime.
func NewInstance(reg *Registry, sessionID string, emit EmitFunc) *Instance {
	return &Instance{reg: reg, sessionID: sessionID, emit: emit}
}

// SessionID returns the session this instance serves.
func (i *Instance) SessionID() string { return i.sessionID }

// ProtocolVersion returns the negotiated protocol version, or the empty
// string before the first handshake.
func (i *Instance) ProtocolVersion() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.protocolVersion
}

// Initialize performs the protocol handshake and records the negotiated
// version. Calling it again, as a reconnecting client does, renegotiates
// against the same instance and returns a genuine result reflecting the
// current server state.
func (i *Instance) Initialize(ctx context.Context, req *protocol.InitializeRequest) *protocol.InitializeResult {
	version := req.ProtocolVersion
	if !protocol.IsSupportedVersion(version) {
		version = protocol.LatestProtocolVersion
	}

	i.mu.Lock()
	i.protocolVersion = version
	i.clientInfo = req.ClientInfo
	i.mu.Unlock()

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      i.reg.serverInfo,
		Instructions:    i.reg.instructions,
	}
}

// HandleRequest dispatches an inbound request to its registered handler
// and shapes the outcome into a JSON-RPC response. The returned response
// is always non-nil for a request with an ID; transport failures are the
// only error returns.
func (i *Instance) HandleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	fn, ok := i.reg.methods[req.Method]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil), nil
	}

	ctx = WithEmitter(ctx, &boundEmitter{inst: i, requestID: req.ID.String()})

	result, err := fn(ctx, &Request{
		Method: req.Method,
		ID:     req.ID.String(),
		Params: req.Params,
	})
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr}, nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), nil
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "marshaling result", nil), nil
	}
	return res, nil
}

// HandleNotification dispatches an inbound notification. Unknown
// notification methods are ignored.
func (i *Instance) HandleNotification(ctx context.Context, req *jsonrpc.Request) error {
	fn, ok := i.reg.notifications[req.Method]
	if !ok {
		return nil
	}
	return fn(ctx, &Request{Method: req.Method, Params: req.Params})
}

// Notify sends a server-initiated notification to the session's client.
// relatedRequestID may be empty for session-scoped notifications.
func (i *Instance) Notify(ctx context.Context, method string, params any, relatedRequestID string) error {
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return fmt.Errorf("building notification %s: %w", method, err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling notification %s: %w", method, err)
	}
	return i.emit(ctx, relatedRequestID, payload)
}
