// Package streaminghttp implements the streaming HTTP binding of the RPC
// protocol. It mounts as a standard net/http handler and provides ordered
// JSON-RPC over long-lived streaming responses (Server-Sent Events style)
// plus normal request/response for the session handshake.
//
// Responsibilities
//   - Session creation, lookup and activity tracking (via sessions.Store)
//   - Transport recreation when a client reconnects with a known session
//   - Authentication (pluggable auth.Authenticator)
//   - Resumable standalone notification streams keyed by Last-Event-Id
//
// Construction
//
//	h, err := streaminghttp.New(
//	    store,         // *sessions.Store
//	    authenticator, // auth.Authenticator
//	    streaminghttp.WithEndpointPath("/rpc"),
//	)
//
// # Stream Lifetimes
//
// A POST carrying a request holds its connection open for the lifetime of
// that request; notifications emitted for the request ride the same
// stream. The GET stream is session-scoped and survives any number of
// request streams; it is the only stream with resume semantics, because it
// is the only stream whose messages are backed by the event log.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes; RPC-level errors are
// serialized as JSON-RPC error responses. Authentication failures surface
// a WWW-Authenticate challenge per RFC 6750.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/rpc", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
