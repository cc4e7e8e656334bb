// Package streamrpc provides session reconnection and event replay for
// a streaming HTTP JSON-RPC protocol.
//
// A session's connection-independent state lives server side: the
// negotiated protocol handshake in an rpcservice.Instance, and every
// undelivered standalone notification in an eventlog.Log keyed by a
// per-session monotonic event ID. When a client reconnects it presents
// its session ID and last acknowledged event ID; the server rebuilds
// the disposable transport layer around the surviving state and replays
// exactly the events the client missed.
//
// The packages compose as follows:
//
//   - eventlog (with memorylog, sqlitelog and redislog backends) is the
//     append-only per-session event store.
//   - transport routes outbound messages between live request streams
//     and the durable standalone channel, and implements resume.
//   - sessions tracks live sessions, arms grace-period reclamation for
//     idle ones, and recreates transports for reconnecting clients.
//   - rpcservice hosts application method handlers and per-session
//     protocol state.
//   - streaminghttp binds everything to POST/GET/DELETE on a single
//     HTTP endpoint with SSE framing.
//   - client is the reconnecting counterpart, persisting session ID,
//     replay cursor and bearer credential across process restarts.
//
// See cmd/relayd and cmd/relaytail for a complete server and client.
package streamrpc
