// Package protocol contains the wire-level constants and handshake types
// shared by the server transport and the client reconnector. It is free of
// transport logic: HTTP framing, session handling and authentication live in
// their own packages and import these types.
package protocol

// Method is a method identifier used in JSON-RPC messages.
type Method string

const (
	// InitializeMethod establishes a new session or, when sent with a known
	// Session-Id header, asks the server to recreate the session's transport.
	InitializeMethod Method = "initialize"

	// ProgressNotificationMethod reports incremental progress for an
	// in-flight request.
	ProgressNotificationMethod Method = "notifications/progress"
)

// LatestProtocolVersion is the most recent protocol revision this library
// targets. Version negotiation happens during initialize; a client proposing
// an unknown version is answered with the server's preferred one.
const LatestProtocolVersion = "2025-06-01"

// SupportedProtocolVersions lists the revisions this library can speak,
// newest first.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2024-11-05",
}

// IsSupportedVersion reports whether v is a protocol revision this
// library can speak.
func IsSupportedVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if v == s {
			return true
		}
	}
	return false
}

// HTTP headers used by the streaming transport binding.
const (
	// SessionIDHeader carries the session identity. Absent on the very first
	// initialize request.
	SessionIDHeader = "Session-Id"
	// LastEventIDHeader carries the replay cursor when resuming the
	// standalone notification stream.
	LastEventIDHeader = "Last-Event-Id"
	// ProtocolVersionHeader advertises the negotiated protocol revision. It
	// is set on every server response for an established session, including
	// GET streams that never run the handshake.
	ProtocolVersionHeader = "Rpc-Protocol-Version"
)

// ClientInfo identifies the connecting client implementation.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ServerInfo identifies the serving implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeRequest is the params payload of the initialize method.
type InitializeRequest struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo,omitempty"`
}

// InitializeResult is the result payload of the initialize method.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Instructions    string     `json:"instructions,omitempty"`
}

// ProgressNotificationParams is the params payload of notifications/progress.
type ProgressNotificationParams struct {
	ProgressToken string  `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}
