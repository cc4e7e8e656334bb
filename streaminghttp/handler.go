package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/relaykit/streamrpc/auth"
	"github.com/relaykit/streamrpc/eventlog"
	"github.com/relaykit/streamrpc/internal/jsonrpc"
	"github.com/relaykit/streamrpc/internal/logctx"
	"github.com/relaykit/streamrpc/protocol"
	"github.com/relaykit/streamrpc/sessions"
	"github.com/relaykit/streamrpc/transport"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	defaultEndpointPath = "/rpc"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC message exchange is possible. We do NOT claim JSON-RPC framing
// here; this is transport-level. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	endpointPath string
	logger       *slog.Logger
	realm        string
}

// WithEndpointPath sets the path the RPC endpoint is mounted on. Defaults
// to "/rpc".
func WithEndpointPath(p string) Option {
	return func(c *newConfig) { c.endpointPath = p }
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the HTTP authentication realm advertised in
// WWW-Authenticate challenges. If empty (default), the realm attribute is
// omitted entirely per RFC 6750 (it is optional).
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// buildBearerChallenge builds a standardized Bearer challenge header
// value. Realm is omitted if empty. Params are emitted in a fixed order
// so challenges are stable for tests.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler is the streaming HTTP binding of the RPC protocol. A single
// endpoint speaks three methods: POST carries inbound JSON-RPC messages
// and streams per-request traffic back, GET attaches the session's
// resumable standalone notification stream, and DELETE terminates the
// session.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	auth      auth.Authenticator
	store     *sessions.Store
	lifecycle *sessions.TransportLifecycle
	realm     string
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// sseStream adapts a lockedWriteFlusher into the transport's message
// sink. Messages with an event ID carry it as the SSE id field so the
// client can advance its resume cursor.
type sseStream struct {
	wf *lockedWriteFlusher
}

func (s *sseStream) WriteMessage(ctx context.Context, eventID uint64, payload []byte) error {
	id := ""
	if eventID != 0 {
		id = strconv.FormatUint(eventID, 10)
	}
	return writeSSEEvent(s.wf, id, payload)
}

// New constructs a Handler over the session store. The authenticator
// guards every endpoint; use authtest.NoAuth to run open.
func New(store *sessions.Store, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	cfg := &newConfig{
		endpointPath: defaultEndpointPath,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		mux:       http.NewServeMux(),
		log:       cfg.logger,
		auth:      authenticator,
		store:     store,
		lifecycle: sessions.NewTransportLifecycle(store),
		realm:     cfg.realm,
	}
	h.mux.HandleFunc("POST "+cfg.endpointPath, h.handlePost)
	h.mux.HandleFunc("GET "+cfg.endpointPath, h.handleGet)
	h.mux.HandleFunc("DELETE "+cfg.endpointPath, h.handleDelete)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePost carries inbound JSON-RPC messages. Dispatch depends on the
// pairing of the Session-Id header with the message kind:
//
//   - known session + initialize: the client lost its connection state.
//     The session's transport is recreated and a genuine handshake
//     response is streamed through the new one.
//   - known session + anything else: routed to the session's current
//     transport. Requests stream their response back on this connection;
//     notifications are accepted with 204 semantics (202 here).
//   - no session + initialize: a brand new session.
//   - anything else: there is nothing to route to; 404.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	req := msg.AsRequest()
	isInitialize := req != nil && req.Method == string(protocol.InitializeMethod)
	sessID := r.Header.Get(protocol.SessionIDHeader)

	if sessID != "" && isInitialize {
		h.handleReinitialize(ctx, w, wf, r, req, sessID, userInfo, start)
		return
	}
	if sessID == "" {
		if !isInitialize {
			writeJSONError(w, http.StatusNotFound, "expected initialize request")
			h.log.InfoContext(ctx, "session.initialize.expected")
			return
		}
		h.handleInitialize(ctx, w, r, req, userInfo, start)
		return
	}

	// Ordinary message against a claimed session.
	sess, ok := h.store.Get(sessID)
	if !ok || sess.UserID() != userInfo.UserID() {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	h.store.Touch(sessID)

	svc := sess.Service()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          sess.UserID(),
		ProtocolVersion: svc.ProtocolVersion(),
	})

	clientPV := r.Header.Get(protocol.ProtocolVersionHeader)
	if clientPV != "" && svc.ProtocolVersion() != "" && clientPV != svc.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}

	if req != nil {
		if req.IsNotification() {
			if err := svc.HandleNotification(ctx, req); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
				return
			}
			if spv := svc.ProtocolVersion(); spv != "" {
				w.Header().Set(protocol.ProtocolVersionHeader, spv)
			}
			w.WriteHeader(http.StatusAccepted)
			h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
			return
		}

		if acc := r.Header.Get("Accept"); acc != "" {
			if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
				w.WriteHeader(http.StatusUnsupportedMediaType)
				h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
				return
			}
		}
		h.serveRequestStream(ctx, w, wf, sess, req, start)
		return
	}

	// A client response to a server-initiated request. This transport
	// binding never issues those, but accepting the frame keeps the
	// binding forward-compatible.
	if spv := svc.ProtocolVersion(); spv != "" {
		w.Header().Set(protocol.ProtocolVersionHeader, spv)
	}
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "response.inbound.ignored", slog.Duration("dur", time.Since(start)))
}

// handleInitialize establishes a brand new session and answers with a
// plain JSON body; there is nothing streamable about a handshake with no
// prior state.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, userInfo auth.UserInfo, start time.Time) {
	var initReq protocol.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	sess, err := h.store.Create(ctx, userInfo.UserID())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	initRes := sess.Service().Initialize(ctx, &initReq)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          sess.UserID(),
		ProtocolVersion: initRes.ProtocolVersion,
	})

	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(protocol.SessionIDHeader, sess.ID())
	w.Header().Set(protocol.ProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleReinitialize serves an initialize request that names an existing
// session: a reconnecting client. The transport is recreated and a
// genuine handshake response flows back through the new one, proving to
// the client that the replacement is live. A session that no longer
// exists, typically reaped while the client was away, falls back to
// creating a fresh one; the client reads the new ID off the response
// header.
func (h *Handler) handleReinitialize(ctx context.Context, w http.ResponseWriter, wf *lockedWriteFlusher, r *http.Request, req *jsonrpc.Request, sessID string, userInfo auth.UserInfo, start time.Time) {
	var initReq protocol.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	// Ownership is checked before the transport swap. A foreign session
	// ID must not tear down the owner's live streams.
	if existing, ok := h.store.Get(sessID); ok && existing.UserID() != userInfo.UserID() {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.WarnContext(ctx, "session.user.mismatch")
		return
	}

	sess, tr, err := h.lifecycle.Recreate(ctx, sessID)
	if err != nil {
		if !errors.Is(err, sessions.ErrSessionLost) {
			writeJSONError(w, http.StatusInternalServerError, "failed to recreate transport")
			h.log.ErrorContext(ctx, "transport.recreate.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "session.reinitialize.lost",
			slog.String("session_id", sessID))
		h.handleInitialize(ctx, w, r, req, userInfo, start)
		return
	}

	initRes := sess.Service().Initialize(ctx, &initReq)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          sess.UserID(),
		ProtocolVersion: initRes.ProtocolVersion,
	})

	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.reinitialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.reinitialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(protocol.SessionIDHeader, sess.ID())
	w.Header().Set(protocol.ProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	unbind, err := tr.BindRequest(ctx, req.ID.String(), &sseStream{wf: wf})
	if err != nil {
		h.log.ErrorContext(ctx, "stream.bind.fail", slog.String("err", err.Error()))
		return
	}
	defer unbind()

	if err := tr.SendResponse(ctx, req.ID.String(), payload); err != nil {
		h.log.ErrorContext(ctx, "session.reinitialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.reinitialize.ok", slog.Duration("dur", time.Since(start)))
}

// serveRequestStream runs an ordinary request and streams its traffic
// back on this connection. The stream is bound on the session's current
// transport before the handler runs, so progress notifications emitted
// mid-flight land here; once the connection dies, later emissions are
// redirected to the durable standalone channel by the transport.
func (h *Handler) serveRequestStream(ctx context.Context, w http.ResponseWriter, wf *lockedWriteFlusher, sess *sessions.Session, req *jsonrpc.Request, start time.Time) {
	svc := sess.Service()
	if spv := svc.ProtocolVersion(); spv != "" {
		w.Header().Set(protocol.ProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr := sess.Transport()
	rid := req.ID.String()
	unbind, err := tr.BindRequest(ctx, rid, &sseStream{wf: wf})
	if err != nil {
		h.log.ErrorContext(ctx, "stream.bind.fail", slog.String("err", err.Error()))
		return
	}
	defer unbind()

	res, err := svc.HandleRequest(ctx, req)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}

	b, mErr := json.Marshal(res)
	if mErr != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", mErr.Error()))
		return
	}
	// Route the response through the session's transport rather than the
	// raw writer. If the connection died mid-request the transport drops
	// it; a response without a live waiter has no replay value.
	if err := sess.Transport().SendResponse(ctx, rid, b); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.send.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet attaches the session's standalone notification stream.
// Stored events after the Last-Event-Id cursor are replayed first, then
// the stream tails the log until the client goes away or a newer GET
// replaces this one.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	h.log.InfoContext(ctx, "auth.ok")

	sessID := r.Header.Get(protocol.SessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, ok := h.store.Get(sessID)
	if !ok || sess.UserID() != userInfo.UserID() {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	h.store.Touch(sessID)

	svc := sess.Service()
	if pv := r.Header.Get(protocol.ProtocolVersionHeader); pv != "" {
		if spv := svc.ProtocolVersion(); spv != "" && pv != spv {
			w.WriteHeader(http.StatusPreconditionFailed)
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}

	var lastEventID uint64
	if raw := r.Header.Get(protocol.LastEventIDHeader); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			h.log.WarnContext(ctx, "last_event_id.invalid", slog.String("value", raw))
			return
		}
		lastEventID = v
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          sess.UserID(),
		ProtocolVersion: svc.ProtocolVersion(),
	})
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{LastEventID: lastEventID})

	// The GET never runs the handshake, so the negotiated version is
	// advertised from session state instead.
	if spv := svc.ProtocolVersion(); spv != "" {
		w.Header().Set(protocol.ProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	err := sess.Transport().Resume(ctx, lastEventID, func(cbCtx context.Context, ev eventlog.Event) error {
		if err := writeSSEEvent(wf, strconv.FormatUint(ev.ID, 10), ev.Payload); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.InfoContext(cbCtx, "sse.message.deliver", slog.Uint64("event_id", ev.ID))
		return nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, transport.ErrStreamReplaced):
		h.log.InfoContext(ctx, "sse.stream.replaced", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, transport.ErrTransportClosed):
		h.log.InfoContext(ctx, "sse.stream.transport_closed", slog.Duration("dur", time.Since(start)))
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

// handleDelete terminates a session immediately, bypassing any pending
// grace period. Stored events go with it.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	h.log.InfoContext(ctx, "auth.ok")

	sessID := r.Header.Get(protocol.SessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, ok := h.store.Get(sessID)
	if !ok || sess.UserID() != userInfo.UserID() {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	spv := sess.Service().ProtocolVersion()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          sess.UserID(),
		ProtocolVersion: spv,
	})

	if pv := r.Header.Get(protocol.ProtocolVersionHeader); pv != "" && spv != "" && pv != spv {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if err := h.store.Delete(ctx, sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	if spv != "" {
		w.Header().Set(protocol.ProtocolVersionHeader, spv)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 ยง3.1: when the request lacks any authentication
		// information the resource server SHOULD NOT include an error
		// code. Provide only a bare Bearer challenge with realm.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 ยง3.1.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}
		h.log.InfoContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return userInfo
}

// writeSSEEvent writes a Server-Sent Event frame. The id field is
// omitted when msgID is empty; such messages ride the connection and are
// not resumable.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
