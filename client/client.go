// Package client implements the reconnecting side of the streaming HTTP
// RPC protocol. A Client persists its session ID, replay cursor and
// bearer credential through a StateStore, so that a restarted process
// resumes its previous session and replays every notification it missed
// rather than starting from scratch.
//
// Reconnection is driven by two signals. A dropped standalone stream is
// retried with backoff, presenting the stored cursor so the server
// replays from where the client left off. A 404 for a known session
// means the server no longer recognizes it; the client falls back to a
// fresh handshake and adopts whatever session the server answers with.
package client

import (
	"bytes"
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
	"sync/atomic"
	"time"

	"github.com/relaykit/streamrpc/internal/jsonrpc"
	"github.com/relaykit/streamrpc/protocol"
)

// ErrNotConnected is returned by calls made before a successful Connect.
var ErrNotConnected = errors.New("client not connected")

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithClientInfo sets the identity advertised during the handshake.
func WithClientInfo(info protocol.ClientInfo) Option {
	return func(c *Client) { c.info = info }
}

// WithBearer sets the bearer credential. It is persisted with the rest
// of the client state; a stored credential takes precedence so a
// restarted client keeps the token it last used.
func WithBearer(tok string) Option {
	return func(c *Client) { c.bearer = tok }
}

// WithBackoff bounds the retry backoff for the standalone stream.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) { c.minBackoff, c.maxBackoff = min, max }
}

// Client is a reconnecting RPC client for a single server endpoint.
// Methods are safe for concurrent use.
type Client struct {
	endpoint string
	hc       *http.Client
	store    StateStore
	log      *slog.Logger
	info     protocol.ClientInfo
	bearer   string

	minBackoff time.Duration
	maxBackoff time.Duration

	mu sync.Mutex
	st State

	seq atomic.Int64
}

// New creates a client for the given endpoint URL. A nil store keeps
// state in memory only.
func New(endpoint string, store StateStore, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if store == nil {
		store = &MemoryStateStore{}
	}
	c := &Client{
		endpoint:   endpoint,
		hc:         http.DefaultClient,
		store:      store,
		log:        slog.Default(),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Connect loads persisted state and performs the handshake. With a
// stored session ID the server recreates that session's transport; with
// none, or when the server has forgotten the session, a fresh session is
// established and its ID persisted.
func (c *Client) Connect(ctx context.Context) error {
	st, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading client state: %w", err)
	}
	c.mu.Lock()
	c.st = st
	if c.st.Bearer == "" {
		c.st.Bearer = c.bearer
	}
	c.mu.Unlock()

	return c.initialize(ctx)
}

// SessionID returns the current session ID, or empty before Connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.SessionID
}

// LastEventID returns the replay cursor for the standalone stream.
func (c *Client) LastEventID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.LastEventID
}

func (c *Client) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *Client) saveState(ctx context.Context, mutate func(*State)) {
	c.mu.Lock()
	mutate(&c.st)
	st := c.st
	c.mu.Unlock()
	if err := c.store.Save(ctx, st); err != nil {
		c.log.WarnContext(ctx, "failed to persist client state",
			slog.String("err", err.Error()))
	}
}

func (c *Client) nextRequestID() *jsonrpc.RequestID {
	return jsonrpc.NewNumberID(c.seq.Add(1))
}

func (c *Client) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	st := c.state()
	if st.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+st.Bearer)
	}
	if st.SessionID != "" {
		req.Header.Set(protocol.SessionIDHeader, st.SessionID)
	}
	if st.ProtocolVersion != "" {
		req.Header.Set(protocol.ProtocolVersionHeader, st.ProtocolVersion)
	}
	return req, nil
}

// initialize runs the handshake. The server answers a fresh handshake
// with plain JSON and a reconnect handshake with an SSE frame through
// the recreated transport; both shapes are accepted here.
func (c *Client) initialize(ctx context.Context) error {
	id := c.nextRequestID()
	rpcReq, err := jsonrpc.NewRequest(id, string(protocol.InitializeMethod), &protocol.InitializeRequest{
		ProtocolVersion: protocol.LatestProtocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("building initialize request: %w", err)
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshaling initialize request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	// A reconnect handshake must not claim the previous negotiated
	// version; the server may have moved on while we were away.
	req.Header.Del(protocol.ProtocolVersionHeader)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && c.state().SessionID != "" {
		// Server variants that reject a handshake for a dead session
		// instead of falling back; drop it and start clean.
		c.log.InfoContext(ctx, "session rejected, starting fresh",
			slog.String("session_id", c.state().SessionID))
		c.saveState(ctx, func(st *State) {
			st.SessionID = ""
			st.LastEventID = 0
			st.ProtocolVersion = ""
		})
		return c.initialize(ctx)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("initialize failed: unexpected status %d", resp.StatusCode)
	}

	rpcRes, err := readSingleResponse(resp)
	if err != nil {
		return fmt.Errorf("reading initialize response: %w", err)
	}
	if rpcRes.Error != nil {
		return fmt.Errorf("initialize rejected: %s", rpcRes.Error.Message)
	}
	var initRes protocol.InitializeResult
	if err := json.Unmarshal(rpcRes.Result, &initRes); err != nil {
		return fmt.Errorf("parsing initialize result: %w", err)
	}

	prevSession := c.state().SessionID
	newSession := resp.Header.Get(protocol.SessionIDHeader)
	if newSession == "" {
		newSession = prevSession
	}
	if newSession == "" {
		return fmt.Errorf("initialize response carried no session ID")
	}

	c.saveState(ctx, func(st *State) {
		if st.SessionID != newSession {
			// A different session has a different event ID space.
			st.LastEventID = 0
		}
		st.SessionID = newSession
		st.ProtocolVersion = initRes.ProtocolVersion
	})
	c.log.InfoContext(ctx, "session established",
		slog.String("session_id", newSession),
		slog.String("protocol_version", initRes.ProtocolVersion),
		slog.Bool("resumed", newSession == prevSession && prevSession != ""))
	return nil
}

// readSingleResponse extracts one JSON-RPC response from an HTTP
// response that may be plain JSON or an SSE stream.
func readSingleResponse(resp *http.Response) (*jsonrpc.Response, error) {
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		r := newSSEReader(resp.Body)
		for {
			ev, err := r.Next()
			if err != nil {
				return nil, err
			}
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(ev.Data, &msg); err != nil {
				return nil, fmt.Errorf("invalid frame: %w", err)
			}
			if res := msg.AsResponse(); res != nil {
				return res, nil
			}
		}
	}
	var res jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Call invokes a request method and decodes its result into result,
// which may be nil. Notifications arriving on the request stream while
// the call is in flight are passed to onNotification, which may be nil.
// A server that has forgotten the session triggers one transparent
// re-handshake and retry.
func (c *Client) Call(ctx context.Context, method string, params any, result any, onNotification NotificationHandler) error {
	if c.state().SessionID == "" {
		return ErrNotConnected
	}
	err := c.call(ctx, method, params, result, onNotification)
	if errors.Is(err, errSessionGone) {
		c.log.InfoContext(ctx, "session lost mid-call, re-establishing")
		if err := c.initialize(ctx); err != nil {
			return err
		}
		return c.call(ctx, method, params, result, onNotification)
	}
	return err
}

var errSessionGone = errors.New("session not recognized by server")

func (c *Client) call(ctx context.Context, method string, params any, result any, onNotification NotificationHandler) error {
	id := c.nextRequestID()
	rpcReq, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("building request %s: %w", method, err)
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshaling request %s: %w", method, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return errSessionGone
	default:
		return fmt.Errorf("request %s failed: unexpected status %d", method, resp.StatusCode)
	}

	r := newSSEReader(resp.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream ended before response to %s", method)
			}
			return err
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			c.log.WarnContext(ctx, "skipping invalid frame", slog.String("err", err.Error()))
			continue
		}
		if req := msg.AsRequest(); req != nil && req.IsNotification() {
			if onNotification != nil {
				onNotification(ctx, req.Method, req.Params)
			}
			continue
		}
		if res := msg.AsResponse(); res != nil && res.ID.String() == id.String() {
			if res.Error != nil {
				return fmt.Errorf("rpc error %d: %s", res.Error.Code, res.Error.Message)
			}
			if result != nil {
				if err := json.Unmarshal(res.Result, result); err != nil {
					return fmt.Errorf("decoding result of %s: %w", method, err)
				}
			}
			return nil
		}
	}
}

// Notify sends a notification and returns once the server has accepted
// it. A server that has forgotten the session triggers one transparent
// re-handshake and retry, as with Call.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if c.state().SessionID == "" {
		return ErrNotConnected
	}
	err := c.notify(ctx, method, params)
	if errors.Is(err, errSessionGone) {
		c.log.InfoContext(ctx, "session lost mid-notify, re-establishing")
		if err := c.initialize(ctx); err != nil {
			return err
		}
		return c.notify(ctx, method, params)
	}
	return err
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	rpcReq, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return fmt.Errorf("building notification %s: %w", method, err)
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshaling notification %s: %w", method, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("notification %s failed: %w", method, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return errSessionGone
	default:
		return fmt.Errorf("notification %s failed: unexpected status %d", method, resp.StatusCode)
	}
}

// Listen consumes the session's standalone notification stream until
// ctx is canceled, reconnecting with backoff as needed. The replay
// cursor advances and is persisted as events arrive, so neither a
// connection drop nor a process restart loses or duplicates
// notifications.
func (c *Client) Listen(ctx context.Context, h NotificationHandler) error {
	if c.state().SessionID == "" {
		return ErrNotConnected
	}
	backoff := c.minBackoff
	for {
		err := c.listenOnce(ctx, h)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errSessionGone):
			c.log.InfoContext(ctx, "session lost, re-establishing")
			if err := c.initialize(ctx); err != nil {
				c.log.WarnContext(ctx, "re-handshake failed", slog.String("err", err.Error()))
			} else {
				backoff = c.minBackoff
				continue
			}
		case err == nil:
			backoff = c.minBackoff
		default:
			c.log.InfoContext(ctx, "stream interrupted",
				slog.String("err", err.Error()),
				slog.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Client) listenOnce(ctx context.Context, h NotificationHandler) error {
	req, err := c.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if cursor := c.state().LastEventID; cursor > 0 {
		req.Header.Set(protocol.LastEventIDHeader, strconv.FormatUint(cursor, 10))
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return errSessionGone
	default:
		return fmt.Errorf("stream attach failed: unexpected status %d", resp.StatusCode)
	}

	r := newSSEReader(resp.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ev.ID != 0 {
			c.saveState(ctx, func(st *State) { st.LastEventID = ev.ID })
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			c.log.WarnContext(ctx, "skipping invalid frame", slog.String("err", err.Error()))
			continue
		}
		if nreq := msg.AsRequest(); nreq != nil && nreq.IsNotification() && h != nil {
			h(ctx, nreq.Method, nreq.Params)
		}
	}
}

// Terminate deletes the session on the server and clears the persisted
// state. The bearer credential is kept; it belongs to the user, not the
// session.
func (c *Client) Terminate(ctx context.Context) error {
	st := c.state()
	if st.SessionID == "" {
		return nil
	}
	req, err := c.newRequest(ctx, http.MethodDelete, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("terminating session: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("terminating session: unexpected status %d", resp.StatusCode)
	}
	c.saveState(ctx, func(s *State) {
		s.SessionID = ""
		s.LastEventID = 0
		s.ProtocolVersion = ""
	})
	return nil
}
