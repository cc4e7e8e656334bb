// Package transport routes outbound JSON-RPC traffic for a single
// session across however many HTTP streams the client currently has
// open. A transport owns the mapping from originating request IDs to
// live streams plus the session's standalone notification channel, and
// persists standalone deliveries to the event log so that a client can
// resume from its last acknowledged event ID after a disconnect.
//
// Transports are cheap and disposable. When a client reconnects with a
// stale session, the session layer closes the old transport and installs
// a fresh one; durable state (the event log, the RPC service instance)
// lives elsewhere and is unaffected by the swap.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/streamrpc/eventlog"
)

var (
	// ErrTransportClosed is returned when an operation is attempted on a
	// transport that has been closed, usually because it was replaced
	// during a reconnect or its session was destroyed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrStreamReplaced is returned from Resume when a newer standalone
	// stream has been attached for the same session, retiring this one.
	ErrStreamReplaced = errors.New("standalone stream replaced")
)

// MessageWriter is the sink for a live request stream. The streaming
// HTTP layer implements it over an SSE response body; tests implement
// it over a buffer.
//
// A zero eventID means the message is a direct write tied to the
// stream's lifetime and is not resumable.
type MessageWriter interface {
	WriteMessage(ctx context.Context, eventID uint64, payload []byte) error
}

type requestStream struct {
	ctx context.Context
	w   MessageWriter
}

// standaloneStream is the per-GET signal channel. It carries no
// payloads; the event log is the source of truth and the consumer
// re-reads it whenever the channel fires. That keeps slow consumers
// from ever losing data to a full buffer.
type standaloneStream struct {
	owner  *Transport
	notify chan struct{}
	done   chan struct{}
}

func (s *standaloneStream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Waker holds a session's current standalone stream. It is shared by
// every transport the session ever installs, so an emitter that loaded
// a transport reference just before a reconnect swapped it out still
// wakes the consumer attached through the replacement. Lock order is
// Transport.mu before Waker.mu.
type Waker struct {
	mu      sync.Mutex
	current *standaloneStream
}

// NewWaker creates an empty waker. The session layer makes one per
// session and hands it to each transport it installs.
func NewWaker() *Waker { return &Waker{} }

func (wk *Waker) attach(owner *Transport) *standaloneStream {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	if wk.current != nil {
		close(wk.current.done)
	}
	st := &standaloneStream{
		owner:  owner,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	wk.current = st
	return st
}

func (wk *Waker) detach(st *standaloneStream) {
	wk.mu.Lock()
	if wk.current == st {
		wk.current = nil
	}
	wk.mu.Unlock()
}

func (wk *Waker) signal() {
	wk.mu.Lock()
	st := wk.current
	wk.mu.Unlock()
	if st != nil {
		st.signal()
	}
}

// retire ends the current stream only if the given transport attached
// it. A closing transport must not tear down a stream its successor
// already owns.
func (wk *Waker) retire(owner *Transport) {
	wk.mu.Lock()
	if wk.current != nil && wk.current.owner == owner {
		close(wk.current.done)
		wk.current = nil
	}
	wk.mu.Unlock()
}

// Transport routes outbound messages for one session.
type Transport struct {
	sessionID string
	log       eventlog.Log
	waker     *Waker
	logger    *slog.Logger

	mu       sync.Mutex
	requests map[string]*requestStream
	closed   bool
}

// New creates a transport bound to a session's event log. The transport
// starts with no live streams; deliveries targeting absent streams are
// redirected to the standalone channel (notifications) or discarded
// (responses). Transports that replace each other for the same session
// must share a waker so that standalone deliveries routed through a
// stale transport still wake the live stream; a nil waker gets a
// private one.
func New(sessionID string, log eventlog.Log, waker *Waker, logger *slog.Logger) *Transport {
	if waker == nil {
		waker = NewWaker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		sessionID: sessionID,
		log:       log,
		waker:     waker,
		logger:    logger,
		requests:  make(map[string]*requestStream),
	}
}

// SessionID returns the session this transport serves.
func (t *Transport) SessionID() string { return t.sessionID }

// BindRequest registers w as the live stream for the request with the
// given ID. If a stream is already bound for that ID, the old binding
// is dropped first so that a retried request can never deliver into its
// predecessor's dead stream. The returned function removes the binding,
// but only if it is still the current one.
func (t *Transport) BindRequest(ctx context.Context, requestID string, w MessageWriter) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	rs := &requestStream{ctx: ctx, w: w}
	t.requests[requestID] = rs
	return func() {
		t.mu.Lock()
		if t.requests[requestID] == rs {
			delete(t.requests, requestID)
		}
		t.mu.Unlock()
	}, nil
}

// SendResponse delivers a response payload to the live stream for its
// originating request. If that stream is gone the response is dropped;
// a client that cared about the result retries the request on its new
// connection, and replaying a response to a request nobody is waiting
// on would only confuse the resume cursor.
func (t *Transport) SendResponse(ctx context.Context, requestID string, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	rs := t.requests[requestID]
	t.mu.Unlock()

	if rs == nil {
		t.logger.DebugContext(ctx, "dropping response for dead request stream",
			slog.String("session_id", t.sessionID),
			slog.String("request_id", requestID))
		return nil
	}
	if err := rs.w.WriteMessage(ctx, 0, payload); err != nil {
		t.dropRequest(requestID, rs)
		t.logger.DebugContext(ctx, "dropping response after write failure",
			slog.String("session_id", t.sessionID),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
	return nil
}

// SendNotification delivers a notification payload. When
// relatedRequestID names a live request stream the payload is written
// there directly, without an event ID; such messages ride the stream's
// lifetime and are not replayed. In every other case, including when a
// direct write fails or the transport has been closed out from under
// the emitter by a reconnect, the payload is appended to the event log
// and the standalone stream is nudged, so the notification survives
// until the client resumes and acknowledges it.
func (t *Transport) SendNotification(ctx context.Context, relatedRequestID string, payload []byte) error {
	if relatedRequestID != "" {
		// Close empties the request map, so an emitter holding a stale
		// transport falls through to the durable path below.
		t.mu.Lock()
		rs := t.requests[relatedRequestID]
		t.mu.Unlock()

		if rs != nil {
			if rs.ctx.Err() == nil {
				if err := rs.w.WriteMessage(ctx, 0, payload); err == nil {
					return nil
				}
			}
			// The originating stream died under us. Unbind it and fall
			// through to the durable path so the message is not lost.
			t.dropRequest(relatedRequestID, rs)
			t.logger.DebugContext(ctx, "redirecting notification from dead request stream",
				slog.String("session_id", t.sessionID),
				slog.String("request_id", relatedRequestID))
		}
	}
	return t.appendAndSignal(ctx, payload)
}

func (t *Transport) appendAndSignal(ctx context.Context, payload []byte) error {
	// Append outside the transport lock; the log serializes its own
	// writers and assigns the monotonic event ID.
	if _, err := t.log.Append(ctx, t.sessionID, eventlog.Event{
		Payload: payload,
		At:      time.Now(),
	}); err != nil {
		return fmt.Errorf("appending event for session %s: %w", t.sessionID, err)
	}

	// Signal the waker only after the append is durable. If a resume
	// attaches between the append and the signal, its initial replay
	// already covers the new event; if it attached earlier, the signal
	// wakes it. The waker is shared across transport swaps, so the wake
	// reaches the live stream even when this transport is a stale,
	// closed predecessor.
	t.waker.signal()
	return nil
}

// attachStandalone installs a fresh standalone stream, retiring any
// existing one. A client that reconnects its notification stream twice
// keeps only the newest; the older GET unblocks and ends.
func (t *Transport) attachStandalone() (*standaloneStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	return t.waker.attach(t), nil
}

// Resume attaches the session's standalone stream, replays every stored
// event after afterID in ascending order, and then tails the log,
// invoking deliver for each event exactly once. It blocks until ctx is
// canceled, the stream is replaced by a newer Resume, or the transport
// is closed; the latter two return ErrStreamReplaced and
// ErrTransportClosed respectively.
func (t *Transport) Resume(ctx context.Context, afterID uint64, deliver func(ctx context.Context, ev eventlog.Event) error) error {
	st, err := t.attachStandalone()
	if err != nil {
		return err
	}
	defer t.waker.detach(st)

	last := afterID
	drain := func() error {
		return t.log.Range(ctx, t.sessionID, last, func(ev eventlog.Event) error {
			if ev.ID <= last {
				return nil
			}
			if err := deliver(ctx, ev); err != nil {
				return err
			}
			last = ev.ID
			return nil
		})
	}

	if err := drain(); err != nil && !errors.Is(err, eventlog.ErrUnknownSession) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.done:
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return ErrTransportClosed
			}
			return ErrStreamReplaced
		case <-st.notify:
			if err := drain(); err != nil {
				return err
			}
		}
	}
}

func (t *Transport) dropRequest(requestID string, rs *requestStream) {
	t.mu.Lock()
	if t.requests[requestID] == rs {
		delete(t.requests, requestID)
	}
	t.mu.Unlock()
}

// Close invalidates every stream mapping and wakes any pending Resume.
// Stored events are untouched; a successor transport for the same
// session replays them. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.requests = make(map[string]*requestStream)
	t.waker.retire(t)
	return nil
}
