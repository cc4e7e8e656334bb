package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaykit/streamrpc/transport"
)

// TransportLifecycle swaps a session's transport for a fresh one when a
// client reconnects with an initialize request against a known session.
type TransportLifecycle struct {
	store *Store
}

// NewTransportLifecycle creates a lifecycle manager over the store.
func NewTransportLifecycle(store *Store) *TransportLifecycle {
	return &TransportLifecycle{store: store}
}

// Recreate closes the session's current transport and installs a new
// one, leaving the service instance and stored events untouched. The
// swap is atomic with respect to the session lock: traffic routed after
// Recreate returns sees only the new transport, and the old one's
// stream mappings are invalidated so a retried request can never
// deliver into a dead stream.
//
// The old transport typically sits on a connection that is already
// broken; errors closing it carry no information and are ignored.
//
// Returns ErrSessionLost when the session disappeared, most likely
// reaped between the client's disconnect and its reconnect.
func (lc *TransportLifecycle) Recreate(ctx context.Context, sessionID string) (*Session, *transport.Transport, error) {
	sess, ok := lc.store.Get(sessionID)
	if !ok {
		return nil, nil, ErrSessionLost
	}

	sess.mu.Lock()
	if sess.deleted {
		sess.mu.Unlock()
		return nil, nil, ErrSessionLost
	}
	old := sess.tr
	nt := transport.New(sessionID, lc.store.log, sess.waker, lc.store.logger)
	sess.tr = nt
	sess.lastActivity = time.Now()
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	sess.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	lc.store.logger.InfoContext(ctx, "transport recreated",
		slog.String("session_id", sessionID))
	return sess, nt, nil
}
