// Package sessions owns server-side session lifetime: creation, lookup,
// activity tracking, grace-period reaping and transport recreation.
//
// A session outlives any single HTTP connection. Its durable pieces are
// the RPC service instance, which carries negotiated protocol state,
// and the event log, which carries undelivered notifications. The
// transport is the disposable piece; a reconnecting client gets a fresh
// one while everything else stays put.
//
// Reclamation is two-phase. The reaper never destroys a session
// outright: when one has been idle past the idle timeout it arms a
// grace timer, and only if the timer fires with no intervening activity
// is the session destroyed. Any inbound request for the session cancels
// the pending timer. The cancel and the fire race by construction; a
// per-session lock plus a timer identity check make the outcome
// deterministic, and cancellation wins.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/streamrpc/eventlog"
	"github.com/relaykit/streamrpc/rpcservice"
	"github.com/relaykit/streamrpc/transport"
)

var (
	// ErrSessionNotFound is returned for session IDs with no live entry,
	// whether never created, already reaped, or explicitly deleted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionLost is returned when a transport recreation is requested
	// for a session that disappeared between lookup and swap.
	ErrSessionLost = errors.New("session lost")
)

const (
	// DefaultIdleTimeout is how long a session may go without inbound
	// activity before it is considered abandoned.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultGracePeriod is how long an idle session lingers, reachable
	// by a reconnect, before it is destroyed.
	DefaultGracePeriod = 30 * time.Second
	// DefaultReapInterval is how often the reaper scans for idle
	// sessions.
	DefaultReapInterval = 15 * time.Second
)

// Session is one client's server-side state. All fields are guarded by
// mu; accessors take the lock.
type Session struct {
	id     string
	userID string
	waker  *transport.Waker

	mu           sync.Mutex
	service      *rpcservice.Instance
	tr           *transport.Transport
	lastActivity time.Time
	graceTimer   *time.Timer
	deleted      bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user the session belongs to.
func (s *Session) UserID() string { return s.userID }

// Service returns the session's RPC service instance. The instance is
// created with the session and is never replaced, including across
// transport recreation.
func (s *Session) Service() *rpcservice.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.service
}

// Transport returns the session's current transport. Callers must not
// cache the result across requests; a reconnect may swap it at any time.
func (s *Session) Transport() *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

// LastActivity returns the time of the most recent inbound activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// graceArmed reports whether a grace timer is pending. Test hook.
func (s *Session) graceArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graceTimer != nil
}

// Store holds every live session and runs their reclamation.
type Store struct {
	reg    *rpcservice.Registry
	log    eventlog.Log
	logger *slog.Logger

	idleTimeout    time.Duration
	gracePeriod    time.Duration
	reapInterval   time.Duration
	eventRetention time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIdleTimeout overrides the idle detection threshold.
func WithIdleTimeout(d time.Duration) StoreOption {
	return func(st *Store) { st.idleTimeout = d }
}

// WithGracePeriod overrides how long an idle session stays reachable
// before destruction.
func WithGracePeriod(d time.Duration) StoreOption {
	return func(st *Store) { st.gracePeriod = d }
}

// WithReapInterval overrides the reaper scan interval.
func WithReapInterval(d time.Duration) StoreOption {
	return func(st *Store) { st.reapInterval = d }
}

// WithEventRetention enables periodic age-based purging of stored
// events. Zero disables it; events are then only purged with their
// session.
func WithEventRetention(d time.Duration) StoreOption {
	return func(st *Store) { st.eventRetention = d }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(st *Store) { st.logger = l }
}

// NewStore creates a session store serving the given registry and
// backed by the given event log.
func NewStore(reg *rpcservice.Registry, log eventlog.Log, opts ...StoreOption) *Store {
	st := &Store{
		reg:          reg,
		log:          log,
		logger:       slog.Default(),
		idleTimeout:  DefaultIdleTimeout,
		gracePeriod:  DefaultGracePeriod,
		reapInterval: DefaultReapInterval,
		sessions:     make(map[string]*Session),
	}
	for _, o := range opts {
		o(st)
	}
	return st
}

// Create makes a new session for the authenticated user, with a fresh
// transport and a service instance bound to route notifications through
// whatever transport the session holds at emit time.
func (st *Store) Create(ctx context.Context, userID string) (*Session, error) {
	id := uuid.NewString()
	sess := &Session{
		id:           id,
		userID:       userID,
		waker:        transport.NewWaker(),
		lastActivity: time.Now(),
	}
	sess.tr = transport.New(id, st.log, sess.waker, st.logger)
	sess.service = rpcservice.NewInstance(st.reg, id, func(ctx context.Context, relatedRequestID string, payload []byte) error {
		return sess.Transport().SendNotification(ctx, relatedRequestID, payload)
	})

	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()

	st.logger.InfoContext(ctx, "session created",
		slog.String("session_id", id),
		slog.String("user_id", userID))
	return sess, nil
}

// Get returns the live session with the given ID. Reaped and deleted
// sessions are indistinguishable from ones that never existed.
func (st *Store) Get(sessionID string) (*Session, bool) {
	st.mu.Lock()
	sess, ok := st.sessions[sessionID]
	st.mu.Unlock()
	return sess, ok
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Touch records inbound activity for a session and cancels any pending
// grace timer. Every request handler calls it for the session it
// serves; activity is what keeps a session alive.
func (st *Store) Touch(sessionID string) {
	sess, ok := st.Get(sessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.lastActivity = time.Now()
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	sess.mu.Unlock()
}

// ScheduleGracePeriod arms the destruction timer for a session unless
// one is already pending. It is exported for operational tooling; the
// reaper arms timers itself.
func (st *Store) ScheduleGracePeriod(sessionID string) {
	sess, ok := st.Get(sessionID)
	if !ok {
		return
	}
	st.armGrace(sess)
}

// CancelGracePeriod disarms a pending destruction timer without
// refreshing the activity clock.
func (st *Store) CancelGracePeriod(sessionID string) {
	sess, ok := st.Get(sessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	sess.mu.Unlock()
}

func (st *Store) armGrace(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deleted || sess.graceTimer != nil {
		return
	}
	var tm *time.Timer
	tm = time.AfterFunc(st.gracePeriod, func() {
		st.expire(sess, tm)
	})
	sess.graceTimer = tm
	st.logger.Info("grace period armed",
		slog.String("session_id", sess.id),
		slog.Duration("grace_period", st.gracePeriod))
}

// expire is the grace timer's fire path. The timer identity check makes
// the cancel/fire race safe: a Touch that ran between the timer firing
// and this function taking the lock has cleared graceTimer, and the
// fire becomes a no-op. The session is only destroyed when the timer
// that fired is still the armed one.
func (st *Store) expire(sess *Session, tm *time.Timer) {
	st.mu.Lock()
	sess.mu.Lock()
	if sess.deleted || sess.graceTimer != tm {
		sess.mu.Unlock()
		st.mu.Unlock()
		return
	}
	sess.deleted = true
	sess.graceTimer = nil
	tr := sess.tr
	delete(st.sessions, sess.id)
	sess.mu.Unlock()
	st.mu.Unlock()

	st.destroy(sess, tr, "idle")
}

// Delete destroys a session immediately, bypassing any grace period.
// Used by explicit client termination.
func (st *Store) Delete(ctx context.Context, sessionID string) error {
	st.mu.Lock()
	sess, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	sess.deleted = true
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	tr := sess.tr
	delete(st.sessions, sessionID)
	sess.mu.Unlock()
	st.mu.Unlock()

	st.destroy(sess, tr, "deleted")
	return nil
}

// destroy releases a session's resources after it has been unlinked
// from the store. It runs without locks held; the transport close wakes
// any streams still attached and the purge drops the replay history.
func (st *Store) destroy(sess *Session, tr *transport.Transport, reason string) {
	if tr != nil {
		_ = tr.Close()
	}
	ctx := context.Background()
	if err := st.log.Purge(ctx, sess.id); err != nil && !errors.Is(err, eventlog.ErrUnknownSession) {
		st.logger.Warn("failed to purge session events",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()))
	}
	st.logger.Info("session destroyed",
		slog.String("session_id", sess.id),
		slog.String("reason", reason))
}

// Run drives the reaper until ctx is canceled. Each scan arms the grace
// timer for sessions idle past the threshold and, when event retention
// is configured, prunes old stored events.
func (st *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(st.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st.scan()
			if st.eventRetention > 0 {
				if err := st.log.PurgeOlderThan(ctx, st.eventRetention); err != nil {
					st.logger.Warn("event retention pass failed",
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (st *Store) scan() {
	st.mu.Lock()
	candidates := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		candidates = append(candidates, sess)
	}
	st.mu.Unlock()

	cutoff := time.Now().Add(-st.idleTimeout)
	for _, sess := range candidates {
		if sess.LastActivity().Before(cutoff) {
			st.armGrace(sess)
		}
	}
}
