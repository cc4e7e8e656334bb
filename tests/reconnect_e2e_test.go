// End-to-end coverage of the reconnection protocol: a real HTTP server
// over the session store, exercised through the reconnecting client.
package tests

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/streamrpc/auth/authtest"
	"github.com/relaykit/streamrpc/client"
	"github.com/relaykit/streamrpc/eventlog/memorylog"
	"github.com/relaykit/streamrpc/protocol"
	"github.com/relaykit/streamrpc/rpcservice"
	"github.com/relaykit/streamrpc/sessions"
	"github.com/relaykit/streamrpc/streaminghttp"
)

type testServer struct {
	srv   *httptest.Server
	store *sessions.Store
}

func newTestServer(t *testing.T, storeOpts ...sessions.StoreOption) *testServer {
	t.Helper()

	l := memorylog.New()
	t.Cleanup(func() { l.Close() })

	reg := rpcservice.NewRegistry(protocol.ServerInfo{Name: "e2e", Version: "0.0.1"})
	reg.Register("echo", func(ctx context.Context, req *rpcservice.Request) (any, error) {
		return json.RawMessage(req.Params), nil
	})
	reg.Register("watch", func(ctx context.Context, req *rpcservice.Request) (any, error) {
		var p struct {
			Ticks int `json:"ticks"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, rpcservice.NewError(-32602, "invalid params")
		}
		em := rpcservice.EmitterFrom(ctx)
		// Emit only after the request stream is gone; the deliveries then
		// fall back to the durable standalone channel.
		bg := context.WithoutCancel(ctx)
		go func() {
			<-ctx.Done()
			for i := 1; i <= p.Ticks; i++ {
				_ = em.Notify(bg, "watch/tick", map[string]int{"n": i})
			}
		}()
		return map[string]bool{"watching": true}, nil
	})

	opts := append([]sessions.StoreOption{
		sessions.WithLogger(slog.New(slog.DiscardHandler)),
	}, storeOpts...)
	store := sessions.NewStore(reg, l, opts...)

	h, err := streaminghttp.New(store, authtest.NewNoAuth(""),
		streaminghttp.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store}
}

func (s *testServer) newClient(t *testing.T, store client.StateStore) *client.Client {
	t.Helper()
	cl, err := client.New(s.srv.URL+"/rpc", store,
		client.WithBearer("e2e-token"),
		client.WithLogger(slog.New(slog.DiscardHandler)),
		client.WithBackoff(10*time.Millisecond, 100*time.Millisecond),
		client.WithClientInfo(protocol.ClientInfo{Name: "e2e-client", Version: "1"}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cl
}

// tickRecorder collects notification payloads of the form {"n": int} and
// cancels its context once a target count is reached.
type tickRecorder struct {
	mu     sync.Mutex
	seen   []int
	target int
	cancel context.CancelFunc
}

func (r *tickRecorder) handle(ctx context.Context, method string, params json.RawMessage) {
	var p struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	r.mu.Lock()
	r.seen = append(r.seen, p.N)
	done := len(r.seen) >= r.target
	r.mu.Unlock()
	if done {
		r.cancel()
	}
}

func (r *tickRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen...)
}

// listenFor runs cl.Listen until the recorder has seen target total
// notifications or the deadline passes.
func listenFor(t *testing.T, cl *client.Client, rec *tickRecorder, target int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	rec.target = target
	rec.cancel = cancel
	_ = cl.Listen(ctx, rec.handle)
	if got := rec.snapshot(); len(got) < target {
		t.Fatalf("received %v before deadline, want %d notifications", got, target)
	}
}

func emit(t *testing.T, s *testServer, sessID string, from, to int) {
	t.Helper()
	sess, ok := s.store.Get(sessID)
	if !ok {
		t.Fatalf("session %s missing", sessID)
	}
	for n := from; n <= to; n++ {
		if err := sess.Service().Notify(t.Context(), "watch/tick", map[string]int{"n": n}, ""); err != nil {
			t.Fatalf("notify %d: %v", n, err)
		}
	}
}

// assertSequence demands every integer in [1, n] exactly once, in order:
// a dropped stream must neither lose nor duplicate notifications.
func assertSequence(t *testing.T, got []int, n int) {
	t.Helper()
	if len(got) != n {
		t.Fatalf("received %v, want exactly %d notifications", got, n)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("received %v, want 1..%d in order", got, n)
		}
	}
}

func TestReconnectReplaysMissedNotifications(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	cl := srv.newClient(t, nil)
	if err := cl.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sessID := cl.SessionID()

	rec := &tickRecorder{}
	emit(t, srv, sessID, 1, 2)
	listenFor(t, cl, rec, 2)

	// These are sent while no stream is attached.
	emit(t, srv, sessID, 3, 5)
	listenFor(t, cl, rec, 5)

	assertSequence(t, rec.snapshot(), 5)
	if cl.LastEventID() < 5 {
		t.Fatalf("cursor = %d, want at least 5", cl.LastEventID())
	}
}

func TestRestartResumesSessionFromPersistedState(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	statePath := filepath.Join(t.TempDir(), "state.json")

	first := srv.newClient(t, client.NewFileStateStore(statePath))
	if err := first.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sessID := first.SessionID()

	rec := &tickRecorder{}
	emit(t, srv, sessID, 1, 2)
	listenFor(t, first, rec, 2)

	// Notifications sent while the process is down.
	emit(t, srv, sessID, 3, 4)

	// A new process picks up the same state file.
	second := srv.newClient(t, client.NewFileStateStore(statePath))
	if err := second.Connect(t.Context()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if second.SessionID() != sessID {
		t.Fatalf("restarted client got session %q, want %q", second.SessionID(), sessID)
	}
	listenFor(t, second, rec, 4)
	assertSequence(t, rec.snapshot(), 4)
}

func TestOrphanedEmissionsLandOnStandaloneStream(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	cl := srv.newClient(t, nil)
	if err := cl.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The watch handler responds immediately and emits after its own
	// stream is gone.
	var res struct {
		Watching bool `json:"watching"`
	}
	if err := cl.Call(t.Context(), "watch", map[string]int{"ticks": 3}, &res, nil); err != nil {
		t.Fatalf("call watch: %v", err)
	}
	if !res.Watching {
		t.Fatalf("watch result = %+v", res)
	}

	rec := &tickRecorder{}
	listenFor(t, cl, rec, 3)
	assertSequence(t, rec.snapshot(), 3)
}

func TestIdleSessionReclaimedThenReestablished(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t,
		sessions.WithIdleTimeout(30*time.Millisecond),
		sessions.WithGracePeriod(30*time.Millisecond),
		sessions.WithReapInterval(10*time.Millisecond),
	)
	runCtx, stopReaper := context.WithCancel(t.Context())
	defer stopReaper()
	go func() { _ = srv.store.Run(runCtx) }()

	cl := srv.newClient(t, nil)
	if err := cl.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sessID := cl.SessionID()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := srv.store.Get(sessID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle session was never reclaimed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The next call hits a dead session and transparently re-handshakes.
	var res map[string]string
	if err := cl.Call(t.Context(), "echo", map[string]string{"k": "v"}, &res, nil); err != nil {
		t.Fatalf("call after reclamation: %v", err)
	}
	if res["k"] != "v" {
		t.Fatalf("echo result = %v", res)
	}
	if cl.SessionID() == sessID {
		t.Fatalf("client kept the reclaimed session ID")
	}
}

func TestReconnectDuringGraceKeepsSession(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, sessions.WithGracePeriod(80*time.Millisecond))

	cl := srv.newClient(t, nil)
	if err := cl.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sessID := cl.SessionID()
	sess, ok := srv.store.Get(sessID)
	if !ok {
		t.Fatalf("session missing")
	}
	svc := sess.Service()

	srv.store.ScheduleGracePeriod(sessID)

	// Reconnecting inside the window cancels the pending reclamation and
	// keeps the same session and negotiated state.
	if err := cl.Connect(t.Context()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if cl.SessionID() != sessID {
		t.Fatalf("reconnect minted session %q, want %q", cl.SessionID(), sessID)
	}

	time.Sleep(200 * time.Millisecond)
	got, ok := srv.store.Get(sessID)
	if !ok {
		t.Fatalf("session reclaimed despite reconnect inside the grace window")
	}
	if got.Service() != svc {
		t.Fatalf("reconnect replaced the service instance")
	}
}

func TestTerminateEndsSession(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	cl := srv.newClient(t, nil)
	if err := cl.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sessID := cl.SessionID()

	if err := cl.Terminate(t.Context()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if cl.SessionID() != "" {
		t.Fatalf("client kept session ID %q after terminate", cl.SessionID())
	}
	if _, ok := srv.store.Get(sessID); ok {
		t.Fatalf("server kept session after terminate")
	}

	// A fresh connect starts over with a new session.
	if err := cl.Connect(t.Context()); err != nil {
		t.Fatalf("connect after terminate: %v", err)
	}
	if cl.SessionID() == "" || cl.SessionID() == sessID {
		t.Fatalf("post-terminate session = %q", cl.SessionID())
	}
}
