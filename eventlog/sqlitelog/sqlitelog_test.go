package sqlitelog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/relaykit/streamrpc/eventlog"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRangeRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	l := openTestLog(t)

	payloads := []string{"one", "two", "three"}
	for i, p := range payloads {
		id, err := l.Append(ctx, "s1", eventlog.Event{Target: "", Payload: []byte(p)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if id != uint64(i+1) {
			t.Fatalf("append id = %d, want %d", id, i+1)
		}
	}

	var got []string
	err := l.Range(ctx, "s1", 1, func(ev eventlog.Event) error {
		got = append(got, string(ev.Payload))
		return nil
	})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 2 || got[0] != "two" || got[1] != "three" {
		t.Fatalf("range after 1 = %v, want [two three]", got)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	l := openTestLog(t)

	if _, err := l.Append(ctx, "a", eventlog.Event{Payload: []byte("for-a")}); err != nil {
		t.Fatalf("append a: %v", err)
	}
	id, err := l.Append(ctx, "b", eventlog.Event{Payload: []byte("for-b")})
	if err != nil {
		t.Fatalf("append b: %v", err)
	}
	if id != 1 {
		t.Fatalf("session b first id = %d, want 1", id)
	}

	var got []string
	if err := l.Range(ctx, "b", 0, func(ev eventlog.Event) error {
		got = append(got, string(ev.Payload))
		return nil
	}); err != nil {
		t.Fatalf("range b: %v", err)
	}
	if len(got) != 1 || got[0] != "for-b" {
		t.Fatalf("session b events = %v, want [for-b]", got)
	}
}

func TestPurgeRemovesOnlyTargetSession(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	l := openTestLog(t)

	if _, err := l.Append(ctx, "keep", eventlog.Event{Payload: []byte("k")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, "drop", eventlog.Event{Payload: []byte("d")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Purge(ctx, "drop"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	count := func(sid string) int {
		n := 0
		if err := l.Range(ctx, sid, 0, func(ev eventlog.Event) error { n++; return nil }); err != nil {
			t.Fatalf("range %s: %v", sid, err)
		}
		return n
	}
	if n := count("drop"); n != 0 {
		t.Fatalf("purged session has %d events, want 0", n)
	}
	if n := count("keep"); n != 1 {
		t.Fatalf("kept session has %d events, want 1", n)
	}
}

func TestPurgeOlderThanDropsStaleEvents(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	l := openTestLog(t)

	if _, err := l.Append(ctx, "s1", eventlog.Event{Payload: []byte("stale")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := l.PurgeOlderThan(ctx, time.Millisecond); err != nil {
		t.Fatalf("purge older than: %v", err)
	}

	n := 0
	if err := l.Range(ctx, "s1", 0, func(ev eventlog.Event) error { n++; return nil }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if n != 0 {
		t.Fatalf("stale events remaining = %d, want 0", n)
	}
}

func TestPurgeOlderThanKeepsIDSpace(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	l := openTestLog(t)

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, "s1", eventlog.Event{Payload: []byte("old")}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	time.Sleep(5 * time.Millisecond)
	if err := l.PurgeOlderThan(ctx, time.Millisecond); err != nil {
		t.Fatalf("purge older than: %v", err)
	}

	// A retention purge may empty a live session's log; the next append
	// must continue the ID sequence so a client's replay cursor stays
	// valid.
	id, err := l.Append(ctx, "s1", eventlog.Event{Payload: []byte("fresh")})
	if err != nil {
		t.Fatalf("append after purge: %v", err)
	}
	if id != 4 {
		t.Fatalf("append after purge assigned id %d, want 4", id)
	}

	var got []uint64
	if err := l.Range(ctx, "s1", 3, func(ev eventlog.Event) error {
		got = append(got, ev.ID)
		return nil
	}); err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 || got[0] != 4 {
		t.Fatalf("range after cursor 3 = %v, want [4]", got)
	}
}

func TestPurgeResetsIDSpace(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	l := openTestLog(t)

	if _, err := l.Append(ctx, "s1", eventlog.Event{Payload: []byte("a")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Purge(ctx, "s1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	// Purge means the session is destroyed; a reused ID restarts at 1.
	id, err := l.Append(ctx, "s1", eventlog.Event{Payload: []byte("b")})
	if err != nil {
		t.Fatalf("append after purge: %v", err)
	}
	if id != 1 {
		t.Fatalf("append after session purge assigned id %d, want 1", id)
	}
}
