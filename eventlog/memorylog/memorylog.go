// Package memorylog provides an in-memory eventlog.Log suitable for
// single-process deployments and tests.
package memorylog

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/streamrpc/eventlog"
)

// Log is an in-memory implementation of eventlog.Log.
type Log struct {
	mu       sync.RWMutex
	closed   bool
	sessions map[string]*sessionLog
}

type sessionLog struct {
	nextID uint64
	events []eventlog.Event
}

func New() *Log {
	return &Log{sessions: make(map[string]*sessionLog)}
}

func (l *Log) Append(ctx context.Context, sessionID string, ev eventlog.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, eventlog.ErrClosed
	}
	sl, ok := l.sessions[sessionID]
	if !ok {
		sl = &sessionLog{nextID: 1}
		l.sessions[sessionID] = sl
	}
	ev.ID = sl.nextID
	ev.At = time.Now().UTC()
	ev.Payload = append([]byte(nil), ev.Payload...)
	sl.nextID++
	sl.events = append(sl.events, ev)
	return ev.ID, nil
}

func (l *Log) Range(ctx context.Context, sessionID string, afterID uint64, fn func(ev eventlog.Event) error) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return eventlog.ErrClosed
	}
	sl, ok := l.sessions[sessionID]
	if !ok {
		l.mu.RUnlock()
		return nil
	}
	// Snapshot under lock; deliver outside it so fn may block.
	var snapshot []eventlog.Event
	for _, ev := range sl.events {
		if ev.ID > afterID {
			snapshot = append(snapshot, ev)
		}
	}
	l.mu.RUnlock()

	for _, ev := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) Purge(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return eventlog.ErrClosed
	}
	delete(l.sessions, sessionID)
	return nil
}

func (l *Log) PurgeOlderThan(ctx context.Context, age time.Duration) error {
	cutoff := time.Now().UTC().Add(-age)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return eventlog.ErrClosed
	}
	for sid, sl := range l.sessions {
		keep := sl.events[:0]
		for _, ev := range sl.events {
			if ev.At.After(cutoff) {
				keep = append(keep, ev)
			}
		}
		sl.events = keep
		if len(sl.events) == 0 && sl.nextID == 1 {
			delete(l.sessions, sid)
		}
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.sessions = make(map[string]*sessionLog)
	return nil
}

var _ eventlog.Log = (*Log)(nil)
