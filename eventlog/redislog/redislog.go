// Package redislog provides a Redis-streams-backed eventlog.Log. Each session
// maps to one stream; event IDs are allocated from a per-session counter so
// cursors stay dense and comparable across backends.
package redislog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relaykit/streamrpc/eventlog"
)

// Config for the Redis-backed log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=streamrpc:eventlog:"`
}

// Log is a Redis implementation of eventlog.Log.
type Log struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Log, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streamrpc:eventlog:"
	}
	return &Log{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Log using envdecode to populate Config.
func NewFromEnv() (*Log, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (l *Log) streamKey(sessionID string) string { return l.keyPrefix + "stream:" + sessionID }
func (l *Log) seqKey(sessionID string) string    { return l.keyPrefix + "seq:" + sessionID }

func (l *Log) Append(ctx context.Context, sessionID string, ev eventlog.Event) (uint64, error) {
	seq, err := l.client.Incr(ctx, l.seqKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate event id: %w", err)
	}
	// Explicit stream IDs "<seq>-0" keep XRANGE cursors aligned with our
	// dense uint64 event IDs. INCR guarantees monotonicity.
	_, err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.streamKey(sessionID),
		ID:     fmt.Sprintf("%d-0", seq),
		Values: map[string]interface{}{
			"d":  ev.Payload,
			"t":  ev.Target,
			"ts": time.Now().UTC().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xadd event: %w", err)
	}
	return uint64(seq), nil
}

func (l *Log) Range(ctx context.Context, sessionID string, afterID uint64, fn func(ev eventlog.Event) error) error {
	start := "-"
	if afterID > 0 {
		start = fmt.Sprintf("(%d-0", afterID)
	}
	msgs, err := l.client.XRange(ctx, l.streamKey(sessionID), start, "+").Result()
	if err != nil {
		return fmt.Errorf("xrange events: %w", err)
	}
	for _, m := range msgs {
		ev, err := decodeEntry(m)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) Purge(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if _, err := l.client.Del(c, l.streamKey(sessionID), l.seqKey(sessionID)).Result(); err != nil {
		return fmt.Errorf("purge session keys: %w", err)
	}
	return nil
}

func (l *Log) PurgeOlderThan(ctx context.Context, age time.Duration) error {
	cutoff := time.Now().UTC().Add(-age).UnixMilli()
	var cursor uint64
	pattern := l.keyPrefix + "stream:*"
	for {
		keys, next, err := l.client.Scan(ctx, cursor, pattern, 50).Result()
		if err != nil {
			return fmt.Errorf("scan streams: %w", err)
		}
		for _, key := range keys {
			if err := l.trimStream(ctx, key, cutoff); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// trimStream deletes entries whose recorded timestamp precedes cutoff.
// Entries are time-ordered, so we can stop at the first survivor.
func (l *Log) trimStream(ctx context.Context, key string, cutoffMillis int64) error {
	msgs, err := l.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return fmt.Errorf("xrange for trim: %w", err)
	}
	var stale []string
	for _, m := range msgs {
		ts, _ := strconv.ParseInt(asString(m.Values["ts"]), 10, 64)
		if ts >= cutoffMillis {
			break
		}
		stale = append(stale, m.ID)
	}
	if len(stale) > 0 {
		if err := l.client.XDel(ctx, key, stale...).Err(); err != nil {
			return fmt.Errorf("xdel stale entries: %w", err)
		}
	}
	return nil
}

func (l *Log) Close() error { return l.client.Close() }

func decodeEntry(m redis.XMessage) (eventlog.Event, error) {
	idPart, _, ok := strings.Cut(m.ID, "-")
	if !ok {
		return eventlog.Event{}, fmt.Errorf("malformed stream id %q", m.ID)
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("parse stream id %q: %w", m.ID, err)
	}
	ts, _ := strconv.ParseInt(asString(m.Values["ts"]), 10, 64)
	return eventlog.Event{
		ID:      id,
		Target:  asString(m.Values["t"]),
		Payload: []byte(asString(m.Values["d"])),
		At:      time.UnixMilli(ts).UTC(),
	}, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

var _ eventlog.Log = (*Log)(nil)
