package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leash-dev/leash/pkg/event"
)

// RedisBackend implements Backend using Redis. It suits deployments where
// the engine and its consumers do not share a filesystem.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "leash:").
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "leash:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "leash:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (b *RedisBackend) sessionKey(sessionID string) string {
	return b.prefix + "meta:" + sessionID
}

func (b *RedisBackend) eventsKey(sessionID string) string {
	return b.prefix + "events:" + sessionID
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "sessions"
}

func (b *RedisBackend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// SaveSession creates or updates session metadata.
func (b *RedisBackend) SaveSession(ctx context.Context, rec *SessionRecord) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.sessionKey(rec.ID), data, b.ttl)
	pipe.SAdd(ctx, b.indexKey(), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession retrieves session metadata by ID.
func (b *RedisBackend) LoadSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}

// ListSessions returns all stored sessions, most recently active first.
func (b *RedisBackend) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	sessionIDs, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*SessionRecord, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		rec, err := b.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Session expired or was deleted, clean up index
				b.client.SRem(ctx, b.indexKey(), id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, rec)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

// DeleteSession removes a session and its event log.
func (b *RedisBackend) DeleteSession(ctx context.Context, sessionID string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	exists, err := b.client.Exists(ctx, b.sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.sessionKey(sessionID))
	pipe.Del(ctx, b.eventsKey(sessionID))
	pipe.SRem(ctx, b.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendEvent adds an event to a session's log (append-only).
func (b *RedisBackend) AppendEvent(ctx context.Context, sessionID string, ev *event.Event) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.RPush(ctx, b.eventsKey(sessionID), data)
	if b.ttl > 0 {
		pipe.Expire(ctx, b.eventsKey(sessionID), b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ReadEvents retrieves logged events with seq > sinceSeq, in order.
func (b *RedisBackend) ReadEvents(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]*event.Event, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	// The log is append-only and seq is strictly increasing, so sinceSeq is
	// a list offset: record N has seq N.
	start := sinceSeq
	stop := int64(-1)
	if limit > 0 {
		stop = start + int64(limit) - 1
	}

	raw, err := b.client.LRange(ctx, b.eventsKey(sessionID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	events := make([]*event.Event, 0, len(raw))
	for _, item := range raw {
		var ev event.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		if ev.Seq <= sinceSeq {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// LastSeq returns the highest sequence number in a session's log, or 0.
func (b *RedisBackend) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	if err := b.checkClosed(); err != nil {
		return 0, err
	}

	raw, err := b.client.LIndex(ctx, b.eventsKey(sessionID), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read last event: %w", err)
	}

	var ev event.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return 0, fmt.Errorf("unmarshal last event: %w", err)
	}
	return ev.Seq, nil
}

// Close releases any resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
