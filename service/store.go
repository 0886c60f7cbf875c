package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists session snapshots. Load returns ErrSessionNotFound for an
// unknown id.
type Store interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps encoded snapshots in a map, so callers never share
// slices with the stored copy. With a TTL, snapshots expire ttl after their
// last save, like RedisStore.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]memoryEntry
	ttl       time.Duration
	nextSweep time.Time
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]memoryEntry{}}
}

// WithTTL makes snapshots expire ttl after their last save. Zero keeps them
// forever.
func (m *MemoryStore) WithTTL(ttl time.Duration) *MemoryStore {
	m.ttl = ttl
	return m
}

func (m *MemoryStore) Save(_ context.Context, s Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	now := time.Now()
	e := memoryEntry{data: b}
	if m.ttl > 0 {
		e.expires = now.Add(m.ttl)
	}
	m.mu.Lock()
	m.sessions[s.ID] = e
	m.sweep(now)
	m.mu.Unlock()
	return nil
}

// sweep drops expired snapshots at most once per minute. m.mu must be held.
func (m *MemoryStore) sweep(now time.Time) {
	if m.ttl <= 0 || now.Before(m.nextSweep) {
		return
	}
	for id, e := range m.sessions {
		if e.expired(now) {
			delete(m.sessions, id)
		}
	}
	m.nextSweep = now.Add(min(m.ttl, time.Minute))
}

func (m *MemoryStore) Load(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return Session{}, ErrSessionNotFound
	}
	var s Session
	if err := json.Unmarshal(e.data, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}

// Len counts the snapshots held, expired ones included until swept.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

const redisKeyPrefix = "story-echo:session:"

// RedisStore keeps sessions as JSON strings that expire ttl after their
// last update.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// DialRedis parses url, connects and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (r *RedisStore) Save(ctx context.Context, s Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	if err := r.client.Set(ctx, redisKey(s.ID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (Session, error) {
	b, err := r.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
