// Package repository caches responses of non-idempotent requests so that
// client retries carrying the same Idempotency-Key replay the first answer.
package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInFlight is returned by GetResponse while the key is reserved by a
// request that has not stored its response yet.
var ErrInFlight = errors.New("idempotent request in flight")

// IdempotencyRepository stores a response payload per key. A caller reserves
// the key before doing the work, then either stores the response or releases
// the reservation.
type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type memoryEntry struct {
	payload []byte
	pending bool
}

// MemoryIdempotencyRepo stores responses keyed by idempotency key.
type MemoryIdempotencyRepo struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryIdempotencyRepo constructs repository.
func NewMemoryIdempotencyRepo() *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{entries: make(map[string]memoryEntry)}
}

func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	switch {
	case !ok:
		return nil, false, nil
	case entry.pending:
		return nil, false, ErrInFlight
	}
	return append([]byte(nil), entry.payload...), true, nil
}

// Reserve claims key. It reports false when the key is already reserved or
// answered.
func (m *MemoryIdempotencyRepo) Reserve(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{pending: true}
	return true, nil
}

// Release drops a reservation. Stored responses are kept.
func (m *MemoryIdempotencyRepo) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok && entry.pending {
		delete(m.entries, key)
	}
	return nil
}

// PutResponse keeps the first payload stored for key.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok && !entry.pending {
		return nil
	}
	m.entries[key] = memoryEntry{payload: append([]byte(nil), payload...)}
	return nil
}

const (
	defaultIdempotencyPrefix = "dispatch:idem:"
	defaultIdempotencyTTL    = 24 * time.Hour
	// reservations expire so a crashed instance does not block the key.
	defaultReservationTTL = 30 * time.Second
)

var pendingMarker = []byte("\x00pending")

// putScript stores the payload unless a response is already there.
var putScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and current ~= ARGV[2] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// releaseScript deletes the key only while it still holds the marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisIdempotencyRepo shares cached responses between dispatch instances.
type RedisIdempotencyRepo struct {
	client     redis.Cmdable
	prefix     string
	ttl        time.Duration
	reserveTTL time.Duration
}

// NewRedisIdempotencyRepo constructs the Redis repository. Entries expire
// after ttl.
func NewRedisIdempotencyRepo(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyRepo {
	if prefix == "" {
		prefix = defaultIdempotencyPrefix
	}
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisIdempotencyRepo{client: client, prefix: prefix, ttl: ttl, reserveTTL: defaultReservationTTL}
}

func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	if bytes.Equal(value, pendingMarker) {
		return nil, false, ErrInFlight
	}
	return value, true, nil
}

// Reserve claims key with SETNX.
func (r *RedisIdempotencyRepo) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, pendingMarker, r.reserveTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisIdempotencyRepo) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, pendingMarker).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// PutResponse replaces a reservation with payload and keeps the first
// payload stored for key.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte) error {
	err := putScript.Run(ctx, r.client, []string{r.prefix + key}, payload, pendingMarker, r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}
