package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/geodispatch/internal/dispatch/domain"
)

const (
	defaultLeasePrefix = "dispatch:lease:"
	defaultLeaseTTL    = 30 * time.Second
)

// releaseScript deletes the lease only while it is still held for the order.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLeaseStore coordinates agent leases with Redis SET NX PX. Every lease
// carries a TTL so a crashed holder cannot keep an agent forever.
type RedisLeaseStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisLeaseStore constructs the lease helper.
func NewRedisLeaseStore(client redis.Cmdable, prefix string) *RedisLeaseStore {
	if prefix == "" {
		prefix = defaultLeasePrefix
	}
	return &RedisLeaseStore{client: client, keyPrefix: prefix}
}

// TryReserve attempts to acquire the lease for agentID on behalf of orderID.
func (r *RedisLeaseStore) TryReserve(ctx context.Context, agentID string, orderID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	ok, err := r.client.SetNX(ctx, r.keyPrefix+agentID, orderID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release drops the lease if orderID still holds it.
func (r *RedisLeaseStore) Release(ctx context.Context, agentID string, orderID uuid.UUID) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.keyPrefix + agentID}, orderID.String()).Err(); err != nil {
		return fmt.Errorf("redis release lease: %w", err)
	}
	return nil
}

type memoryLease struct {
	orderID uuid.UUID
	expires time.Time
}

// MemoryLeaseStore is the single-process lease store.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	clock  domain.Clock
	leases map[string]memoryLease
}

// NewMemoryLeaseStore constructs MemoryLeaseStore. A nil clock uses the system clock.
func NewMemoryLeaseStore(clock domain.Clock) *MemoryLeaseStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryLeaseStore{clock: clock, leases: make(map[string]memoryLease)}
}

func (m *MemoryLeaseStore) TryReserve(_ context.Context, agentID string, orderID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[agentID]; ok && now.Before(held.expires) {
		return false, nil
	}
	m.leases[agentID] = memoryLease{orderID: orderID, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLeaseStore) Release(_ context.Context, agentID string, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[agentID]; ok && held.orderID == orderID {
		delete(m.leases, agentID)
	}
	return nil
}
