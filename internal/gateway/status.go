package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderStatus is the live availability of one provider. It is purely
// a function of the most recent attempt: flipped false on any failed
// call, flipped back true on the next success. There is no health-check
// loop — a provider that has been down for hours and is never retried
// stays marked unavailable until something calls it again.
type ProviderStatus struct {
	Provider    string    `json:"provider"`
	Available   bool      `json:"available"`
	LastChecked time.Time `json:"last_checked"`
	LastError   string    `json:"last_error,omitempty"`
}

// StatusStore holds provider availability. The in-memory implementation
// is per-process and last-writer-wins — a heuristic signal, not a lock.
// The Redis implementation shares status across a fleet.
type StatusStore interface {
	Get(providerID string) (ProviderStatus, bool)
	Set(status ProviderStatus)
	Clear(providerID string)
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// MemoryStatusStore is the default StatusStore: a mutex-guarded map.
type MemoryStatusStore struct {
	mu     sync.RWMutex
	status map[string]ProviderStatus
}

var _ StatusStore = (*MemoryStatusStore)(nil)

// NewMemoryStatusStore creates an empty in-memory store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{status: make(map[string]ProviderStatus)}
}

func (s *MemoryStatusStore) Get(providerID string) (ProviderStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.status[providerID]
	return st, ok
}

func (s *MemoryStatusStore) Set(status ProviderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[status.Provider] = status
}

func (s *MemoryStatusStore) Clear(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.status, providerID)
}

// ---------------------------------------------------------------------------
// Redis store
// ---------------------------------------------------------------------------

// RedisStatusStore shares availability across gateway instances through
// a small TTL'd key per provider. Redis errors degrade to "no opinion":
// a provider with no readable status is treated as available, which only
// costs one extra failed attempt in the worst case.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ StatusStore = (*RedisStatusStore)(nil)

// NewRedisStatusStore creates a store on an existing client. A zero ttl
// defaults to one minute.
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisStatusStore{client: client, ttl: ttl, prefix: "aigateway:status:"}
}

func (s *RedisStatusStore) key(providerID string) string {
	return s.prefix + providerID
}

func (s *RedisStatusStore) Get(providerID string) (ProviderStatus, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := s.client.Get(ctx, s.key(providerID)).Result()
	if err != nil {
		return ProviderStatus{}, false
	}
	var st ProviderStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return ProviderStatus{}, false
	}
	return st, true
}

func (s *RedisStatusStore) Set(status ProviderStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	s.client.Set(ctx, s.key(status.Provider), raw, s.ttl)
}

func (s *RedisStatusStore) Clear(providerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.client.Del(ctx, s.key(providerID))
}
