package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelauth/sentinel/internal/cache"
)

// Correlation slot names. An authorization attempt writes state and code for
// one client; the device flow writes its own slot.
const (
	SlotState      = "state"
	SlotCode       = "code"
	SlotDeviceCode = "device_code"
)

// ErrCorrelationMiss reports an absent or expired correlation entry.
var ErrCorrelationMiss = errors.New("correlation entry not found")

// CorrelationStore keeps short-lived per-client slots bound to a session.
// Entries expire on their own; Consume removes an entry on first read so a
// code or state can be exchanged at most once.
type CorrelationStore interface {
	Put(ctx context.Context, sessionID, clientID, slot, value string) error
	Peek(ctx context.Context, sessionID, clientID, slot string) (string, error)
	Consume(ctx context.Context, sessionID, clientID, slot string) (string, error)
}

// correlationKey derives the storage key. The "{clientID}_{slot}" suffix keeps
// one slot of each name per client within a session.
func correlationKey(sessionID, clientID, slot string) string {
	return fmt.Sprintf("corr:%s:%s_%s", sessionID, clientID, slot)
}

// RedisCorrelationStore stores correlation entries in Redis with a TTL.
type RedisCorrelationStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCorrelationStore returns a Redis-backed correlation store.
func NewRedisCorrelationStore(client *redis.Client, ttl time.Duration) *RedisCorrelationStore {
	return &RedisCorrelationStore{client: client, ttl: ttl}
}

func (s *RedisCorrelationStore) Put(ctx context.Context, sessionID, clientID, slot, value string) error {
	key := correlationKey(sessionID, clientID, slot)
	if err := s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStoreFailure, key, err)
	}
	return nil
}

func (s *RedisCorrelationStore) Peek(ctx context.Context, sessionID, clientID, slot string) (string, error) {
	key := correlationKey(sessionID, clientID, slot)
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCorrelationMiss
	}
	if err != nil {
		return "", fmt.Errorf("%w: get %s: %v", ErrStoreFailure, key, err)
	}
	return val, nil
}

func (s *RedisCorrelationStore) Consume(ctx context.Context, sessionID, clientID, slot string) (string, error) {
	key := correlationKey(sessionID, clientID, slot)
	val, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCorrelationMiss
	}
	if err != nil {
		return "", fmt.Errorf("%w: getdel %s: %v", ErrStoreFailure, key, err)
	}
	return val, nil
}

// MemoryCorrelationStore keeps correlation entries in process memory. Used
// when no Redis URL is configured; suitable for a single instance only.
type MemoryCorrelationStore struct {
	cache *cache.TTLCache
	ttl   time.Duration
}

// NewMemoryCorrelationStore returns an in-memory correlation store.
func NewMemoryCorrelationStore(ttl time.Duration) *MemoryCorrelationStore {
	return &MemoryCorrelationStore{cache: cache.NewTTLCache(), ttl: ttl}
}

func (s *MemoryCorrelationStore) Put(_ context.Context, sessionID, clientID, slot, value string) error {
	s.cache.Set(correlationKey(sessionID, clientID, slot), value, s.ttl)
	return nil
}

func (s *MemoryCorrelationStore) Peek(_ context.Context, sessionID, clientID, slot string) (string, error) {
	val, ok := s.cache.Get(correlationKey(sessionID, clientID, slot))
	if !ok {
		return "", ErrCorrelationMiss
	}
	return val, nil
}

func (s *MemoryCorrelationStore) Consume(_ context.Context, sessionID, clientID, slot string) (string, error) {
	val, ok := s.cache.GetDel(correlationKey(sessionID, clientID, slot))
	if !ok {
		return "", ErrCorrelationMiss
	}
	return val, nil
}
