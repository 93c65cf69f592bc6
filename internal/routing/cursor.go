package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CursorStore holds the persistent per-rule round-robin cursor. Next must
// advance exactly once per call, mutually exclusive across concurrent
// callers, so concurrent routing never skips or double-assigns a target.
type CursorStore interface {
	// Next advances the cursor for the rule and returns the target index
	// in [0, size).
	Next(ctx context.Context, rule string, size int) (int, error)
}

// AvailabilityStore tracks targets that recently refused delivery so the
// fallback strategy can skip them without a probe.
type AvailabilityStore interface {
	// MarkUnavailable records that the target refused delivery.
	MarkUnavailable(ctx context.Context, target string, ttl time.Duration) error
	// IsAvailable reports whether the target is not currently marked down.
	IsAvailable(ctx context.Context, target string) (bool, error)
}

// MemoryCursorStore keeps cursors in process memory.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewMemoryCursorStore creates an in-memory cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]int)}
}

// Next advances the in-memory cursor for the rule.
func (s *MemoryCursorStore) Next(ctx context.Context, rule string, size int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, fmt.Errorf("cursor size must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.cursors[rule] % size
	s.cursors[rule]++
	return idx, nil
}

// MemoryAvailabilityStore keeps target availability in process memory.
type MemoryAvailabilityStore struct {
	mu   sync.Mutex
	down map[string]time.Time
}

// NewMemoryAvailabilityStore creates an in-memory availability store.
func NewMemoryAvailabilityStore() *MemoryAvailabilityStore {
	return &MemoryAvailabilityStore{down: make(map[string]time.Time)}
}

// MarkUnavailable records the target as down until now+ttl.
func (s *MemoryAvailabilityStore) MarkUnavailable(ctx context.Context, target string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[target] = time.Now().Add(ttl)
	return nil
}

// IsAvailable reports whether the target's down marker has expired.
func (s *MemoryAvailabilityStore) IsAvailable(ctx context.Context, target string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.down[target]
	if !ok || time.Now().After(until) {
		delete(s.down, target)
		return true, nil
	}
	return false, nil
}

// RedisCursorStore keeps cursors in Redis so multiple router instances share
// one cursor per rule. INCR is atomic, which gives the exactly-once advance.
type RedisCursorStore struct {
	client *redis.Client
}

// NewRedisCursorStore creates a Redis-backed cursor store.
func NewRedisCursorStore(client *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{client: client}
}

func cursorKey(rule string) string {
	return "router:cursor:" + rule
}

// Next atomically advances the shared cursor for the rule.
func (s *RedisCursorStore) Next(ctx context.Context, rule string, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("cursor size must be positive")
	}
	val, err := s.client.Incr(ctx, cursorKey(rule)).Result()
	if err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}
	return int((val - 1) % int64(size)), nil
}

// RedisAvailabilityStore keeps target availability markers in Redis.
type RedisAvailabilityStore struct {
	client *redis.Client
}

// NewRedisAvailabilityStore creates a Redis-backed availability store.
func NewRedisAvailabilityStore(client *redis.Client) *RedisAvailabilityStore {
	return &RedisAvailabilityStore{client: client}
}

func availabilityKey(target string) string {
	return "router:down:" + target
}

// MarkUnavailable sets a down marker with the given TTL.
func (s *RedisAvailabilityStore) MarkUnavailable(ctx context.Context, target string, ttl time.Duration) error {
	if err := s.client.Set(ctx, availabilityKey(target), "1", ttl).Err(); err != nil {
		return fmt.Errorf("mark unavailable: %w", err)
	}
	return nil
}

// IsAvailable checks for an unexpired down marker.
func (s *RedisAvailabilityStore) IsAvailable(ctx context.Context, target string) (bool, error) {
	exists, err := s.client.Exists(ctx, availabilityKey(target)).Result()
	if err != nil {
		return false, fmt.Errorf("check availability: %w", err)
	}
	return exists == 0, nil
}
