package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store 멱등성 키 저장소 인터페이스
type Store interface {
	// Reserve 멱등성 키를 예약 (이미 존재하면 false 반환)
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release 멱등성 키 해제
	Release(ctx context.Context, key string) error
}

// RedisStore Redis 기반 멱등성 저장소
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore Redis 기반 멱등성 저장소 생성
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// Reserve 멱등성 키 예약
func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fullKey := s.getFullKey(key)
	result, err := s.client.SetNX(ctx, fullKey, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return result, nil
}

// Release 멱등성 키 해제
func (s *RedisStore) Release(ctx context.Context, key string) error {
	fullKey := s.getFullKey(key)
	_, err := s.client.Del(ctx, fullKey).Result()
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) getFullKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

// MemoryStore 단일 프로세스용 멱등성 저장소 (Redis 미설정 시 사용)
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore 메모리 기반 멱등성 저장소 생성
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Reserve 멱등성 키 예약 (ttl <= 0 이면 만료 없음)
func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveLocked(key) {
		return false, nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = expiresAt
	return true, nil
}

// Release 멱등성 키 해제
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) liveLocked(key string) bool {
	expiresAt, ok := s.entries[key]
	if !ok {
		return false
	}
	if !expiresAt.IsZero() && !s.now().Before(expiresAt) {
		delete(s.entries, key)
		return false
	}
	return true
}
