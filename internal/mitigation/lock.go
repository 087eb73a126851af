package mitigation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Locker serializes mitigation application per model version. Acquire
// reports whether the lock was taken; on refusal it returns the current
// holder so conflicts can name their blocker.
type Locker interface {
	Acquire(ctx context.Context, modelVersion, holder string, ttl time.Duration) (bool, string, error)
	Release(ctx context.Context, modelVersion, holder string) error
}

// MemoryLocker is the in-process Locker used by single-instance
// deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, modelVersion, holder string, ttl time.Duration) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.locks[modelVersion]; ok && time.Now().Before(existing.expiresAt) {
		return false, existing.holder, nil
	}
	l.locks[modelVersion] = memoryLock{holder: holder, expiresAt: time.Now().Add(ttl)}
	return true, "", nil
}

func (l *MemoryLocker) Release(ctx context.Context, modelVersion, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.locks[modelVersion]; ok && existing.holder == holder {
		delete(l.locks, modelVersion)
	}
	return nil
}

// RedisLocker serializes mitigation across service instances with SETNX,
// mirroring the first-write-wins discipline of the result stores.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisLocker{client: client}, nil
}

func lockKey(modelVersion string) string {
	return fmt.Sprintf("eqlens:mitigation:%s", modelVersion)
}

func (l *RedisLocker) Acquire(ctx context.Context, modelVersion, holder string, ttl time.Duration) (bool, string, error) {
	ok, err := l.client.SetNX(ctx, lockKey(modelVersion), holder, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("redis SETNX failed: %w", err)
	}
	if ok {
		return true, "", nil
	}
	current, err := l.client.Get(ctx, lockKey(modelVersion)).Result()
	if err == redis.Nil {
		// Lock expired between SETNX and GET; caller retries.
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("redis GET failed: %w", err)
	}
	return false, current, nil
}

func (l *RedisLocker) Release(ctx context.Context, modelVersion, holder string) error {
	current, err := l.client.Get(ctx, lockKey(modelVersion)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis GET failed: %w", err)
	}
	if current != holder {
		return nil
	}
	if err := l.client.Del(ctx, lockKey(modelVersion)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
