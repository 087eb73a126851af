package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/halcyon-health/equilens/internal/api"
)

const resultKeyPrefix = "eqlens:result:"

// RedisResultStore implements ResultStore on Redis. SETNX gives atomic
// first-write-wins across instances, so two evaluators racing on the
// same result key cannot diverge. Entries expire after the retention
// TTL; zero means no expiry.
type RedisResultStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisResultStore(addr, password string, db int, retention time.Duration) (*RedisResultStore, error) {
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

	return &RedisResultStore{client: client, retention: retention}, nil
}

func (r *RedisResultStore) Put(ctx context.Context, result api.FairnessMetricResult) (bool, error) {
	if err := result.Validate(); err != nil {
		return false, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	created, err := r.client.SetNX(ctx, resultKeyPrefix+result.ResultKey, data, r.retention).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	return created, nil
}

func (r *RedisResultStore) Get(ctx context.Context, resultKey string) (*api.FairnessMetricResult, error) {
	data, err := r.client.Get(ctx, resultKeyPrefix+resultKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var result api.FairnessMetricResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// List scans the result keyspace and filters client-side. Result
// cardinality is bounded by cohorts x families x retained windows, so
// a SCAN stays cheap; heavy reporting belongs on the Postgres store.
func (r *RedisResultStore) List(ctx context.Context, q ResultQuery) ([]api.FairnessMetricResult, error) {
	var out []api.FairnessMetricResult

	iter := r.client.Scan(ctx, 0, resultKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis GET failed: %w", err)
		}
		var result api.FairnessMetricResult
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		if q.matches(result) {
			out = append(out, result)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN failed: %w", err)
	}

	sortResults(out)
	return out, nil
}

func (r *RedisResultStore) Close() error {
	return r.client.Close()
}
