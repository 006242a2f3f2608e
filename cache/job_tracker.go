package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"trackingest/model"
)

const (
	jobKey        = "trackingest:job:%s" // String: Job JSON
	defaultJobTTL = 24 * time.Hour
	memoryJobSize = 4096
)

// RedisJobTracker 将任务状态存储在 Redis 中，多个进程可以共享
type RedisJobTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisJobTracker creates a tracker whose entries expire after ttl.
func NewRedisJobTracker(client *redis.Client, ttl time.Duration) *RedisJobTracker {
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	return &RedisJobTracker{client: client, ttl: ttl}
}

// Save 保存任务状态
func (t *RedisJobTracker) Save(ctx context.Context, job *model.Job) error {
	if t.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return t.client.Set(ctx, fmt.Sprintf(jobKey, job.ID), data, t.ttl).Err()
}

// Load 获取任务状态
func (t *RedisJobTracker) Load(ctx context.Context, id string) (*model.Job, error) {
	if t.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	data, err := t.client.Get(ctx, fmt.Sprintf(jobKey, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// MemoryJobTracker keeps job status in a bounded, expiring in-process LRU.
type MemoryJobTracker struct {
	jobs *expirable.LRU[string, model.Job]
}

// NewMemoryJobTracker creates a tracker holding at most size jobs for ttl each.
func NewMemoryJobTracker(size int, ttl time.Duration) *MemoryJobTracker {
	if size <= 0 {
		size = memoryJobSize
	}
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	return &MemoryJobTracker{jobs: expirable.NewLRU[string, model.Job](size, nil, ttl)}
}

func (t *MemoryJobTracker) Save(ctx context.Context, job *model.Job) error {
	t.jobs.Add(job.ID, *job)
	return nil
}

func (t *MemoryJobTracker) Load(ctx context.Context, id string) (*model.Job, error) {
	job, ok := t.jobs.Get(id)
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return &job, nil
}

// Len returns the number of unexpired jobs.
func (t *MemoryJobTracker) Len() int { return t.jobs.Len() }
