package telegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetryKey is the Redis list holding outbound retries.
const DefaultRetryKey = "queue:outbound-retry"

// redisPollTimeout bounds each blocking pop so cancellation is noticed.
const redisPollTimeout = 5 * time.Second

// redisLister is the subset of *redis.Client the queue uses.
type redisLister interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// RedisQueue is a RetryQueue stored in a Redis list, so queued messages
// survive restarts. Jobs are pushed on the left and popped on the right.
type RedisQueue struct {
	client      redisLister
	key         string
	capacity    int
	pollTimeout time.Duration
}

var _ RetryQueue = (*RedisQueue)(nil)

// RedisQueueOpts holds parameters for creating a RedisQueue.
type RedisQueueOpts struct {
	Client   *redis.Client
	Key      string // defaults to DefaultRetryKey
	Capacity int    // defaults to DefaultRetryCapacity
}

// NewRedisQueue creates a RedisQueue.
func NewRedisQueue(opts RedisQueueOpts) (*RedisQueue, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("telegraph: redis queue: client is required")
	}
	return newRedisQueue(opts.Client, opts.Key, opts.Capacity), nil
}

func newRedisQueue(client redisLister, key string, capacity int) *RedisQueue {
	if key == "" {
		key = DefaultRetryKey
	}
	if capacity <= 0 {
		capacity = DefaultRetryCapacity
	}
	return &RedisQueue{
		client:      client,
		key:         key,
		capacity:    capacity,
		pollTimeout: redisPollTimeout,
	}
}

// NewRedisClient connects to the Redis server at url and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("telegraph: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("telegraph: ping redis: %w", err)
	}
	return client, nil
}

// Enqueue pushes job, refusing when the list already holds capacity jobs.
func (q *RedisQueue) Enqueue(ctx context.Context, job RetryJob) error {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return fmt.Errorf("telegraph: redis queue: length: %w", err)
	}
	if n >= int64(q.capacity) {
		return ErrQueueFull
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("telegraph: redis queue: encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, string(data)).Err(); err != nil {
		return fmt.Errorf("telegraph: redis queue: push: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is popped or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (RetryJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return RetryJob{}, err
		}
		result, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return RetryJob{}, ctx.Err()
			}
			return RetryJob{}, fmt.Errorf("telegraph: redis queue: pop: %w", err)
		}
		if len(result) < 2 {
			continue
		}
		var job RetryJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			return RetryJob{}, fmt.Errorf("telegraph: redis queue: decode job: %w", err)
		}
		return job, nil
	}
}

// Len returns the number of queued jobs.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("telegraph: redis queue: length: %w", err)
	}
	return int(n), nil
}
