package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQueueFull is returned by MemoryQueue.Push when the buffer is exhausted.
var ErrQueueFull = errors.New("job queue full")

// Queue hands tasks from the API to workers. Pop blocks until a task is
// available or ctx is done.
type Queue interface {
	Push(ctx context.Context, t Task) error
	Pop(ctx context.Context) (Task, error)
}

// MemoryQueue is a buffered channel of tasks for single-process deployments.
type MemoryQueue struct {
	tasks chan Task
}

// NewMemoryQueue creates a MemoryQueue holding up to size tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{tasks: make(chan Task, size)}
}

// Push implements Queue. It never blocks.
func (q *MemoryQueue) Push(ctx context.Context, t Task) error {
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Pop implements Queue.
func (q *MemoryQueue) Pop(ctx context.Context) (Task, error) {
	select {
	case t := <-q.tasks:
		return t, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Len returns the number of waiting tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// RedisQueue is a Redis list shared by API and worker processes.
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

// NewRedisQueue creates a RedisQueue on the list "<prefix>:queue".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{client: client, key: prefix + ":queue", wait: 5 * time.Second}
}

// Push implements Queue.
func (q *RedisQueue) Push(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

// Pop implements Queue. It polls with a bounded blocking pop so that
// cancellation of ctx is observed promptly.
func (q *RedisQueue) Pop(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		res, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("dequeue task: %w", err)
		}
		// res is [key, value].
		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			return Task{}, fmt.Errorf("decode task: %w", err)
		}
		return t, nil
	}
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
)
