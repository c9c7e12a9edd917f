// Package queue dispatches broadcast launch jobs from the API process
// to the worker consumers. The executor's contract does not depend on
// which implementation carries the job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const launchKey = "broadcast_launch_queue"

type Queue interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	// Dequeue blocks up to the implementation's poll interval and
	// reports ok=false when no job arrived.
	Dequeue(ctx context.Context) (uuid.UUID, bool, error)
}

type RedisQueue struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, timeout: 5 * time.Second}
}

func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	return q.client.LPush(ctx, launchKey, id.String()).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	res, err := q.client.BRPop(ctx, q.timeout, launchKey).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	if len(res) != 2 {
		return uuid.Nil, false, fmt.Errorf("unexpected brpop reply: %v", res)
	}
	id, err := uuid.Parse(res[1])
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("bad job id %q: %w", res[1], err)
	}
	return id, true, nil
}

// MemoryQueue is the in-process implementation used by tests.
type MemoryQueue struct {
	ch      chan uuid.UUID
	timeout time.Duration
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan uuid.UUID, size), timeout: 5 * time.Second}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	select {
	case q.ch <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("launch queue is full")
	}
}

// TryDequeue is the non-blocking variant, used by tests.
func (q *MemoryQueue) TryDequeue() (uuid.UUID, bool) {
	select {
	case id := <-q.ch:
		return id, true
	default:
		return uuid.Nil, false
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	tmr := time.NewTimer(q.timeout)
	defer tmr.Stop()
	select {
	case id := <-q.ch:
		return id, true, nil
	case <-tmr.C:
		return uuid.Nil, false, nil
	case <-ctx.Done():
		return uuid.Nil, false, ctx.Err()
	}
}
