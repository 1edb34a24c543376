package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the FIFO of runnable job ids. Push of an id which is already
// queued is a no-op and returns false.
type Queue interface {
	Push(ctx context.Context, id int64) (bool, error)
	// Pop blocks until an id is available or ctx is done.
	Pop(ctx context.Context) (int64, error)
	Remove(ctx context.Context, id int64) (bool, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is a Queue kept in the process memory.
type MemoryQueue struct {
	mu     sync.Mutex
	ids    []int64
	queued map[int64]struct{}
	// closed and replaced on every push to wake up waiting Pops
	ready chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued: make(map[int64]struct{}),
		ready:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Push(_ context.Context, id int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[id]; ok {
		return false, nil
	}
	q.queued[id] = struct{}{}
	q.ids = append(q.ids, id)
	close(q.ready)
	q.ready = make(chan struct{})
	return true, nil
}

func (q *MemoryQueue) Pop(ctx context.Context) (int64, error) {
	for {
		if ctx.Err() != nil {
			return 0, context.Cause(ctx)
		}
		q.mu.Lock()
		if len(q.ids) > 0 {
			id := q.ids[0]
			q.ids = q.ids[1:]
			delete(q.queued, id)
			q.mu.Unlock()
			return id, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		case <-ready:
		}
	}
}

func (q *MemoryQueue) Remove(_ context.Context, id int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[id]; !ok {
		return false, nil
	}
	delete(q.queued, id)
	q.ids = slices.DeleteFunc(q.ids, func(v int64) bool { return v == id })
	return true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids), nil
}

const (
	redisListKey = "qpc:jobs:queue"
	redisSetKey  = "qpc:jobs:queued"
	// bounds a blocking pop so cancellation of the caller is noticed
	redisPopTimeout = time.Second
)

// RedisQueue is a Queue shared through redis: a list holds the order and a
// set makes Push idempotent.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue connects to redis at addr and verifies the connection.
func NewRedisQueue(ctx context.Context, addr, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", addr, err)
	}
	return &RedisQueue{client: client}, nil
}

func (q *RedisQueue) Push(ctx context.Context, id int64) (bool, error) {
	member := strconv.FormatInt(id, 10)
	added, err := q.client.SAdd(ctx, redisSetKey, member).Result()
	if err != nil {
		return false, err
	}
	if added == 0 {
		return false, nil
	}
	if err := q.client.RPush(ctx, redisListKey, member).Err(); err != nil {
		_ = q.client.SRem(context.WithoutCancel(ctx), redisSetKey, member).Err()
		return false, err
	}
	return true, nil
}

func (q *RedisQueue) Pop(ctx context.Context) (int64, error) {
	for {
		if ctx.Err() != nil {
			return 0, context.Cause(ctx)
		}
		res, err := q.client.BLPop(ctx, redisPopTimeout, redisListKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return 0, context.Cause(ctx)
			}
			return 0, err
		case len(res) < 2:
			continue
		}
		if err := q.client.SRem(context.WithoutCancel(ctx), redisSetKey, res[1]).Err(); err != nil {
			return 0, err
		}
		id, err := strconv.ParseInt(res[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid job id %q in queue: %w", res[1], err)
		}
		return id, nil
	}
}

func (q *RedisQueue) Remove(ctx context.Context, id int64) (bool, error) {
	member := strconv.FormatInt(id, 10)
	var lrem *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrem = pipe.LRem(ctx, redisListKey, 0, member)
		pipe.SRem(ctx, redisSetKey, member)
		return nil
	})
	if err != nil {
		return false, err
	}
	return lrem.Val() > 0, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, redisListKey).Result()
	return int(n), err
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
