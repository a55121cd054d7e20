package rediscache

import (
	"context"
	"strconv"
	"time"

	"github.com/BearBump/CRMSync/internal/tasks"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DelayQueue is a durable tasks.Scheduler: a ZSET of task ids scored by run time
// plus a hash of payloads.
type DelayQueue struct {
	c       *redis.Client
	zsetKey string
	hashKey string
}

func NewDelayQueue(addr, name string) *DelayQueue {
	if name == "" {
		name = "crmsync"
	}
	return &DelayQueue{
		c:       redis.NewClient(&redis.Options{Addr: addr}),
		zsetKey: "tasks:" + name + ":due",
		hashKey: "tasks:" + name + ":payload",
	}
}

func (q *DelayQueue) ScheduleAt(ctx context.Context, at time.Time, taskID string, payload []byte) error {
	pipe := q.c.TxPipeline()
	pipe.HSet(ctx, q.hashKey, taskID, payload)
	pipe.ZAdd(ctx, q.zsetKey, redis.Z{Score: float64(at.UTC().UnixMilli()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis schedule task")
	}
	return nil
}

// Due pops up to limit tasks whose run time has passed. A task is handed to exactly
// one caller: ownership is decided by ZREM.
func (q *DelayQueue) Due(ctx context.Context, now time.Time, limit int) ([]tasks.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	zs, err := q.c.ZRangeByScoreWithScores(ctx, q.zsetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UTC().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis due tasks")
	}

	var out []tasks.Task
	for _, z := range zs {
		id, _ := z.Member.(string)
		removed, err := q.c.ZRem(ctx, q.zsetKey, id).Result()
		if err != nil {
			return out, errors.Wrap(err, "redis claim task")
		}
		if removed == 0 {
			continue
		}
		payload, err := q.c.HGet(ctx, q.hashKey, id).Bytes()
		if err != nil && err != redis.Nil {
			return out, errors.Wrap(err, "redis task payload")
		}
		_ = q.c.HDel(ctx, q.hashKey, id).Err()
		out = append(out, tasks.Task{
			ID:      id,
			RunAt:   time.UnixMilli(int64(z.Score)).UTC(),
			Payload: payload,
		})
	}
	return out, nil
}

func (q *DelayQueue) Cancel(ctx context.Context, taskID string) error {
	pipe := q.c.TxPipeline()
	pipe.ZRem(ctx, q.zsetKey, taskID)
	pipe.HDel(ctx, q.hashKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis cancel task")
	}
	return nil
}

func (q *DelayQueue) Clear(ctx context.Context) (int64, error) {
	n, err := q.c.ZCard(ctx, q.zsetKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis count tasks")
	}
	if err := q.c.Del(ctx, q.zsetKey, q.hashKey).Err(); err != nil {
		return 0, errors.Wrap(err, "redis clear tasks")
	}
	return n, nil
}

func (q *DelayQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.c.ZCard(ctx, q.zsetKey).Result()
	return n, errors.Wrap(err, "redis count tasks")
}
