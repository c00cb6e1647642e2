package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atlasreg/carte-extractor/internal/model"
)

const (
	defaultQueueKey = "carte:jobs"
	pollInterval    = 5 * time.Second
)

// RedisQueue implements Queue on a Redis list pair: a main list plus a
// per-consumer processing list. Dequeue atomically moves a payload into the
// processing list (BLMOVE), Ack removes it (LREM), and anything left in the
// processing list after a crash is pushed back by RecoverPending. That is
// the at-least-once guarantee: a task can be redelivered, never dropped.
type RedisQueue struct {
	client   *redis.Client
	queueKey string
	procKey  string
}

// RedisOptions configures the Redis-backed queue.
type RedisOptions struct {
	// URL is a redis:// connection URL.
	URL string
	// QueueKey overrides the main list key. Defaults to "carte:jobs".
	QueueKey string
	// ConsumerID distinguishes this consumer's processing list. Required
	// so RecoverPending only reclaims deliveries owned by this consumer.
	ConsumerID string
}

// NewRedis connects to Redis and returns a queue bound to the consumer's
// processing list.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, eris.Wrap(err, "queue: parse redis URL")
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, eris.Wrap(err, "queue: redis ping")
	}

	queueKey := opts.QueueKey
	if queueKey == "" {
		queueKey = defaultQueueKey
	}
	consumer := opts.ConsumerID
	if consumer == "" {
		consumer = "default"
	}

	return &RedisQueue{
		client:   client,
		queueKey: queueKey,
		procKey:  queueKey + ":processing:" + consumer,
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, task model.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return eris.Wrap(err, "queue: marshal task")
	}
	if err := q.client.LPush(ctx, q.queueKey, payload).Err(); err != nil {
		return eris.Wrapf(err, "queue: lpush %s", q.queueKey)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (model.Task, error) {
	for {
		payload, err := q.client.BLMove(ctx, q.queueKey, q.procKey, "RIGHT", "LEFT", pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			// Timed out with nothing queued; poll again unless cancelled.
			if ctx.Err() != nil {
				return model.Task{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return model.Task{}, ctx.Err()
			}
			return model.Task{}, eris.Wrap(err, "queue: blmove")
		}

		var task model.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			// Poison payload: drop it from the processing list and keep
			// consuming rather than wedging the worker.
			zap.L().Error("queue: dropping undecodable payload", zap.Error(err))
			q.client.LRem(ctx, q.procKey, 1, payload)
			continue
		}
		task.Receipt = payload
		return task, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, task model.Task) error {
	if task.Receipt == "" {
		return nil
	}
	if err := q.client.LRem(ctx, q.procKey, 1, task.Receipt).Err(); err != nil {
		return eris.Wrap(err, "queue: lrem ack")
	}
	return nil
}

// RecoverPending moves deliveries stranded in this consumer's processing
// list back onto the main queue. Call once at worker startup, before
// consuming: anything found there belongs to a previous crashed run.
func (q *RedisQueue) RecoverPending(ctx context.Context) (int, error) {
	recovered := 0
	for {
		_, err := q.client.LMove(ctx, q.procKey, q.queueKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return recovered, nil
		}
		if err != nil {
			return recovered, eris.Wrap(err, "queue: recover pending")
		}
		recovered++
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
