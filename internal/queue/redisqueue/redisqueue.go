package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/queue"
)

// Redis layout under <prefix>offline_sales:
//
//	:items  HASH tempId -> JSON QueuedOfflineSale
//	:order  ZSET tempId scored by capture sequence
//	:seq    INCR counter
const enqueueScript = `
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
  return 0
end
local seq = redis.call("INCR", KEYS[3])
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], seq, ARGV[1])
return 1
`

const removeScript = `
local removed = redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return removed
`

const maxWatchRetries = 5

// Queue keeps offline sales in Redis so several terminals on one counter
// can share a drain.
type Queue struct {
	client   *redis.Client
	itemsKey string
	orderKey string
	seqKey   string
	enqueue  *redis.Script
	remove   *redis.Script
}

var _ queue.Queue = (*Queue)(nil)

func NewClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// New wraps client. prefix namespaces the keys, e.g. "branch-1:".
func New(client *redis.Client, prefix string) *Queue {
	base := prefix + queue.Key
	return &Queue{
		client:   client,
		itemsKey: base + ":items",
		orderKey: base + ":order",
		seqKey:   base + ":seq",
		enqueue:  redis.NewScript(enqueueScript),
		remove:   redis.NewScript(removeScript),
	}
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, sale domain.QueuedOfflineSale) error {
	if err := queue.Validate(sale); err != nil {
		return err
	}
	payload, err := json.Marshal(sale)
	if err != nil {
		return err
	}
	added, err := q.enqueue.Run(ctx, q.client, []string{q.itemsKey, q.orderKey, q.seqKey}, sale.TempID, payload).Int()
	if err != nil {
		return err
	}
	if added == 0 {
		return queue.ErrDuplicate
	}
	return nil
}

func (q *Queue) List(ctx context.Context) ([]domain.QueuedOfflineSale, error) {
	ids, err := q.client.ZRange(ctx, q.orderKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.QueuedOfflineSale{}, nil
	}
	values, err := q.client.HMGet(ctx, q.itemsKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.QueuedOfflineSale, 0, len(ids))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// removed between ZRANGE and HMGET
			continue
		}
		var sale domain.QueuedOfflineSale
		if err := json.Unmarshal([]byte(raw), &sale); err != nil {
			return nil, fmt.Errorf("decode queued sale %s: %w", ids[i], err)
		}
		out = append(out, sale)
	}
	return out, nil
}

func (q *Queue) Remove(ctx context.Context, tempID string) error {
	removed, err := q.remove.Run(ctx, q.client, []string{q.itemsKey, q.orderKey}, tempID).Int()
	if err != nil {
		return err
	}
	if removed == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (q *Queue) MarkAttempt(ctx context.Context, tempID string, attemptErr string, at time.Time) error {
	update := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, q.itemsKey, tempID).Result()
		if errors.Is(err, redis.Nil) {
			return queue.ErrNotFound
		}
		if err != nil {
			return err
		}
		var sale domain.QueuedOfflineSale
		if err := json.Unmarshal([]byte(raw), &sale); err != nil {
			return err
		}
		attemptAt := at.UTC()
		sale.Attempts++
		sale.LastError = attemptErr
		sale.LastAttemptAt = &attemptAt

		payload, err := json.Marshal(sale)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.itemsKey, tempID, payload)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := q.client.Watch(ctx, update, q.itemsKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("mark attempt %s: %w", tempID, redis.TxFailedErr)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.orderKey).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
