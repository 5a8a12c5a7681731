package redisqueue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"kasirinaja/tabclient/internal/queue"
	"kasirinaja/tabclient/internal/queue/queuetest"
)

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("POSCLIENT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set POSCLIENT_TEST_REDIS_ADDR to run redis integration test")
	}

	queuetest.Run(t, func(t *testing.T) queue.Queue {
		ctx := context.Background()
		client := NewClient(addr, os.Getenv("POSCLIENT_TEST_REDIS_PASSWORD"), 0)
		prefix := fmt.Sprintf("posclient-it-%d:", time.Now().UnixNano())
		q := New(client, prefix)
		if err := q.Ping(ctx); err != nil {
			t.Fatalf("ping redis: %v", err)
		}
		t.Cleanup(func() {
			_ = client.Del(ctx, q.itemsKey, q.orderKey, q.seqKey).Err()
			_ = q.Close()
		})
		return q
	})
}
