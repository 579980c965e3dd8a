package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	storageredis "OpenSouk-Chain/internal/storage/redis"
)

// RedisQueueConfig 是 Redis 任务队列的连接与消费参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 用 Redis list 承载任务 ID：LPUSH 入队，BRPOP 消费。
// handler 失败的任务会被追加回队尾，等待下一轮认领。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 建立 Redis 连接并返回队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	queue := cfg.Queue
	if queue == "" {
		queue = "souk:tasks"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client, err := storageredis.Open(storageredis.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish 入队一个任务 ID。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 任务入队失败: %w", err)
	}
	return nil
}

// Consume 启动 workerCount 个 BRPOP 循环。任何一个循环出错即取消
// 其余循环，等全部退出后返回首个错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			if err := q.popLoop(runCtx, handler); err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (q *RedisQueue) popLoop(ctx context.Context, handler Handler) error {
	for {
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			// 等待窗口内没有任务。
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, redis.ErrClosed):
			return err
		default:
			return fmt.Errorf("Redis 任务出队失败: %w", err)
		}

		// BRPOP 返回 [key, value]。
		if len(values) != 2 {
			continue
		}
		taskID := values[1]
		if handlerErr := handler(ctx, taskID); handlerErr != nil {
			_ = q.client.RPush(ctx, q.queue, taskID).Err()
		}
	}
}

// Close 断开 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
