package task

import (
	"context"
	"sync"
)

// MemoryQueue 基于带缓冲 channel 的进程内队列，单机部署与测试使用。
// 关闭后拒绝新任务，已缓冲的任务会被消费协程排空。
type MemoryQueue struct {
	mu     sync.Mutex
	ch     chan string
	done   chan struct{}
	closed bool
}

// NewMemoryQueue 创建一个内存队列，size 为缓冲容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
	}
}

// Publish 将任务 ID 入队，缓冲满时阻塞直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个消费协程，阻塞直到 ctx 取消或队列关闭。
// handler 的返回值在这一层不处理，重试由处理器的重入队兜底。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			q.drainLoop(ctx, handler)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-q.done:
	}
	wg.Wait()
	return err
}

func (q *MemoryQueue) drainLoop(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-q.ch:
			_ = handler(ctx, taskID)
		case <-q.done:
			// 队列关闭，先排空缓冲再退出。
			for {
				select {
				case taskID := <-q.ch:
					_ = handler(ctx, taskID)
				default:
					return
				}
			}
		}
	}
}

// Close 关闭队列。幂等，不会打断正在执行的 handler。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
