package task

import (
	"context"

	xerrors "OpenSouk-Chain/internal/errors"
)

// Handler 处理来自消息队列的任务 ID。
// 队列只传递任务 ID，任务内容始终从存储读取。
type Handler func(ctx context.Context, taskID string) error

// Producer 把待执行的任务 ID 投递进队列。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以指定并发度消费队列里的任务 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 聚合投递与消费两种能力。
type Queue interface {
	Producer
	Consumer
}

// CodeQueueClosed 队列已关闭。
const CodeQueueClosed xerrors.Code = "TASK_QUEUE_CLOSED"

func init() {
	xerrors.Register(CodeQueueClosed, xerrors.Attributes{
		Message:   "task queue closed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// ErrQueueClosed 表示队列已经关闭。
var ErrQueueClosed = xerrors.New(CodeQueueClosed, "队列已关闭")
