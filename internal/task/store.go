package task

import (
	"context"

	xerrors "OpenSouk-Chain/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把待执行的任务置为 running 并累加尝试次数。
	// 已成功、执行中、重试耗尽的任务分别返回对应的哨兵错误。
	Claim(ctx context.Context, id string) (*Task, error)
	// Assign 记录任务分配给了哪个智能体。若该智能体已在尝试名单中，
	// 说明合格者已经轮转过一遍，名单重置后重新累计。
	Assign(ctx context.Context, id, agentName string) error
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ...ListOption) ([]*Task, error)
	Stats(ctx context.Context, opts ...ListOption) (TaskStats, error)
	Close() error
}
