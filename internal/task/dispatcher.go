package task

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"OpenSouk-Chain/internal/agent"
	"OpenSouk-Chain/internal/bus"
	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/observability/metrics"
	"OpenSouk-Chain/internal/protocol"
	"OpenSouk-Chain/pkg/logger"
)

// DefaultDispatcherMailbox 是调度器收取回执的默认邮箱名。
const DefaultDispatcherMailbox = "dispatcher"

// DispatcherConfig 描述调度器的依赖。
type DispatcherConfig struct {
	Bus       bus.Bus
	Allocator *Allocator
	Store     Store
	Registry  *agent.Registry
	// Mailbox 调度器自己的回执邮箱，为空时使用 DefaultDispatcherMailbox。
	Mailbox string
	// Timeout 等待智能体回执的期限，<=0 使用默认值 30 秒。
	Timeout time.Duration
}

// Dispatcher 把认领到的任务委派给智能体邮箱并等待回执。
// 每次派发都会在存储里登记执行者，回执超时按失败处理，
// 由上层的重试机制换一个智能体再试。
type Dispatcher struct {
	bus       bus.Bus
	allocator *Allocator
	store     Store
	registry  *agent.Registry
	mailbox   string
	timeout   time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]chan protocol.TaskResult
}

// NewDispatcher 创建任务调度器。
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Bus == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器需要消息总线")
	}
	if cfg.Allocator == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器需要分配器")
	}
	if cfg.Store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器需要任务存储")
	}
	if cfg.Registry == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器需要智能体注册表")
	}
	mailboxName := strings.TrimSpace(cfg.Mailbox)
	if mailboxName == "" {
		mailboxName = DefaultDispatcherMailbox
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		bus:       cfg.Bus,
		allocator: cfg.Allocator,
		store:     cfg.Store,
		registry:  cfg.Registry,
		mailbox:   mailboxName,
		timeout:   timeout,
		log:       logger.Named("dispatcher"),
		pending:   make(map[string]chan protocol.TaskResult),
	}, nil
}

// Mailbox 返回调度器的回执邮箱名。
func (d *Dispatcher) Mailbox() string {
	return d.mailbox
}

// Start 订阅回执邮箱。ctx 取消后订阅循环随总线一起停止。
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.bus.Subscribe(ctx, d.mailbox, d.handleReply)
}

// Execute 为任务挑选智能体、投递委派消息并等待执行回执。
func (d *Dispatcher) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	entry, err := d.allocator.Allocate(task)
	if err != nil {
		return nil, err
	}
	if err := d.store.Assign(ctx, task.ID, entry.Name); err != nil {
		return nil, err
	}
	// 同步内存里的快照，失败路径的日志与告警才能指向本次执行者。
	task.AssignedTo = entry.Name

	assignment := protocol.TaskAssignment{
		TaskID:      task.ID,
		Kind:        task.Kind,
		Goal:        task.Goal,
		Payload:     task.Payload,
		ChainAction: task.ChainAction,
		Attempt:     task.Attempts,
		ReplyTo:     d.mailbox,
	}
	msg, err := protocol.New(d.mailbox, entry.Name, protocol.PerformativeRequest, assignment)
	if err != nil {
		return nil, err
	}

	replyCh := d.await(task.ID)
	defer d.forget(task.ID)

	if err := d.registry.BeginWork(entry.Name); err != nil {
		return nil, err
	}
	if err := d.bus.Publish(ctx, msg); err != nil {
		d.registry.EndWork(entry.Name, true)
		return nil, xerrors.Wrap(CodeTaskPublish, err, "投递任务委派消息失败")
	}
	metrics.ObserveTaskAllocation(task.Kind, entry.Name)
	d.log.Info("任务已派发",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("agent", entry.Name),
		slog.Int("attempt", task.Attempts),
	)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		d.registry.EndWork(entry.Name, true)
		return nil, ctx.Err()
	case <-timer.C:
		d.registry.EndWork(entry.Name, true)
		return nil, xerrors.New(CodeDispatchTimeout, "等待智能体回执超时",
			xerrors.WithMetadata("agent", entry.Name),
			xerrors.WithMetadata("task_id", task.ID),
		)
	case result := <-replyCh:
		if result.ErrorCode != "" {
			d.registry.EndWork(entry.Name, true)
			return nil, agentFailureError(result)
		}
		d.registry.EndWork(entry.Name, false)
		return &ExecutionResult{
			Summary: result.Summary,
			TxHash:  result.TxHash,
			Output:  result.Output,
			Agent:   entry.Name,
		}, nil
	}
}

func (d *Dispatcher) await(taskID string) chan protocol.TaskResult {
	ch := make(chan protocol.TaskResult, 1)
	d.mu.Lock()
	d.pending[taskID] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) forget(taskID string) {
	d.mu.Lock()
	delete(d.pending, taskID)
	d.mu.Unlock()
}

// handleReply 解析智能体回执并唤醒等待中的 Execute。
// 无法解析或无人等待的回执直接丢弃，重投解决不了这类问题。
func (d *Dispatcher) handleReply(_ context.Context, msg protocol.Message) error {
	var result protocol.TaskResult
	if err := protocol.DecodeBody(msg, &result); err != nil {
		d.log.Warn("任务回执解析失败",
			slog.String("message_id", msg.ID),
			slog.String("sender", msg.Sender),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if result.TaskID == "" {
		return nil
	}
	d.mu.Lock()
	ch, ok := d.pending[result.TaskID]
	d.mu.Unlock()
	if !ok {
		d.log.Warn("收到无人等待的任务回执",
			slog.String("task_id", result.TaskID),
			slog.String("sender", msg.Sender),
		)
		return nil
	}
	select {
	case ch <- result:
	default:
	}
	return nil
}

func agentFailureError(result protocol.TaskResult) error {
	code := xerrors.Code(result.ErrorCode)
	message := result.ErrorMessage
	if message == "" {
		message = "智能体执行失败"
	}
	return xerrors.New(code, message)
}

var _ Executor = (*Dispatcher)(nil)
